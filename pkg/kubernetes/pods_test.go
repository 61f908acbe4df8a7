package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func mongoPod(name string, ready bool) *corev1.Pod {
	status := corev1.ConditionFalse
	if ready {
		status = corev1.ConditionTrue
	}
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "mongodb",
			Labels:    map[string]string{"app": "mongodb"},
		},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: status}},
		},
	}
}

func TestDeletePodsMatchesLabelSelector(t *testing.T) {
	other := mongoPod("other-0", true)
	other.Labels = map[string]string{"app": "other"}
	clientSet := fake.NewSimpleClientset(mongoPod("mongodb-0", true), mongoPod("mongodb-1", true), other)
	runner := &Runner{KubeClient: clientSet}

	require.NoError(t, runner.DeletePods(context.Background(), "mongodb", "app=mongodb"))

	remaining, err := clientSet.CoreV1().Pods("mongodb").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, remaining.Items, 1)
	assert.Equal(t, "other-0", remaining.Items[0].Name)
}

func TestDeletePodsRequiresAMatch(t *testing.T) {
	runner := &Runner{KubeClient: fake.NewSimpleClientset()}

	err := runner.DeletePods(context.Background(), "mongodb", "app=mongodb")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no pods with label")
}

func TestWaitForPodsReady(t *testing.T) {
	clientSet := fake.NewSimpleClientset(mongoPod("mongodb-0", true), mongoPod("mongodb-1", true))
	runner := &Runner{KubeClient: clientSet, PollingInterval: time.Millisecond}

	require.NoError(t, runner.WaitForPodsReady(context.Background(), "mongodb", "app=mongodb", 50*time.Millisecond))
}

func TestWaitForPodsReadyTimesOut(t *testing.T) {
	clientSet := fake.NewSimpleClientset(mongoPod("mongodb-0", true), mongoPod("mongodb-1", false))
	runner := &Runner{KubeClient: clientSet, PollingInterval: time.Millisecond}

	err := runner.WaitForPodsReady(context.Background(), "mongodb", "app=mongodb", 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongodb-1")
}

func TestWaitForPodsReadyChecksAtLeastOnce(t *testing.T) {
	clientSet := fake.NewSimpleClientset(mongoPod("mongodb-0", false))
	// a timeout shorter than the poll interval must not skip the check
	runner := &Runner{KubeClient: clientSet, PollingInterval: 5 * time.Second}

	err := runner.WaitForPodsReady(context.Background(), "mongodb", "app=mongodb", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mongodb-0")
}
