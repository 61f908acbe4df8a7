package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/palantir/stacktrace"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/utils/retry"
)

// Runner executes pod disruption operations against the cluster hosting the
// replica set under test
type Runner struct {
	KubeClient kubernetes.Interface

	PollingInterval time.Duration
}

// DeletePods deletes every pod matching the label selector in the namespace.
// Matching no pods is an error: a disruption that disrupts nothing means the
// scenario targets the wrong workload.
func (r *Runner) DeletePods(ctx context.Context, namespace, labelSelector string) error {
	podList, err := r.KubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
	if err != nil {
		return stacktrace.Propagate(cerrors.KubernetesAPI{
			Operation: "list pods",
			Target:    labelSelector,
			Reason:    err.Error(),
		}, "unable to list pods in namespace '%s'", namespace)
	}
	if len(podList.Items) == 0 {
		return stacktrace.Propagate(cerrors.KubernetesAPI{
			Operation: "delete pods",
			Target:    labelSelector,
			Reason:    fmt.Sprintf("no pods with label '%s' found in namespace '%s'", labelSelector, namespace),
		}, "disruption matched nothing")
	}

	for _, pod := range podList.Items {
		log.Infof("[Maintenance]: Deleting pod '%s' in namespace '%s'", pod.Name, namespace)
		if err := r.KubeClient.CoreV1().Pods(namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{}); err != nil {
			return stacktrace.Propagate(cerrors.KubernetesAPI{
				Operation: "delete pod",
				Target:    pod.Name,
				Reason:    err.Error(),
			}, "unable to delete pod")
		}
	}
	return nil
}

// WaitForPodsReady polls until every pod matching the label selector is
// running and ready, or the timeout elapses
func (r *Runner) WaitForPodsReady(ctx context.Context, namespace, labelSelector string, timeout time.Duration) error {
	interval := r.PollingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	// a timeout shorter than the poll interval still gets one check
	attempts := uint(timeout / interval)
	if attempts < 1 {
		attempts = 1
	}
	return retry.Times(attempts).Wait(interval).Try(func(attempt uint) error {
		podList, err := r.KubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: labelSelector})
		if err != nil {
			return errors.Wrapf(err, "unable to list pods with label '%s' in namespace '%s'", labelSelector, namespace)
		}
		if len(podList.Items) == 0 {
			return errors.Errorf("no pods with label '%s' found in namespace '%s'", labelSelector, namespace)
		}
		for _, pod := range podList.Items {
			if !isPodReady(&pod) {
				log.Debugf("[Status]: Pod '%s' is not ready yet [Phase: %s]", pod.Name, pod.Status.Phase)
				return errors.Errorf("pod '%s' is not ready", pod.Name)
			}
		}
		return nil
	})
}

func isPodReady(pod *corev1.Pod) bool {
	if pod.DeletionTimestamp != nil || pod.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, condition := range pod.Status.Conditions {
		if condition.Type == corev1.PodReady {
			return condition.Status == corev1.ConditionTrue
		}
	}
	return false
}
