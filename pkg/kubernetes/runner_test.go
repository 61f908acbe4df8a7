//go:build !windows

package kubernetes

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
)

func writeExecutor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workload-executor.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestRunScenarioDisruptsAndReconciles(t *testing.T) {
	clientSet := fake.NewSimpleClientset(mongoPod("mongodb-0", true))
	runner := &Runner{KubeClient: clientSet, PollingInterval: time.Millisecond}

	sc, err := Load(writeScenarioFile(t, `operations:
  - deletePod:
      namespace: mongodb
      labelSelector: app=mongodb
driverWorkload:
  description: retry reads
`))
	require.NoError(t, err)

	workDir := t.TempDir()
	r := runner.RunScenario(context.Background(), sc, RunOptions{
		ConnectionString: "mongodb://mongodb-svc.mongodb.svc.cluster.local:27017/?replicaSet=rs0",
		Executable: writeExecutor(t, `
trap 'echo "{\"numErrors\": 0, \"numFailures\": 0, \"numSuccesses\": 7, \"numIterations\": 1}" > results.json; exit 0' INT
while true; do sleep 0.1; done
`),
		WorkDir:         workDir,
		StartupTime:     100 * time.Millisecond,
		TerminationWait: 5 * time.Second,
	})

	assert.False(t, r.Failed())
	assert.Equal(t, 7, r.NumSuccesses)

	pods, err := clientSet.CoreV1().Pods("mongodb").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)

	assert.FileExists(t, filepath.Join(workDir, sc.Name, "run-result.json"))
}

func TestRunScenarioFailsWhenDisruptionFails(t *testing.T) {
	// no pods match, so the disruption plan aborts with an infra error
	runner := &Runner{KubeClient: fake.NewSimpleClientset(), PollingInterval: time.Millisecond}

	sc, err := Load(writeScenarioFile(t, `operations:
  - deletePod:
      namespace: mongodb
      labelSelector: app=mongodb
driverWorkload:
  description: retry reads
`))
	require.NoError(t, err)

	r := runner.RunScenario(context.Background(), sc, RunOptions{
		ConnectionString: "mongodb://localhost:27017",
		Executable: writeExecutor(t, `
trap 'echo "{\"numErrors\": 0, \"numFailures\": 0}" > results.json; exit 0' INT
while true; do sleep 0.1; done
`),
		WorkDir:         t.TempDir(),
		StartupTime:     50 * time.Millisecond,
		TerminationWait: 5 * time.Second,
	})

	assert.True(t, r.Failed())
	assert.NotEmpty(t, r.InfrastructureError)
}

func TestRunScenarioDetectsPrematureExit(t *testing.T) {
	runner := &Runner{KubeClient: fake.NewSimpleClientset(mongoPod("mongodb-0", true)), PollingInterval: time.Millisecond}

	sc, err := Load(writeScenarioFile(t, `operations:
  - sleep: 0
driverWorkload:
  description: retry reads
`))
	require.NoError(t, err)

	r := runner.RunScenario(context.Background(), sc, RunOptions{
		ConnectionString: "mongodb://localhost:27017",
		Executable:       writeExecutor(t, `exit 0`),
		WorkDir:          t.TempDir(),
		StartupTime:      200 * time.Millisecond,
		TerminationWait:  time.Second,
	})

	assert.True(t, r.Failed())
	assert.Equal(t, cerrors.ErrorTypeWorkloadExecutor, r.ErrorType)
}
