package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/palantir/stacktrace"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

func writeArtifact(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestReconcileParsesCounters(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures": 0, "numSuccesses": 42, "numIterations": 5}`)

	r := Reconcile(dir, "retryReads_simple", nil)

	require.Equal(t, 0, r.NumErrors)
	require.Equal(t, 0, r.NumFailures)
	require.Equal(t, 42, r.NumSuccesses)
	require.Equal(t, 5, r.NumIterations)
	require.False(t, r.Failed())
	require.Equal(t, types.PassVerdict, r.Verdict)
}

func TestReconcileSentinelOnMalformedStats(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures"`)

	r := Reconcile(dir, "retryReads_simple", nil)

	require.Equal(t, Unreported, r.NumErrors)
	require.Equal(t, Unreported, r.NumFailures)
	require.Equal(t, Unreported, r.NumSuccesses)
	require.Equal(t, Unreported, r.NumIterations)
	require.True(t, r.Failed())
	require.Equal(t, types.FailVerdict, r.Verdict)
}

func TestReconcileSentinelOnMissingStats(t *testing.T) {
	r := Reconcile(t.TempDir(), "retryReads_simple", nil)

	require.Equal(t, Unreported, r.NumErrors)
	require.Equal(t, Unreported, r.NumIterations)
	require.True(t, r.Failed())
}

func TestReconcileRequiresErrorAndFailureCounters(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numSuccesses": 42}`)

	r := Reconcile(dir, "retryReads_simple", nil)

	require.Equal(t, Unreported, r.NumErrors)
	require.Equal(t, Unreported, r.NumSuccesses)
	require.True(t, r.Failed())
}

func TestReconcileDefaultsOptionalCounters(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures": 0}`)

	r := Reconcile(dir, "retryReads_simple", nil)

	require.Equal(t, Unreported, r.NumSuccesses)
	require.Equal(t, Unreported, r.NumIterations)
	require.False(t, r.Failed())
}

func TestReconcileRejectsNonIntegerCounters(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": "zero", "numFailures": 0}`)

	r := Reconcile(dir, "retryReads_simple", nil)

	require.Equal(t, Unreported, r.NumErrors)
	require.True(t, r.Failed())
}

func TestReconcileCountsWorkloadFailures(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures": 2, "numSuccesses": 40, "numIterations": 5}`)

	r := Reconcile(dir, "retryWrites_toolchain", nil)

	require.True(t, r.Failed())
	require.Equal(t, types.FailVerdict, r.Verdict)
}

func TestReconcileRecordsInfrastructureError(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures": 0, "numSuccesses": 42, "numIterations": 5}`)

	infraErr := stacktrace.Propagate(cerrors.Timeout{
		Phase:   types.PhaseMaintenanceRunning,
		Target:  "cluster 'abc123'",
		Timeout: "20m0s",
		Reason:  "cluster never returned to IDLE",
	}, "maintenance did not converge")

	r := Reconcile(dir, "retryReads_simple", infraErr)

	// The workload counters stay as reported; the control-plane error fails
	// the run on its own.
	require.Equal(t, 42, r.NumSuccesses)
	require.NotEmpty(t, r.InfrastructureError)
	require.Equal(t, cerrors.ErrorTypeTimeout, r.ErrorType)
	require.True(t, r.Failed())
	require.Equal(t, types.FailVerdict, r.Verdict)
}

func TestReconcileRecordsRegionAssertionAsTestFailure(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures": 0, "numSuccesses": 42, "numIterations": 5}`)

	assertErr := stacktrace.Propagate(cerrors.RegionAssertion{
		Expected: "US_WEST_1",
		Actual:   "US_EAST_1",
	}, "primary never moved")

	r := Reconcile(dir, "region_test", assertErr)

	// A primary that never reached the expected region fails the test, not
	// the infrastructure.
	require.NotEmpty(t, r.TestFailure)
	require.Empty(t, r.InfrastructureError)
	require.Equal(t, cerrors.ErrorTypeRegionAssertion, r.ErrorType)
	require.True(t, r.Failed())
	require.Equal(t, types.FailVerdict, r.Verdict)
}

func TestReconcileRoutesEventEntities(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 1, "numFailures": 0}`)
	writeArtifact(t, dir, EventsFile, `{
		"events": [{"name": "CommandStartedEvent", "commandName": "find"}],
		"errors": [{"error": "connection reset", "time": 1724659200}],
		"failures": [],
		"driverInternal": {"poolGeneration": 3}
	}`)

	r := Reconcile(dir, "retryReads_simple", nil)

	require.Len(t, r.Events, 1)
	require.Equal(t, "CommandStartedEvent", r.Events[0]["name"])
	require.Len(t, r.Errors, 1)
	require.NotNil(t, r.Failures)
	require.Empty(t, r.Failures)
	require.Contains(t, r.Extra, "driverInternal")
}

func TestReconcileToleratesMissingEvents(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures": 0}`)

	r := Reconcile(dir, "retryReads_simple", nil)

	require.NotNil(t, r.Events)
	require.NotNil(t, r.Errors)
	require.NotNil(t, r.Failures)
	require.False(t, r.Failed())
}

func TestPersistRoundTrips(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, StatsFile, `{"numErrors": 0, "numFailures": 0, "numSuccesses": 7, "numIterations": 1}`)

	r := Reconcile(dir, "retryReads_simple", nil)
	require.NoError(t, r.Persist(dir))

	data, err := os.ReadFile(filepath.Join(dir, VerdictFile))
	require.NoError(t, err)

	var restored RunResult
	require.NoError(t, json.Unmarshal(data, &restored))
	require.Equal(t, r.TestName, restored.TestName)
	require.Equal(t, r.NumSuccesses, restored.NumSuccesses)
	require.Equal(t, r.Verdict, restored.Verdict)
}

// FuzzReconcile hammers the artifact parser with arbitrary bytes: whatever
// the executor writes, reconciliation must neither panic nor produce an
// ambiguous verdict.
func FuzzReconcile(f *testing.F) {
	f.Add([]byte(`{"numErrors": 0, "numFailures": 0}`), []byte(`{"events": []}`))
	f.Add([]byte(`not json at all`), []byte(`[]`))
	f.Fuzz(func(t *testing.T, data []byte, _ []byte) {
		fuzzConsumer := fuzz.NewConsumer(data)
		stats, err := fuzzConsumer.GetBytes()
		if err != nil {
			return
		}
		events, err := fuzzConsumer.GetBytes()
		if err != nil {
			events = nil
		}

		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, StatsFile), stats, 0o644); err != nil {
			t.Fatal(err)
		}
		if events != nil {
			if err := os.WriteFile(filepath.Join(dir, EventsFile), events, 0o644); err != nil {
				t.Fatal(err)
			}
		}

		r := Reconcile(dir, "fuzzed", nil)
		if r.Verdict != types.PassVerdict && r.Verdict != types.FailVerdict {
			t.Fatalf("reconciliation produced no verdict: %q", r.Verdict)
		}
		if r.NumErrors == Unreported && !r.Failed() {
			t.Fatal("unreported error counter must fail the run")
		}
	})
}
