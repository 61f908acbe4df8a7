package plan

import (
	"context"
	"testing"
	"time"

	"github.com/palantir/stacktrace"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-labs/astrolabe-go/pkg/atlas"
	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/scenario"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

// fakeController records the control-plane calls the interpreter makes and
// lets each one be overridden per test.
type fakeController struct {
	calls []string

	modifyErr   error
	failoverErr error
	restartErr  error
	waitErr     error

	clusterRaw  map[string]interface{}
	processArgs map[string]interface{}
}

func (f *fakeController) ModifyCluster(_ *types.ClusterDetails, _ map[string]interface{}) error {
	f.calls = append(f.calls, "modify")
	return f.modifyErr
}

func (f *fakeController) UpdateProcessArgs(_ *types.ClusterDetails, _ map[string]interface{}) error {
	f.calls = append(f.calls, "processArgs")
	return nil
}

func (f *fakeController) TriggerFailover(_ *types.ClusterDetails) error {
	f.calls = append(f.calls, "failover")
	return f.failoverErr
}

func (f *fakeController) TriggerRestart(_ *types.ClusterDetails) error {
	f.calls = append(f.calls, "restart")
	return f.restartErr
}

func (f *fakeController) GetCluster(_ *types.ClusterDetails) (*atlas.ClusterInfo, error) {
	f.calls = append(f.calls, "getCluster")
	return &atlas.ClusterInfo{Raw: f.clusterRaw}, nil
}

func (f *fakeController) GetProcessArgs(_ *types.ClusterDetails) (map[string]interface{}, error) {
	f.calls = append(f.calls, "getProcessArgs")
	return f.processArgs, nil
}

func (f *fakeController) WaitUntilIdle(_ *types.ClusterDetails, _, _ time.Duration) error {
	f.calls = append(f.calls, "waitIdle")
	return f.waitErr
}

func newTestInterpreter(controller *fakeController, assert RegionAsserter) *Interpreter {
	in := NewInterpreter(controller, &types.ClusterDetails{Name: "abc123", ProjectID: "p1"}, assert, time.Millisecond, time.Second)
	in.sleep = func(time.Duration) {}
	return in
}

func TestRunAppliesOperationsInOrder(t *testing.T) {
	controller := &fakeController{
		clusterRaw: map[string]interface{}{
			"providerSettings": map[string]interface{}{"instanceSizeName": "M20"},
		},
	}
	in := newTestInterpreter(controller, nil)

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpSetClusterConfiguration, ClusterConfig: atlas.ClusterConfig{
			ClusterConfiguration: map[string]interface{}{
				"providerSettings": map[string]interface{}{"instanceSizeName": "M20"},
			},
		}},
		{Type: scenario.OpTestFailover},
		{Type: scenario.OpSleep, Duration: 10 * time.Second},
		{Type: scenario.OpWaitForIdle},
	})

	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, []string{"modify", "waitIdle", "getCluster", "failover", "waitIdle"}, controller.calls)
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	controller := &fakeController{
		failoverErr: stacktrace.Propagate(cerrors.AtlasAPI{
			Method: "POST", Path: "restartPrimaries", StatusCode: 500,
			Reason: "internal error",
		}, "failover rejected"),
	}
	in := newTestInterpreter(controller, nil)

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpTestFailover},
		{Type: scenario.OpRestartVMs},
		{Type: scenario.OpWaitForIdle},
	})

	require.Error(t, err)
	require.Equal(t, Aborted, outcome)
	require.Equal(t, cerrors.ErrorTypeAtlasAPI, cerrors.GetErrorType(stacktrace.RootCause(err)))
	// the restart and the idle wait must never have run
	require.Equal(t, []string{"failover"}, controller.calls)
}

func TestRunAbortsWhenIdleWaitTimesOut(t *testing.T) {
	controller := &fakeController{
		waitErr: stacktrace.Propagate(cerrors.Timeout{
			Phase: types.PhaseMaintenanceRunning, Target: "abc123",
			Timeout: "1s", Reason: "cluster never reached the IDLE state",
		}, "cluster maintenance did not settle"),
	}
	in := newTestInterpreter(controller, nil)

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpTestFailover},
		{Type: scenario.OpSleep, Duration: time.Second},
		{Type: scenario.OpWaitForIdle},
		{Type: scenario.OpRestartVMs},
	})

	require.Error(t, err)
	require.Equal(t, Aborted, outcome)
	require.True(t, cerrors.IsTimeout(err))
	// the fourth operation must never have run
	require.Equal(t, []string{"failover", "waitIdle"}, controller.calls)
}

func TestRunSkipsRemainingOperationsOnCancellation(t *testing.T) {
	controller := &fakeController{}
	in := newTestInterpreter(controller, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := in.Run(ctx, []scenario.Operation{
		{Type: scenario.OpTestFailover},
	})

	require.Error(t, err)
	require.Equal(t, Aborted, outcome)
	require.Empty(t, controller.calls)
}

func TestFailoverDoesNotWaitForIdle(t *testing.T) {
	controller := &fakeController{}
	in := newTestInterpreter(controller, nil)

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpTestFailover},
		{Type: scenario.OpRestartVMs},
	})

	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, []string{"failover", "restart"}, controller.calls)
}

func TestSetClusterConfigurationPushesProcessArgs(t *testing.T) {
	controller := &fakeController{
		processArgs: map[string]interface{}{"minimumEnabledTlsProtocol": "TLS1_2", "javascriptEnabled": false},
	}
	in := newTestInterpreter(controller, nil)

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpSetClusterConfiguration, ClusterConfig: atlas.ClusterConfig{
			ProcessArgs: map[string]interface{}{"minimumEnabledTlsProtocol": "TLS1_2"},
		}},
	})

	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, []string{"processArgs", "waitIdle", "getProcessArgs"}, controller.calls)
}

func TestSetClusterConfigurationFailsWhenNotApplied(t *testing.T) {
	controller := &fakeController{
		clusterRaw: map[string]interface{}{
			"providerSettings": map[string]interface{}{"instanceSizeName": "M10"},
		},
	}
	in := newTestInterpreter(controller, nil)

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpSetClusterConfiguration, ClusterConfig: atlas.ClusterConfig{
			ClusterConfiguration: map[string]interface{}{
				"providerSettings": map[string]interface{}{"instanceSizeName": "M20"},
			},
		}},
	})

	require.Error(t, err)
	require.Equal(t, Aborted, outcome)
	require.Contains(t, err.Error(), "instanceSizeName")
}

func TestSetClusterConfigurationRejectsEmptyOperation(t *testing.T) {
	in := newTestInterpreter(&fakeController{}, nil)

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpSetClusterConfiguration},
	})

	require.Error(t, err)
	require.Equal(t, Aborted, outcome)
}

func TestAssertPrimaryRegionUsesDefaultTimeout(t *testing.T) {
	var gotRegion string
	var gotTimeout time.Duration
	in := newTestInterpreter(&fakeController{}, func(region string, timeout time.Duration) error {
		gotRegion, gotTimeout = region, timeout
		return nil
	})

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpAssertPrimaryRegion, Region: "US_WEST_1"},
	})

	require.NoError(t, err)
	require.Equal(t, Completed, outcome)
	require.Equal(t, "US_WEST_1", gotRegion)
	require.Equal(t, scenario.DefaultRegionAssertionTimeout, gotTimeout)
}

func TestAssertPrimaryRegionFailureAbortsPlan(t *testing.T) {
	controller := &fakeController{}
	in := newTestInterpreter(controller, func(region string, timeout time.Duration) error {
		return stacktrace.Propagate(cerrors.RegionAssertion{
			Expected: region, Actual: "US_EAST_1",
		}, "primary never moved")
	})

	outcome, err := in.Run(context.Background(), []scenario.Operation{
		{Type: scenario.OpAssertPrimaryRegion, Region: "US_WEST_1", Timeout: 50 * time.Millisecond},
		{Type: scenario.OpTestFailover},
	})

	require.Error(t, err)
	require.Equal(t, Aborted, outcome)
	require.True(t, cerrors.IsRegionAssertion(err))
	require.Empty(t, controller.calls)
}

func TestMissingFromSubsetComparesNumericForms(t *testing.T) {
	// YAML scenarios carry ints, API responses carry float64s
	_, ok := missingFromSubset(
		map[string]interface{}{"diskSizeGB": 3},
		map[string]interface{}{"diskSizeGB": float64(3)},
	)
	require.True(t, ok)

	key, ok := missingFromSubset(
		map[string]interface{}{"diskSizeGB": 3},
		map[string]interface{}{"diskSizeGB": float64(4)},
	)
	require.False(t, ok)
	require.Equal(t, "diskSizeGB", key)
}
