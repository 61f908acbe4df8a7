package plan

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/atlas"
	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/scenario"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

// Outcome is the terminal state of a maintenance plan run
type Outcome string

const (
	// Completed means every operation in the plan ran to completion
	Completed Outcome = "Completed"
	// Aborted means an operation failed and the remaining ones were skipped
	Aborted Outcome = "Aborted"
)

// ClusterController is the slice of the cluster control plane the
// interpreter drives. *atlas.Client satisfies it; tests substitute a fake.
type ClusterController interface {
	ModifyCluster(cluster *types.ClusterDetails, clusterConfiguration map[string]interface{}) error
	UpdateProcessArgs(cluster *types.ClusterDetails, processArgs map[string]interface{}) error
	TriggerFailover(cluster *types.ClusterDetails) error
	TriggerRestart(cluster *types.ClusterDetails) error
	GetCluster(cluster *types.ClusterDetails) (*atlas.ClusterInfo, error)
	GetProcessArgs(cluster *types.ClusterDetails) (map[string]interface{}, error)
	WaitUntilIdle(cluster *types.ClusterDetails, interval, maxWait time.Duration) error
}

// RegionAsserter checks that the cluster's primary currently lives in the
// given region, polling until the timeout elapses
type RegionAsserter func(region string, timeout time.Duration) error

// Interpreter walks a scenario's maintenance operations in order against one
// cluster. Operations run strictly sequentially; the first failure aborts
// the plan and is reported to the caller. Failover and restart triggers do
// NOT wait for the cluster to settle, scenarios that need a quiet cluster
// say so with an explicit waitForIdle operation.
type Interpreter struct {
	Controller   ClusterController
	Cluster      *types.ClusterDetails
	AssertRegion RegionAsserter

	PollingInterval time.Duration
	PollingTimeout  time.Duration

	// sleep is swapped out in tests
	sleep func(time.Duration)
}

// NewInterpreter wires an interpreter against a live cluster
func NewInterpreter(controller ClusterController, cluster *types.ClusterDetails, assertRegion RegionAsserter, interval, timeout time.Duration) *Interpreter {
	return &Interpreter{
		Controller:      controller,
		Cluster:         cluster,
		AssertRegion:    assertRegion,
		PollingInterval: interval,
		PollingTimeout:  timeout,
		sleep:           time.Sleep,
	}
}

// Run executes the operations one at a time and reports how far it got.
// Cancelling the context skips the remaining operations; cleanup of the
// cluster is the caller's responsibility either way.
func (in *Interpreter) Run(ctx context.Context, operations []scenario.Operation) (Outcome, error) {
	for i, op := range operations {
		if err := ctx.Err(); err != nil {
			return Aborted, stacktrace.Propagate(err, "maintenance plan interrupted before operation '%s'", op.Type)
		}
		log.Infof("[Maintenance]: Running operation %d/%d: %s", i+1, len(operations), op.Type)
		if err := in.runOperation(op); err != nil {
			log.Errorf("[Maintenance]: Operation %s failed, aborting the remaining %d operation(s)", op.Type, len(operations)-i-1)
			return Aborted, stacktrace.Propagate(err, "maintenance operation '%s' failed", op.Type)
		}
	}
	log.Infof("[Maintenance]: Plan completed, %d operation(s) applied", len(operations))
	return Completed, nil
}

func (in *Interpreter) runOperation(op scenario.Operation) error {
	switch op.Type {
	case scenario.OpSetClusterConfiguration:
		return in.setClusterConfiguration(op.ClusterConfig)
	case scenario.OpTestFailover:
		return in.Controller.TriggerFailover(in.Cluster)
	case scenario.OpRestartVMs:
		return in.Controller.TriggerRestart(in.Cluster)
	case scenario.OpAssertPrimaryRegion:
		return in.assertPrimaryRegion(op)
	case scenario.OpSleep:
		log.Infof("[Maintenance]: Sleeping for %s", op.Duration)
		in.doSleep(op.Duration)
		return nil
	case scenario.OpWaitForIdle:
		return in.Controller.WaitUntilIdle(in.Cluster, in.PollingInterval, in.PollingTimeout)
	}
	return stacktrace.Propagate(cerrors.Generic{
		Phase:  types.PhaseMaintenanceRunning,
		Reason: "unknown maintenance operation '" + string(op.Type) + "'",
	}, "unable to interpret maintenance plan")
}

// setClusterConfiguration pushes the requested configuration and process
// arguments, waits for the cluster to settle, then verifies the control
// plane actually applied what was asked for.
func (in *Interpreter) setClusterConfiguration(config atlas.ClusterConfig) error {
	if len(config.ClusterConfiguration) == 0 && len(config.ProcessArgs) == 0 {
		return stacktrace.Propagate(cerrors.Generic{
			Phase:  types.PhaseMaintenanceRunning,
			Reason: "setClusterConfiguration carries neither clusterConfiguration nor processArgs",
		}, "empty maintenance operation")
	}

	if len(config.ClusterConfiguration) != 0 {
		if err := in.Controller.ModifyCluster(in.Cluster, config.ClusterConfiguration); err != nil {
			return err
		}
	}
	if len(config.ProcessArgs) != 0 {
		if err := in.Controller.UpdateProcessArgs(in.Cluster, config.ProcessArgs); err != nil {
			return err
		}
	}
	if err := in.Controller.WaitUntilIdle(in.Cluster, in.PollingInterval, in.PollingTimeout); err != nil {
		return err
	}
	return in.verifyApplied(config)
}

func (in *Interpreter) verifyApplied(config atlas.ClusterConfig) error {
	if len(config.ClusterConfiguration) != 0 {
		info, err := in.Controller.GetCluster(in.Cluster)
		if err != nil {
			return err
		}
		if key, ok := missingFromSubset(config.ClusterConfiguration, info.Raw); !ok {
			return stacktrace.Propagate(cerrors.Generic{
				Phase:  types.PhaseMaintenanceRunning,
				Reason: "cluster configuration field '" + key + "' did not reach the requested value",
			}, "maintenance verification failed")
		}
	}
	if len(config.ProcessArgs) != 0 {
		args, err := in.Controller.GetProcessArgs(in.Cluster)
		if err != nil {
			return err
		}
		if key, ok := missingFromSubset(config.ProcessArgs, args); !ok {
			return stacktrace.Propagate(cerrors.Generic{
				Phase:  types.PhaseMaintenanceRunning,
				Reason: "process argument '" + key + "' did not reach the requested value",
			}, "maintenance verification failed")
		}
	}
	log.Infof("[Maintenance]: Cluster reports the requested configuration")
	return nil
}

func (in *Interpreter) assertPrimaryRegion(op scenario.Operation) error {
	timeout := op.Timeout
	if timeout <= 0 {
		timeout = scenario.DefaultRegionAssertionTimeout
	}
	log.Infof("[Maintenance]: Asserting the primary is in region '%s' (timeout %s)", op.Region, timeout)
	return in.AssertRegion(op.Region, timeout)
}

func (in *Interpreter) doSleep(d time.Duration) {
	if in.sleep != nil {
		in.sleep(d)
		return
	}
	time.Sleep(d)
}

// missingFromSubset walks expected and checks every leaf is present with the
// same value in actual. Maps recurse; everything else is compared by its
// JSON encoding, which irons out int-versus-float differences between the
// YAML scenario and the API response. Returns the first offending key.
func missingFromSubset(expected, actual map[string]interface{}) (string, bool) {
	for key, want := range expected {
		got, present := actual[key]
		if !present {
			return key, false
		}
		wantMap, wantIsMap := want.(map[string]interface{})
		gotMap, gotIsMap := got.(map[string]interface{})
		if wantIsMap && gotIsMap {
			if inner, ok := missingFromSubset(wantMap, gotMap); !ok {
				return key + "." + inner, false
			}
			continue
		}
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return key, false
		}
		gotJSON, err := json.Marshal(got)
		if err != nil {
			return key, false
		}
		if !bytes.Equal(wantJSON, gotJSON) {
			return key, false
		}
	}
	return "", true
}
