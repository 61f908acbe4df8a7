package kubernetes

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/executor"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/result"
	"github.com/mongodb-labs/astrolabe-go/pkg/telemetry"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

// RunOptions configures one Kubernetes scenario run
type RunOptions struct {
	// ConnectionString of the replica set hosted in the cluster
	ConnectionString string
	// Executable is the driver team's workload executor script
	Executable string
	// WorkDir is where per-scenario artifact directories are created
	WorkDir string
	// StartupTime is the grace period before disruption begins
	StartupTime time.Duration
	// TerminationWait bounds the executor's shutdown after the interrupt
	TerminationWait time.Duration

	// sleep is swapped out in tests
	sleep func(time.Duration)
}

// RunScenario supervises the workload executor while the disruption plan
// runs against the pods, then reconciles the executor's artifacts exactly
// like the Atlas path does. Termination and reconciliation always run.
func (r *Runner) RunScenario(ctx context.Context, sc *Scenario, options RunOptions) *result.RunResult {
	ctx, span := telemetry.StartScenario(ctx, sc.Name, "kubernetes")
	defer span.End()

	if options.TerminationWait <= 0 {
		options.TerminationWait = executor.DefaultTerminationWait
	}
	workDir := filepath.Join(options.WorkDir, sc.Name)

	process, infraErr := r.driveScenario(ctx, sc, options, workDir)
	infraErr = terminate(process, options.TerminationWait, infraErr)

	res := result.Reconcile(workDir, sc.Name, infraErr)
	if err := res.Persist(workDir); err != nil {
		log.Errorf("[Report]: Unable to persist the run result: %v", err)
	}
	if err := result.WriteStatistics(workDir, result.AggregateStatistics(res)); err != nil {
		log.Warnf("[Report]: Unable to write aggregated statistics: %v", err)
	}
	return res
}

func (r *Runner) driveScenario(ctx context.Context, sc *Scenario, options RunOptions, workDir string) (*executor.Process, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, stacktrace.Propagate(err, "unable to create scenario working directory '%s'", workDir)
	}

	supervisor := &executor.Supervisor{Executable: options.Executable, WorkDir: workDir}
	process, err := supervisor.Start(options.ConnectionString, sc.DriverWorkload)
	if err != nil {
		return nil, err
	}
	if err := process.WaitStartup(options.StartupTime); err != nil {
		return process, err
	}

	for i, op := range sc.Operations {
		if err := ctx.Err(); err != nil {
			return process, stacktrace.Propagate(err, "disruption plan interrupted before operation '%s'", op.Type)
		}
		log.Infof("[Maintenance]: Running operation %d/%d: %s", i+1, len(sc.Operations), op.Type)
		if err := r.runOperation(ctx, op, options); err != nil {
			return process, stacktrace.Propagate(err, "disruption operation '%s' failed", op.Type)
		}
	}
	return process, nil
}

func (r *Runner) runOperation(ctx context.Context, op Operation, options RunOptions) error {
	switch op.Type {
	case OpDeletePod:
		return r.DeletePods(ctx, op.Namespace, op.LabelSelector)
	case OpWaitForPodsReady:
		return r.WaitForPodsReady(ctx, op.Namespace, op.LabelSelector, op.Timeout)
	case OpSleep:
		log.Infof("[Maintenance]: Sleeping for %s", op.Duration)
		if options.sleep != nil {
			options.sleep(op.Duration)
		} else {
			time.Sleep(op.Duration)
		}
		return nil
	}
	return stacktrace.Propagate(cerrors.Generic{
		Phase:  types.PhaseMaintenanceRunning,
		Reason: "unknown disruption operation '" + string(op.Type) + "'",
	}, "unable to interpret disruption plan")
}

func terminate(process *executor.Process, wait time.Duration, infraErr error) error {
	if process == nil {
		return infraErr
	}
	if process.Exited() && !process.TerminationRequested() && infraErr == nil {
		infraErr = stacktrace.Propagate(cerrors.WorkloadExecutor{
			Phase:  types.PhaseTerminating,
			Reason: "workload executor quit without receiving termination signal",
		}, "premature workload executor exit")
	}
	if err := process.RequestTermination(); err != nil && infraErr == nil {
		infraErr = err
	}
	outcome := process.AwaitExit(wait)
	if outcome.TimedOut && infraErr == nil {
		infraErr = stacktrace.Propagate(cerrors.WorkloadExecutor{
			Phase:  types.PhaseTerminating,
			Reason: "workload executor ignored the termination signal and was killed",
		}, "workload executor shutdown timed out")
	}
	return infraErr
}
