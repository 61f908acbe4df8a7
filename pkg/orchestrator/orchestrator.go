// Package orchestrator sequences the full lifecycle of driver-versus-Atlas
// test scenarios: provisioning, workload startup, maintenance, termination,
// reconciliation and cleanup.
package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/atlas"
	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/environment"
	"github.com/mongodb-labs/astrolabe-go/pkg/executor"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/plan"
	"github.com/mongodb-labs/astrolabe-go/pkg/result"
	"github.com/mongodb-labs/astrolabe-go/pkg/scenario"
	"github.com/mongodb-labs/astrolabe-go/pkg/telemetry"
	"github.com/mongodb-labs/astrolabe-go/pkg/topology"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

// Options are the per-invocation knobs the CLI exposes
type Options struct {
	// Executable is the driver team's workload executor script
	Executable string
	// WorkDir is where per-scenario artifact directories are created
	WorkDir string
	// NoCreate reuses an existing cluster instead of provisioning one
	NoCreate bool
	// NoDelete leaves the cluster running after the scenario, for debugging
	NoDelete bool
	// TerminationWait bounds the executor's shutdown after the interrupt
	TerminationWait time.Duration
}

// Orchestrator drives scenarios against one Atlas project, sequentially.
// Scenarios are never run concurrently; they share project-level resources
// like the database user and the IP access list.
type Orchestrator struct {
	Client  *atlas.Client
	Config  environment.ConfigDetails
	Options Options

	projectID string

	// injected in tests, which have no cluster to dial
	loadInitialData func(ctx context.Context, connectionString string, workload map[string]interface{}) error
	assertRegion    func(ctx context.Context, connectionString, region string, timeout time.Duration) error
}

// New wires an orchestrator against the live control plane and topology
func New(client *atlas.Client, config environment.ConfigDetails, options Options) *Orchestrator {
	if options.TerminationWait <= 0 {
		options.TerminationWait = executor.DefaultTerminationWait
	}
	return &Orchestrator{
		Client:          client,
		Config:          config,
		Options:         options,
		loadInitialData: topology.LoadInitialData,
		assertRegion:    topology.AssertPrimaryRegion,
	}
}

// EnsureEnvironment resolves the organization, creates or reuses the test
// project, the admin database user and the open IP access list. Everything
// here is idempotent so repeated runs share one project.
func (o *Orchestrator) EnsureEnvironment() error {
	org, err := o.Client.GetOrganizationByName(o.Config.OrganizationName)
	if err != nil {
		return err
	}
	log.Infof("[Provision]: Using organization '%s' [ID: %s]", org.Name, org.ID)

	project, err := o.Client.EnsureProject(o.Config.ProjectName, org.ID)
	if err != nil {
		return err
	}
	log.Infof("[Provision]: Using project '%s' [ID: %s]", project.Name, project.ID)
	o.projectID = project.ID

	if err := o.Client.EnsureAdminUser(project.ID, o.Config.DBUsername, o.Config.DBPassword); err != nil {
		return err
	}
	return o.Client.EnsureConnectFromAnywhere(project.ID)
}

// RunAll finds every scenario under locator and runs them one after another.
// It returns the number of failed scenarios; infrastructure trouble in one
// scenario never stops the following ones.
func (o *Orchestrator) RunAll(ctx context.Context, locator string) (int, error) {
	files, err := scenario.Find(locator)
	if err != nil {
		return 0, err
	}

	scenarios := make([]*scenario.Scenario, 0, len(files))
	for _, file := range files {
		sc, err := scenario.Load(file, o.Config.ClusterNameSalt)
		if err != nil {
			return 0, err
		}
		scenarios = append(scenarios, sc)
	}
	logPlanTable(scenarios)

	if err := o.EnsureEnvironment(); err != nil {
		return 0, err
	}

	failed := 0
	results := make([]*result.RunResult, 0, len(scenarios))
	for _, sc := range scenarios {
		r := o.RunScenario(ctx, sc)
		results = append(results, r)
		if r.Failed() {
			failed++
		}
	}
	logSummaryTable(results)
	return failed, nil
}

// RunScenario executes one scenario end to end and always produces a
// RunResult: termination, reconciliation and cleanup run no matter how far
// the earlier phases got.
func (o *Orchestrator) RunScenario(ctx context.Context, sc *scenario.Scenario) *result.RunResult {
	ctx, span := telemetry.StartScenario(ctx, sc.Name, sc.ClusterName)
	defer span.End()

	log.InfoWithValues("Running scenario", map[string]interface{}{
		"testName": sc.Name, "clusterName": sc.ClusterName, "specFile": sc.SpecFile,
	})

	cluster := &types.ClusterDetails{Name: sc.ClusterName, ProjectID: o.projectID}
	workDir := filepath.Join(o.Options.WorkDir, sc.Name)

	var process *executor.Process
	infraErr := o.driveScenario(ctx, sc, cluster, workDir, &process)
	infraErr = o.terminate(ctx, process, infraErr)

	r := o.reconcile(ctx, sc, workDir, infraErr)

	if r.Failed() && process != nil {
		o.collectLogs(cluster, workDir)
	}
	o.cleanup(ctx, cluster)
	return r
}

// driveScenario runs the forward path: provision, workload startup and the
// maintenance plan. The first infrastructure error stops it; the caller owns
// the unconditional phases that follow.
func (o *Orchestrator) driveScenario(ctx context.Context, sc *scenario.Scenario, cluster *types.ClusterDetails, workDir string, process **executor.Process) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return stacktrace.Propagate(err, "unable to create scenario working directory '%s'", workDir)
	}

	if err := o.provision(ctx, sc, cluster); err != nil {
		return err
	}

	connectionString, err := o.Client.ConnectionString(cluster, o.Config.DBUsername, o.Config.DBPassword, sc.URIOptions)
	if err != nil {
		return err
	}

	p, err := o.startWorkload(ctx, sc, connectionString, workDir)
	if err != nil {
		return err
	}
	*process = p

	return o.maintain(ctx, sc, cluster, connectionString)
}

func (o *Orchestrator) provision(ctx context.Context, sc *scenario.Scenario, cluster *types.ClusterDetails) error {
	_, span := telemetry.StartPhase(ctx, types.PhaseProvisioning)
	defer span.End()

	if o.Options.NoCreate {
		log.Infof("[Provision]: Reusing existing cluster '%s'", cluster.Name)
	} else if err := o.Client.CreateCluster(cluster, sc.InitialConfiguration); err != nil {
		return err
	}
	return o.Client.WaitUntilIdle(cluster, o.Config.PollingInterval, o.Config.PollingTimeout)
}

func (o *Orchestrator) startWorkload(ctx context.Context, sc *scenario.Scenario, connectionString, workDir string) (*executor.Process, error) {
	ctx, span := telemetry.StartPhase(ctx, types.PhaseWorkloadStarting)
	defer span.End()

	if err := o.loadInitialData(ctx, connectionString, sc.DriverWorkload); err != nil {
		return nil, err
	}

	supervisor := &executor.Supervisor{Executable: o.Options.Executable, WorkDir: workDir}
	process, err := supervisor.Start(connectionString, sc.DriverWorkload)
	if err != nil {
		return nil, err
	}
	if err := process.WaitStartup(o.Config.WorkloadStartupTime); err != nil {
		return process, err
	}
	return process, nil
}

func (o *Orchestrator) maintain(ctx context.Context, sc *scenario.Scenario, cluster *types.ClusterDetails, connectionString string) error {
	ctx, span := telemetry.StartPhase(ctx, types.PhaseMaintenanceRunning)
	defer span.End()

	interpreter := plan.NewInterpreter(o.Client, cluster,
		func(region string, timeout time.Duration) error {
			return o.assertRegion(ctx, connectionString, region, timeout)
		},
		o.Config.PollingInterval, o.Config.PollingTimeout)

	outcome, err := interpreter.Run(ctx, sc.Operations)
	if outcome == plan.Aborted {
		return err
	}
	return nil
}

// terminate delivers the interrupt and reaps the executor. An executor that
// exited before the signal, or that outlives the shutdown window, is an
// infrastructure error unless an earlier one already explains the run.
func (o *Orchestrator) terminate(ctx context.Context, process *executor.Process, infraErr error) error {
	if process == nil {
		return infraErr
	}
	_, span := telemetry.StartPhase(ctx, types.PhaseTerminating)
	defer span.End()

	if process.Exited() && !process.TerminationRequested() && infraErr == nil {
		infraErr = stacktrace.Propagate(cerrors.WorkloadExecutor{
			Phase:  types.PhaseTerminating,
			Reason: "workload executor quit without receiving termination signal",
		}, "premature workload executor exit")
	}
	if err := process.RequestTermination(); err != nil && infraErr == nil {
		infraErr = err
	}

	outcome := process.AwaitExit(o.Options.TerminationWait)
	if outcome.TimedOut && infraErr == nil {
		infraErr = stacktrace.Propagate(cerrors.WorkloadExecutor{
			Phase:  types.PhaseTerminating,
			Reason: "workload executor ignored the termination signal and was killed",
		}, "workload executor shutdown timed out")
	}
	if outcome.Stderr != "" {
		log.Debugf("[Terminate]: Workload executor stderr:\n%s", outcome.Stderr)
	}
	return infraErr
}

func (o *Orchestrator) reconcile(ctx context.Context, sc *scenario.Scenario, workDir string, infraErr error) *result.RunResult {
	_, span := telemetry.StartPhase(ctx, types.PhaseReconciling)
	defer span.End()

	r := result.Reconcile(workDir, sc.Name, infraErr)
	if err := r.Persist(workDir); err != nil {
		log.Errorf("[Report]: Unable to persist the run result: %v", err)
	}
	if err := result.WriteStatistics(workDir, result.AggregateStatistics(r)); err != nil {
		log.Warnf("[Report]: Unable to write aggregated statistics: %v", err)
	}
	return r
}

// collectLogs pulls the server logs of a failed run next to its artifacts.
// Log collection is best effort; it never changes the verdict.
func (o *Orchestrator) collectLogs(cluster *types.ClusterDetails, workDir string) {
	archive := filepath.Join(workDir, "logs.tar.gz")
	if err := o.Client.FetchLogs(cluster, archive); err != nil {
		log.Warnf("[Report]: Unable to collect cluster logs: %v", err)
		return
	}
	log.Infof("[Report]: Cluster logs written to '%s'", archive)
}

func (o *Orchestrator) cleanup(ctx context.Context, cluster *types.ClusterDetails) {
	_, span := telemetry.StartPhase(ctx, types.PhaseCleanup)
	defer span.End()

	if o.Options.NoDelete {
		log.Infof("[Cleanup]: Keeping cluster '%s' as requested", cluster.Name)
		return
	}
	if err := o.Client.DeleteCluster(cluster); err != nil {
		log.Errorf("[Cleanup]: Unable to delete cluster '%s': %v", cluster.Name, err)
		return
	}
	log.Infof("[Cleanup]: Cluster '%s' marked for deletion", cluster.Name)
}

func logPlanTable(scenarios []*scenario.Scenario) {
	log.Infof("Planned scenarios: %d", len(scenarios))
	for i, sc := range scenarios {
		log.InfoWithValues("Scenario plan", map[string]interface{}{
			"index": i + 1, "testName": sc.Name, "clusterName": sc.ClusterName,
			"operations": len(sc.Operations),
		})
	}
}

func logSummaryTable(results []*result.RunResult) {
	for _, r := range results {
		log.InfoWithValues("Scenario verdict", map[string]interface{}{
			"testName": r.TestName, "verdict": r.Verdict,
			"numErrors": r.NumErrors, "numFailures": r.NumFailures,
			"numSuccesses": r.NumSuccesses, "numIterations": r.NumIterations,
		})
	}
}
