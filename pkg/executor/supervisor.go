package executor

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/result"
)

// DefaultTerminationWait bounds how long a workload executor gets to shut
// down after the termination signal. The driver's server selection timeout
// is 30 seconds by default, so allow double that.
const DefaultTerminationWait = 60 * time.Second

// Supervisor launches and owns the lifecycle of one workload executor
// subprocess per test run
type Supervisor struct {
	// Executable is the path of the driver team's workload executor script
	Executable string
	// WorkDir is where the executor runs and writes results.json/events.json
	WorkDir string
}

// Process represents the live workload executor subprocess. Exactly one per
// test run; never reused.
type Process struct {
	PID       int
	StartedAt time.Time

	cmd    *exec.Cmd
	stdout lockedBuffer
	stderr lockedBuffer

	waitOnce sync.Once
	waitErr  error
	waitCh   chan struct{}

	mu              sync.Mutex
	terminationSent bool
}

// ExitOutcome captures how the subprocess ended. The exit code is recorded
// for diagnosis but never decides the verdict; only the statistics artifact
// does.
type ExitOutcome struct {
	ExitCode int
	TimedOut bool
	Runtime  time.Duration
	Stdout   string
	Stderr   string
}

// Start spawns `<executor> <connection-string> <workload-json>` in the
// supervisor's working directory. The connection string is passed through
// verbatim; the environment is inherited opaquely. Stale result artifacts
// from a previous run are removed first so the reconciler can never read
// them by mistake.
func (s *Supervisor) Start(connectionString string, driverWorkload map[string]interface{}) (*Process, error) {
	for _, artifact := range []string{result.StatsFile, result.EventsFile} {
		err := os.Remove(filepath.Join(s.WorkDir, artifact))
		switch {
		case err == nil:
			log.Debugf("[Workload]: Cleaned up stale %s", artifact)
		case !os.IsNotExist(err):
			// a stale artifact that cannot be removed would be reconciled as
			// genuine output, turning a previous run's result into this one's
			return nil, stacktrace.Propagate(cerrors.WorkloadExecutor{
				Phase:  "Workload",
				Reason: err.Error(),
			}, "unable to remove stale artifact '%s'", artifact)
		}
	}

	workloadJSON, err := json.Marshal(driverWorkload)
	if err != nil {
		return nil, stacktrace.Propagate(err, "unable to encode driver workload")
	}

	cmd := exec.Command(s.Executable, connectionString, string(workloadJSON))
	cmd.Dir = s.WorkDir
	cmd.Env = os.Environ()

	process := &Process{cmd: cmd, waitCh: make(chan struct{})}
	// Writers make os/exec pump both pipes on background goroutines, so a
	// verbose executor can never block the maintenance plan.
	cmd.Stdout = &process.stdout
	cmd.Stderr = &process.stderr
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, stacktrace.Propagate(cerrors.WorkloadExecutor{
			Phase:  "Workload",
			Reason: err.Error(),
		}, "unable to start workload executor '%s'", s.Executable)
	}
	process.PID = cmd.Process.Pid
	process.StartedAt = time.Now()
	log.Infof("[Workload]: Started workload executor [PID: %d]", process.PID)

	go func() {
		err := cmd.Wait()
		process.waitOnce.Do(func() { process.waitErr = err })
		close(process.waitCh)
	}()

	return process, nil
}

// WaitStartup gives the executor a fixed grace period to begin issuing
// operations. There is no readiness signal from the executor; the delay is a
// deliberate, acknowledged race mitigation. An executor that exits during
// the grace period quit without receiving the termination signal, which is
// a harness-level failure.
func (p *Process) WaitStartup(grace time.Duration) error {
	if grace > 0 {
		log.Infof("[Workload]: Waiting %s for the workload executor to start", grace)
	}
	select {
	case <-p.waitCh:
		return stacktrace.Propagate(cerrors.WorkloadExecutor{
			Phase:  "Workload",
			Reason: "workload executor quit without receiving termination signal",
		}, "premature workload executor exit")
	case <-time.After(grace):
		return nil
	}
}

// RequestTermination delivers the platform interrupt signal (SIGINT to the
// process group on POSIX, CTRL_BREAK_EVENT on Windows) exactly once. It is
// never resent, even if the process lingers; AwaitExit handles that.
func (p *Process) RequestTermination() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.terminationSent {
		return nil
	}
	p.terminationSent = true

	log.Infof("[Terminate]: Stopping workload executor [PID: %d]", p.PID)
	if err := interruptProcess(p.cmd); err != nil {
		select {
		case <-p.waitCh:
			// Exited before we could signal it; AwaitExit will report it.
			log.Warnf("[Terminate]: Workload executor already exited [PID: %d]", p.PID)
			return nil
		default:
		}
		return stacktrace.Propagate(cerrors.WorkloadExecutor{
			Phase:  "Terminate",
			Reason: err.Error(),
		}, "could not request termination of workload executor")
	}
	return nil
}

// Exited reports whether the subprocess has already exited
func (p *Process) Exited() bool {
	select {
	case <-p.waitCh:
		return true
	default:
		return false
	}
}

// TerminationRequested reports whether the interrupt signal was delivered
func (p *Process) TerminationRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminationSent
}

// AwaitExit blocks until the process exits or the timeout elapses, in which
// case the process is forcibly killed and the outcome marked TimedOut. A
// timed-out executor is always an infrastructure error, never attributed to
// the workload counters.
func (p *Process) AwaitExit(timeout time.Duration) ExitOutcome {
	outcome := ExitOutcome{ExitCode: -1}

	select {
	case <-p.waitCh:
	case <-time.After(timeout):
		log.Errorf("[Terminate]: Workload executor did not exit within %s, killing it [PID: %d]", timeout, p.PID)
		killProcess(p.cmd)
		outcome.TimedOut = true
		<-p.waitCh
	}

	if state := p.cmd.ProcessState; state != nil {
		outcome.ExitCode = state.ExitCode()
	}
	outcome.Runtime = time.Since(p.StartedAt)
	outcome.Stdout = p.stdout.String()
	outcome.Stderr = p.stderr.String()
	log.InfoWithValues("[Terminate]: Workload executor exited", map[string]interface{}{
		"pid": p.PID, "exitCode": outcome.ExitCode, "timedOut": outcome.TimedOut, "runtime": outcome.Runtime.String(),
	})
	return outcome
}

// lockedBuffer serializes writes from the exec copy goroutines against
// reads from the orchestrator
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
