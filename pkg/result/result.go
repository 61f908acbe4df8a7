package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kyokomi/emoji"
	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

const (
	// StatsFile is the statistics artifact the workload executor must write
	StatsFile = "results.json"
	// EventsFile is the event-log artifact the workload executor must write
	EventsFile = "events.json"
	// VerdictFile is the aggregate artifact this harness writes per scenario
	VerdictFile = "run-result.json"

	// Unreported marks counters the executor never reported or that could
	// not be parsed. Ambiguity is never treated as success.
	Unreported = -1
)

// RunResult is the final, immutable verdict of one scenario run: the
// workload's own statistics and event lists merged with any failure the
// orchestrator observed on its side.
type RunResult struct {
	TestName string `json:"testName"`

	NumErrors     int `json:"numErrors"`
	NumFailures   int `json:"numFailures"`
	NumSuccesses  int `json:"numSuccesses"`
	NumIterations int `json:"numIterations"`

	// Recognized entity lists; always present, possibly empty, never nil.
	Events   []map[string]interface{} `json:"events"`
	Errors   []map[string]interface{} `json:"errors"`
	Failures []map[string]interface{} `json:"failures"`
	// Entity lists the harness does not recognize are passed through opaquely.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`

	// TestFailure holds a failed maintenance-plan assertion, such as the
	// primary never reaching the expected region. It counts against the
	// workload, not the harness.
	TestFailure string `json:"testFailure,omitempty"`
	// InfrastructureError holds a failure attributable to the harness or the
	// cluster control plane, never to the driver under test.
	InfrastructureError string            `json:"infrastructureError,omitempty"`
	ErrorType           cerrors.ErrorType `json:"errorType,omitempty"`

	Verdict string `json:"verdict"`
}

// Failed reports the scenario verdict: failed iff the workload counted
// errors or failures, the statistics were unreported, a plan assertion
// failed, or the harness recorded an infrastructure error.
func (r *RunResult) Failed() bool {
	return r.NumErrors != 0 || r.NumFailures != 0 ||
		r.TestFailure != "" || r.InfrastructureError != ""
}

// Reconcile folds the executor's output artifacts and the orchestrator's own
// observations into a RunResult. A missing or malformed results.json forces
// every counter to the Unreported sentinel and fails the run; events.json
// problems are tolerated with a warning and empty lists.
func Reconcile(workDir, testName string, infraErr error) *RunResult {
	r := &RunResult{
		TestName: testName,
		Events:   []map[string]interface{}{},
		Errors:   []map[string]interface{}{},
		Failures: []map[string]interface{}{},
	}

	if err := r.readStats(filepath.Join(workDir, StatsFile)); err != nil {
		log.Errorf("[Reconcile]: %v", err)
		r.NumErrors = Unreported
		r.NumFailures = Unreported
		r.NumSuccesses = Unreported
		r.NumIterations = Unreported
	}

	if err := r.readEvents(filepath.Join(workDir, EventsFile)); err != nil {
		log.Warnf("[Reconcile]: Ignoring events artifact: %v", err)
	}

	if infraErr != nil {
		// A failed region assertion is a verdict about the cluster under
		// test, not about the harness. Keep it out of the infrastructure
		// field so the artifact preserves the distinction.
		if cerrors.IsRegionAssertion(infraErr) {
			r.TestFailure, r.ErrorType = cerrors.GetRootCauseAndErrorCode(infraErr)
		} else {
			r.InfrastructureError, r.ErrorType = cerrors.GetRootCauseAndErrorCode(infraErr)
		}
	}

	r.Verdict = types.PassVerdict
	if r.Failed() {
		r.Verdict = types.FailVerdict
	}
	r.logVerdict()
	return r
}

func (r *RunResult) readStats(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return stacktrace.Propagate(cerrors.ResultParsing{
			Artifact: StatsFile,
			Reason:   "the workload executor did not write a results.json file in the expected location",
		}, "missing statistics artifact")
	}

	// Decode into raw JSON first so integer-field validation can tell a
	// number apart from any other shape.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return stacktrace.Propagate(cerrors.ResultParsing{
			Artifact: StatsFile,
			Reason:   fmt.Sprintf("malformed JSON: %v", err),
		}, "unparseable statistics artifact")
	}

	counters := map[string]*int{
		"numErrors":     &r.NumErrors,
		"numFailures":   &r.NumFailures,
		"numSuccesses":  &r.NumSuccesses,
		"numIterations": &r.NumIterations,
	}
	required := map[string]bool{"numErrors": true, "numFailures": true}

	for name, target := range counters {
		raw, present := fields[name]
		if !present {
			if required[name] {
				return stacktrace.Propagate(cerrors.ResultParsing{
					Artifact: StatsFile,
					Reason:   fmt.Sprintf("required integer field '%s' is missing", name),
				}, "invalid statistics artifact")
			}
			*target = Unreported
			continue
		}
		var value int
		if err := json.Unmarshal(raw, &value); err != nil {
			return stacktrace.Propagate(cerrors.ResultParsing{
				Artifact: StatsFile,
				Reason:   fmt.Sprintf("field '%s' is not an integer: %s", name, string(raw)),
			}, "invalid statistics artifact")
		}
		*target = value
	}

	log.InfoWithValues("[Reconcile]: Workload statistics", map[string]interface{}{
		"numErrors": r.NumErrors, "numFailures": r.NumFailures,
		"numSuccesses": r.NumSuccesses, "numIterations": r.NumIterations,
	})
	return nil
}

func (r *RunResult) readEvents(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return stacktrace.Propagate(cerrors.ResultParsing{
			Artifact: EventsFile,
			Reason:   "no events.json written",
		}, "missing events artifact")
	}

	var entities map[string]json.RawMessage
	if err := json.Unmarshal(data, &entities); err != nil {
		return stacktrace.Propagate(cerrors.ResultParsing{
			Artifact: EventsFile,
			Reason:   fmt.Sprintf("malformed JSON: %v", err),
		}, "unparseable events artifact")
	}

	recognized := map[string]*[]map[string]interface{}{
		"events":   &r.Events,
		"errors":   &r.Errors,
		"failures": &r.Failures,
	}
	for name, raw := range entities {
		target, known := recognized[name]
		if !known {
			if r.Extra == nil {
				r.Extra = map[string]json.RawMessage{}
			}
			r.Extra[name] = raw
			continue
		}
		var records []map[string]interface{}
		if err := json.Unmarshal(raw, &records); err != nil {
			log.Warnf("[Reconcile]: Entity list '%s' is not a list of records, ignoring it", name)
			continue
		}
		if records != nil {
			*target = records
		}
	}
	return nil
}

func (r *RunResult) logVerdict() {
	if r.Verdict == types.PassVerdict {
		log.Infof("SUCCEEDED: '%s'%s", r.TestName, emoji.Sprint(" :thumbsup:"))
		return
	}
	log.Infof("FAILED: '%s'%s", r.TestName, emoji.Sprint(" :thumbsdown:"))
	if r.TestFailure != "" {
		log.Errorf("[Reconcile]: Test failure (%s): %s", r.ErrorType, r.TestFailure)
	}
	if r.InfrastructureError != "" {
		log.Errorf("[Reconcile]: Infrastructure error (%s): %s", r.ErrorType, r.InfrastructureError)
	}
}

// Persist writes the aggregate verdict artifact next to the executor's own
// output. The RunResult is never mutated afterward.
func (r *RunResult) Persist(workDir string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return stacktrace.Propagate(err, "unable to encode run result")
	}
	path := filepath.Join(workDir, VerdictFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return stacktrace.Propagate(err, "unable to write run result to '%s'", path)
	}
	return nil
}
