package kubernetes

import (
	"fmt"
	"os"
	"time"

	"github.com/palantir/stacktrace"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/scenario"
)

// OperationType tags the pod disruption operation variants
type OperationType string

const (
	OpDeletePod        OperationType = "deletePod"
	OpWaitForPodsReady OperationType = "waitForPodsReady"
	OpSleep            OperationType = "sleep"
)

// DefaultReadinessTimeout bounds waitForPodsReady when the scenario does not
// specify its own timeout
const DefaultReadinessTimeout = 5 * time.Minute

// Operation is one entry of a Kubernetes disruption plan, single-key map
// form like the Atlas maintenance operations
type Operation struct {
	Type OperationType

	// deletePod, waitForPodsReady
	Namespace     string
	LabelSelector string

	// waitForPodsReady
	Timeout time.Duration

	// sleep
	Duration time.Duration
}

func (op *Operation) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw yaml.MapSlice
	if err := unmarshal(&raw); err != nil {
		return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("malformed operation: %v", err)}
	}
	if len(raw) != 1 {
		return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("operation must have exactly one key, got %d", len(raw))}
	}
	key, ok := raw[0].Key.(string)
	if !ok {
		return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("operation key must be a string, got %v", raw[0].Key)}
	}
	value := raw[0].Value

	switch OperationType(key) {
	case OpDeletePod, OpWaitForPodsReady:
		op.Type = OperationType(key)
		op.Timeout = DefaultReadinessTimeout
		fields, ok := asStringMap(value)
		if !ok {
			return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("%s requires a mapping", key)}
		}
		op.Namespace, _ = fields["namespace"].(string)
		op.LabelSelector, _ = fields["labelSelector"].(string)
		if op.Namespace == "" || op.LabelSelector == "" {
			return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("%s requires namespace and labelSelector", key)}
		}
		if seconds, ok := toSeconds(fields["timeout"]); ok {
			op.Timeout = seconds
		}

	case OpSleep:
		op.Type = OpSleep
		seconds, ok := toSeconds(value)
		if !ok {
			return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("sleep requires a non-negative number of seconds, got %v", value)}
		}
		op.Duration = seconds

	default:
		return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("unrecognized operation '%s'", key)}
	}
	return nil
}

// Scenario is one loaded Kubernetes disruption test. The connection string of
// the replica set is not part of the file; the caller supplies it.
type Scenario struct {
	Name     string
	SpecFile string

	Operations     []Operation            `yaml:"operations"`
	DriverWorkload map[string]interface{} `yaml:"driverWorkload"`
}

// Load reads and validates a Kubernetes scenario file
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stacktrace.Propagate(err, "unable to read scenario file '%s'", path)
	}

	var raw struct {
		Operations     []Operation                 `yaml:"operations"`
		DriverWorkload map[interface{}]interface{} `yaml:"driverWorkload"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, stacktrace.Propagate(err, "unable to parse scenario file '%s'", path)
	}

	spec := &Scenario{
		Name:       scenario.TestNameFromFile(path),
		SpecFile:   path,
		Operations: raw.Operations,
	}
	spec.DriverWorkload, _ = normalize(raw.DriverWorkload).(map[string]interface{})
	if len(spec.DriverWorkload) == 0 {
		return nil, stacktrace.Propagate(cerrors.Generic{
			Phase:  "Scenario",
			Reason: fmt.Sprintf("scenario '%s' has no driverWorkload", spec.Name),
		}, "invalid scenario")
	}
	return spec, nil
}

func asStringMap(value interface{}) (map[string]interface{}, bool) {
	fields, ok := normalize(value).(map[string]interface{})
	return fields, ok
}

func toSeconds(value interface{}) (time.Duration, bool) {
	switch v := value.(type) {
	case int:
		if v >= 0 {
			return time.Duration(v) * time.Second, true
		}
	case int64:
		if v >= 0 {
			return time.Duration(v) * time.Second, true
		}
	case float64:
		if v >= 0 {
			return time.Duration(v * float64(time.Second)), true
		}
	}
	return 0, false
}

func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[fmt.Sprintf("%v", key)] = normalize(item)
		}
		return out
	case yaml.MapSlice:
		out := make(map[string]interface{}, len(v))
		for _, item := range v {
			out[fmt.Sprintf("%v", item.Key)] = normalize(item.Value)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}
