package scenario

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/palantir/stacktrace"
	yaml "gopkg.in/yaml.v2"

	"github.com/mongodb-labs/astrolabe-go/pkg/atlas"
	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
)

// OperationType tags the maintenance operation variants
type OperationType string

const (
	OpSetClusterConfiguration OperationType = "setClusterConfiguration"
	OpTestFailover            OperationType = "testFailover"
	OpRestartVMs              OperationType = "restartVms"
	OpAssertPrimaryRegion     OperationType = "assertPrimaryRegion"
	OpSleep                   OperationType = "sleep"
	OpWaitForIdle             OperationType = "waitForIdle"
)

// DefaultRegionAssertionTimeout bounds assertPrimaryRegion when the scenario
// does not specify its own timeout
const DefaultRegionAssertionTimeout = 90 * time.Second

// Operation is one entry of the maintenance plan. Exactly one variant is
// populated, selected by Type. Operations are pure data, executed in list
// order without branching.
type Operation struct {
	Type OperationType

	// setClusterConfiguration
	ClusterConfig atlas.ClusterConfig

	// assertPrimaryRegion
	Region  string
	Timeout time.Duration

	// sleep
	Duration time.Duration
}

// UnmarshalYAML decodes the single-key map form used in scenario files:
//
//	- setClusterConfiguration: {clusterConfiguration: ..., processArgs: ...}
//	- testFailover: true
//	- sleep: 10
//	- assertPrimaryRegion: US_WEST_1
//
// assertPrimaryRegion also accepts {region: ..., timeout: ...}.
func (op *Operation) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw yaml.MapSlice
	if err := unmarshal(&raw); err != nil {
		// Scalar forms like "- sleep" are not part of the format.
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
	case OpSetClusterConfiguration:
		op.Type = OpSetClusterConfiguration
		config, ok := normalize(value).(map[string]interface{})
		if !ok {
			return cerrors.Generic{Phase: "Scenario", Reason: "setClusterConfiguration requires a mapping"}
		}
		if cc, ok := config["clusterConfiguration"].(map[string]interface{}); ok {
			op.ClusterConfig.ClusterConfiguration = cc
		}
		if pa, ok := config["processArgs"].(map[string]interface{}); ok {
			op.ClusterConfig.ProcessArgs = pa
		}
		if len(op.ClusterConfig.ClusterConfiguration) == 0 && len(op.ClusterConfig.ProcessArgs) == 0 {
			return cerrors.Generic{Phase: "Scenario", Reason: "setClusterConfiguration requires clusterConfiguration or processArgs"}
		}

	case OpTestFailover:
		op.Type = OpTestFailover

	case OpRestartVMs:
		op.Type = OpRestartVMs

	case OpWaitForIdle:
		op.Type = OpWaitForIdle

	case OpSleep:
		op.Type = OpSleep
		seconds, ok := toInt(value)
		if !ok || seconds < 0 {
			return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("sleep requires a non-negative number of seconds, got %v", value)}
		}
		op.Duration = time.Duration(seconds) * time.Second

	case OpAssertPrimaryRegion:
		op.Type = OpAssertPrimaryRegion
		op.Timeout = DefaultRegionAssertionTimeout
		switch v := normalize(value).(type) {
		case string:
			op.Region = v
		case map[string]interface{}:
			region, _ := v["region"].(string)
			op.Region = region
			if seconds, ok := toInt(v["timeout"]); ok && seconds > 0 {
				op.Timeout = time.Duration(seconds) * time.Second
			}
		}
		if op.Region == "" {
			return cerrors.Generic{Phase: "Scenario", Reason: "assertPrimaryRegion requires a region"}
		}

	default:
		return cerrors.Generic{Phase: "Scenario", Reason: fmt.Sprintf("unrecognized operation '%s'", key)}
	}
	return nil
}

// Scenario is one loaded test specification. Immutable once loaded; one
// scenario maps to one run against one cluster.
type Scenario struct {
	Name        string
	ClusterName string
	SpecFile    string

	InitialConfiguration atlas.ClusterConfig    `yaml:"initialConfiguration"`
	Operations           []Operation            `yaml:"operations"`
	DriverWorkload       map[string]interface{} `yaml:"driverWorkload"`
	URIOptions           map[string]interface{} `yaml:"uriOptions"`
}

// Load reads and validates a scenario file, deriving the test name from the
// filename and the cluster name from the test name and salt
func Load(path, salt string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, stacktrace.Propagate(err, "unable to read scenario file '%s'", path)
	}

	var raw struct {
		InitialConfiguration struct {
			ClusterConfiguration map[interface{}]interface{} `yaml:"clusterConfiguration"`
			ProcessArgs          map[interface{}]interface{} `yaml:"processArgs"`
		} `yaml:"initialConfiguration"`
		Operations     []Operation                 `yaml:"operations"`
		DriverWorkload map[interface{}]interface{} `yaml:"driverWorkload"`
		URIOptions     map[interface{}]interface{} `yaml:"uriOptions"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, stacktrace.Propagate(err, "unable to parse scenario file '%s'", path)
	}

	spec := &Scenario{
		Name:       TestNameFromFile(path),
		SpecFile:   path,
		Operations: raw.Operations,
	}
	spec.ClusterName = ClusterName(spec.Name, salt)
	spec.InitialConfiguration.ClusterConfiguration, _ = normalize(raw.InitialConfiguration.ClusterConfiguration).(map[string]interface{})
	spec.InitialConfiguration.ProcessArgs, _ = normalize(raw.InitialConfiguration.ProcessArgs).(map[string]interface{})
	spec.DriverWorkload, _ = normalize(raw.DriverWorkload).(map[string]interface{})
	spec.URIOptions, _ = normalize(raw.URIOptions).(map[string]interface{})

	if len(spec.DriverWorkload) == 0 {
		return nil, stacktrace.Propagate(cerrors.Generic{
			Phase:  "Scenario",
			Reason: fmt.Sprintf("scenario '%s' has no driverWorkload", spec.Name),
		}, "invalid scenario")
	}
	return spec, nil
}

// Find resolves a locator to scenario file paths: a single file when the
// locator names one, otherwise every .yml/.yaml under the directory tree
func Find(locator string) ([]string, error) {
	info, err := os.Stat(locator)
	if err != nil {
		return nil, stacktrace.Propagate(err, "unable to locate scenario(s) at '%s'", locator)
	}
	if !info.IsDir() {
		if !isYAML(locator) {
			return nil, stacktrace.Propagate(cerrors.Generic{
				Phase:  "Scenario",
				Reason: fmt.Sprintf("'%s' is not a YAML scenario file", locator),
			}, "invalid scenario locator")
		}
		return []string{locator}, nil
	}

	var found []string
	err = filepath.Walk(locator, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && isYAML(path) {
			found = append(found, path)
		}
		return nil
	})
	if err != nil {
		return nil, stacktrace.Propagate(err, "unable to scan '%s' for scenario files", locator)
	}
	return found, nil
}

// TestNameFromFile derives the test name from a scenario filename,
// replacing dashes so names are usable as identifiers everywhere
func TestNameFromFile(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return strings.ReplaceAll(name, "-", "_")
}

// ClusterName derives the deterministic cluster name for a test: the first
// ten hex chars of sha256(testName + salt). Deterministic so re-runs of the
// same build reuse the cluster name, salted so concurrent builds do not.
func ClusterName(testName, salt string) string {
	hash := sha256.New()
	hash.Write([]byte(testName))
	hash.Write([]byte(salt))
	return hex.EncodeToString(hash.Sum(nil))[:10]
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// normalize rewrites the map[interface{}]interface{} trees produced by
// yaml.v2 into map[string]interface{} trees that can round-trip through
// encoding/json (the driverWorkload is handed to the executor as JSON)
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

func toInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
