package cerrors

import "fmt"

type Generic struct {
	Phase  string
	Reason string
}

func (e Generic) Error() string {
	if e.Phase == "" {
		return e.Reason
	}
	return fmt.Sprintf("[%s]: %s", e.Phase, e.Reason)
}

func (e Generic) UserFriendly() bool {
	return true
}

func (e Generic) ErrorType() ErrorType {
	return ErrorTypeGeneric
}

// Timeout is returned by bounded polling loops that never observed the goal state
type Timeout struct {
	Phase   string
	Target  string
	Timeout string
	Reason  string
}

func (e Timeout) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("[%s]: timed out after %s, %s", e.Phase, e.Timeout, e.Reason)
	}
	return fmt.Sprintf("[%s]: timed out after %s waiting on '%s', %s", e.Phase, e.Timeout, e.Target, e.Reason)
}

func (e Timeout) UserFriendly() bool {
	return true
}

func (e Timeout) ErrorType() ErrorType {
	return ErrorTypeTimeout
}

// AtlasAPI is a non-retryable failure reported by the Atlas control plane
type AtlasAPI struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Reason     string
}

func (e AtlasAPI) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("atlas api error '%s' (%d %s %s), %s", e.Code, e.StatusCode, e.Method, e.Path, e.Reason)
	}
	return fmt.Sprintf("atlas api error (%d %s %s), %s", e.StatusCode, e.Method, e.Path, e.Reason)
}

func (e AtlasAPI) UserFriendly() bool {
	return true
}

func (e AtlasAPI) ErrorType() ErrorType {
	return ErrorTypeAtlasAPI
}

type WorkloadExecutor struct {
	Phase  string
	Reason string
}

func (e WorkloadExecutor) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("workload executor failed, %s", e.Reason)
	}
	return fmt.Sprintf("[%s]: workload executor failed, %s", e.Phase, e.Reason)
}

func (e WorkloadExecutor) UserFriendly() bool {
	return true
}

func (e WorkloadExecutor) ErrorType() ErrorType {
	return ErrorTypeWorkloadExecutor
}

// RegionAssertion fails a scenario when the primary never moved into the
// expected region; it counts against the workload, not the harness
type RegionAssertion struct {
	Expected string
	Actual   string
}

func (e RegionAssertion) Error() string {
	return fmt.Sprintf("primary in cluster not in expected region '%s' (actual region '%s')", e.Expected, e.Actual)
}

func (e RegionAssertion) UserFriendly() bool {
	return true
}

func (e RegionAssertion) ErrorType() ErrorType {
	return ErrorTypeRegionAssertion
}

type ResultParsing struct {
	Artifact string
	Reason   string
}

func (e ResultParsing) Error() string {
	return fmt.Sprintf("failed to parse '%s', %s", e.Artifact, e.Reason)
}

func (e ResultParsing) UserFriendly() bool {
	return true
}

func (e ResultParsing) ErrorType() ErrorType {
	return ErrorTypeResultParsing
}

type KubernetesAPI struct {
	Operation string
	Target    string
	Reason    string
}

func (e KubernetesAPI) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("failed to %s, %s", e.Operation, e.Reason)
	}
	return fmt.Sprintf("failed to %s '%s', %s", e.Operation, e.Target, e.Reason)
}

func (e KubernetesAPI) UserFriendly() bool {
	return true
}

func (e KubernetesAPI) ErrorType() ErrorType {
	return ErrorTypeKubernetesAPI
}
