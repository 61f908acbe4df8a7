package cerrors

import "github.com/palantir/stacktrace"

type ErrorType string

const (
	ErrorTypeNonUserFriendly  ErrorType = "NON_USER_FRIENDLY_ERROR"
	ErrorTypeGeneric          ErrorType = "GENERIC_ERROR"
	ErrorTypeTimeout          ErrorType = "TIMEOUT"
	ErrorTypeAtlasAPI         ErrorType = "ATLAS_API_ERROR"
	ErrorTypeWorkloadExecutor ErrorType = "WORKLOAD_EXECUTOR_ERROR"
	ErrorTypeRegionAssertion  ErrorType = "REGION_ASSERTION_FAILURE"
	ErrorTypeResultParsing    ErrorType = "RESULT_PARSING_ERROR"
	ErrorTypeKubernetesAPI    ErrorType = "KUBERNETES_API_ERROR"
)

type userFriendly interface {
	UserFriendly() bool
	ErrorType() ErrorType
}

// IsUserFriendly returns true if err is marked as safe to present in the run verdict
func IsUserFriendly(err error) bool {
	ufe, ok := err.(userFriendly)
	return ok && ufe.UserFriendly()
}

// GetErrorType returns the type of error if the error is user-friendly
func GetErrorType(err error) ErrorType {
	if ufe, ok := err.(userFriendly); ok {
		return ufe.ErrorType()
	}
	return ErrorTypeNonUserFriendly
}

// IsTimeout reports whether the root cause of err is a polling timeout,
// so callers can tell "cluster never settled" apart from "API unreachable"
func IsTimeout(err error) bool {
	return GetErrorType(stacktrace.RootCause(err)) == ErrorTypeTimeout
}

// IsRegionAssertion reports whether the root cause of err is a primary-region
// assertion failure, which counts against the workload rather than the harness
func IsRegionAssertion(err error) bool {
	return GetErrorType(stacktrace.RootCause(err)) == ErrorTypeRegionAssertion
}

func GetRootCauseAndErrorCode(err error) (string, ErrorType) {
	rootCause := stacktrace.RootCause(err)
	errorType := GetErrorType(rootCause)
	if !IsUserFriendly(rootCause) {
		return err.Error(), errorType
	}
	return rootCause.Error(), errorType
}
