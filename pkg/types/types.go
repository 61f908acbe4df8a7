package types

import (
	"os"
	"strings"
)

// phases of the per-scenario state machine, in execution order
const (
	PhaseProvisioning       string = "Provision"
	PhaseWaitingIdle        string = "WaitIdle"
	PhaseWorkloadStarting   string = "Workload"
	PhaseMaintenanceRunning string = "Maintenance"
	PhaseTerminating        string = "Terminate"
	PhaseReconciling        string = "Reconcile"
	PhaseReporting          string = "Report"
	PhaseCleanup            string = "Cleanup"
)

const (
	// PassVerdict marks the scenario as passed at the end of the run
	PassVerdict string = "Pass"
	// FailVerdict marks the scenario as failed at the end of the run
	FailVerdict string = "Fail"
)

// ClusterState is the last reported lifecycle state of an Atlas cluster
type ClusterState string

const (
	ClusterStateCreating        ClusterState = "CREATING"
	ClusterStateIdle            ClusterState = "IDLE"
	ClusterStateApplyingChanges ClusterState = "APPLYING_CHANGES"
	ClusterStateRepairing       ClusterState = "REPAIRING"
	ClusterStateDeleting        ClusterState = "DELETING"
	ClusterStateUnknown         ClusterState = "UNKNOWN"
)

// ParseClusterState maps the stateName reported by the Atlas API onto a
// known ClusterState, falling back to UNKNOWN for anything unrecognized
func ParseClusterState(stateName string) ClusterState {
	switch ClusterState(strings.ToUpper(stateName)) {
	case ClusterStateCreating, ClusterStateIdle, ClusterStateApplyingChanges,
		ClusterStateRepairing, ClusterStateDeleting:
		return ClusterState(strings.ToUpper(stateName))
	}
	return ClusterStateUnknown
}

// Getenv fetches the env variable, returning the fallback when unset
func Getenv(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		value = fallback
	}
	return value
}

// ClusterDetails identifies a remote cluster and caches its last known state.
// The Atlas API remains the ground truth; this is a cache, not authority.
type ClusterDetails struct {
	Name           string
	ProjectID      string
	LastKnownState ClusterState
}
