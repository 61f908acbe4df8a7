package environment

import (
	"strconv"
	"time"

	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

// ConfigDetails collects every harness-level setting for a run. Values come
// from the environment first (the Evergreen variant of each option) and may
// be overridden by CLI flags afterwards.
type ConfigDetails struct {
	APIBaseURL       string
	APIUsername      string
	APIPassword      string
	OrganizationName string
	ProjectName      string
	ClusterNameSalt  string
	DBUsername       string
	DBPassword       string

	HTTPTimeout     time.Duration
	PollingTimeout  time.Duration
	PollingInterval time.Duration

	// WorkloadStartupTime is the grace period between spawning the workload
	// executor and starting maintenance. There is no readiness signal from
	// the executor, a fixed delay is the only mitigation.
	WorkloadStartupTime time.Duration

	LogLevel string
}

//GetENV fetches all the env variables controlling the harness
func GetENV(details *ConfigDetails) {
	details.APIBaseURL = types.Getenv("ATLAS_API_BASE_URL", "https://cloud.mongodb.com/api/atlas")
	details.APIUsername = types.Getenv("ATLAS_API_USERNAME", "")
	details.APIPassword = types.Getenv("ATLAS_API_PASSWORD", "")
	details.OrganizationName = types.Getenv("ATLAS_ORGANIZATION_NAME", "MongoDB")
	details.ProjectName = types.Getenv("ATLAS_PROJECT_NAME", "")
	details.ClusterNameSalt = types.Getenv("CLUSTER_NAME_SALT", "")
	details.DBUsername = types.Getenv("ATLAS_DB_USERNAME", "atlasuser")
	details.DBPassword = types.Getenv("ATLAS_DB_PASSWORD", "mypassword123")
	details.HTTPTimeout = getDurationSeconds("ATLAS_HTTP_TIMEOUT", 10)
	details.PollingTimeout = getDurationSeconds("ATLAS_POLLING_TIMEOUT", 1200)
	details.PollingInterval = getDurationSeconds("ATLAS_POLLING_INTERVAL", 5)
	details.WorkloadStartupTime = getDurationSeconds("WORKLOAD_STARTUP_TIME", 0)
	details.LogLevel = types.Getenv("ASTROLABE_LOGLEVEL", "info")
}

func getDurationSeconds(key string, fallback int) time.Duration {
	seconds, err := strconv.Atoi(types.Getenv(key, strconv.Itoa(fallback)))
	if err != nil {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
