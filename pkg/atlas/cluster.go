package atlas

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
	"github.com/mongodb-labs/astrolabe-go/pkg/types"
)

// ClusterConfig carries the declarative cluster shape from a scenario file:
// the cluster document itself plus optional mongod process arguments, each
// passed through to the API opaquely.
type ClusterConfig struct {
	ClusterConfiguration map[string]interface{} `yaml:"clusterConfiguration" json:"clusterConfiguration"`
	ProcessArgs          map[string]interface{} `yaml:"processArgs" json:"processArgs"`
}

// ClusterInfo is the subset of the cluster document the harness reads,
// alongside the raw document for subset verification.
type ClusterInfo struct {
	Name              string            `json:"name"`
	StateName         string            `json:"stateName"`
	SrvAddress        string            `json:"srvAddress"`
	ClusterType       string            `json:"clusterType"`
	ConnectionStrings map[string]string `json:"connectionStrings"`

	Raw map[string]interface{} `json:"-"`
}

// CreateCluster provisions the cluster described by config. When a cluster
// with the same name already exists the creation falls back to modification,
// so re-running a scenario against a leftover cluster reconfigures it.
func (c *Client) CreateCluster(cluster *types.ClusterDetails, config ClusterConfig) error {
	payload := make(map[string]interface{}, len(config.ClusterConfiguration)+1)
	for k, v := range config.ClusterConfiguration {
		payload[k] = v
	}
	payload["name"] = cluster.Name

	log.Infof("[Provision]: Initializing cluster '%s'", cluster.Name)
	_, err := c.Request("POST", fmt.Sprintf("groups/%s/clusters", cluster.ProjectID), payload)
	if err != nil {
		if ErrorCode(err) != "DUPLICATE_CLUSTER_NAME" {
			return err
		}
		// Cluster already exists. Simply re-configure it; the name cannot be
		// sent when updating an existing cluster.
		log.Infof("[Provision]: Cluster '%s' already exists, re-configuring it", cluster.Name)
		if err := c.ModifyCluster(cluster, config.ClusterConfiguration); err != nil {
			return err
		}
	}
	cluster.LastKnownState = types.ClusterStateCreating

	if len(config.ProcessArgs) > 0 {
		return c.UpdateProcessArgs(cluster, config.ProcessArgs)
	}
	return nil
}

// ModifyCluster patches the cluster document
func (c *Client) ModifyCluster(cluster *types.ClusterDetails, clusterConfiguration map[string]interface{}) error {
	_, err := c.Request("PATCH", c.clusterPath(cluster), clusterConfiguration)
	if err == nil {
		cluster.LastKnownState = types.ClusterStateApplyingChanges
	}
	return err
}

// UpdateProcessArgs patches the mongod process arguments of the cluster
func (c *Client) UpdateProcessArgs(cluster *types.ClusterDetails, processArgs map[string]interface{}) error {
	_, err := c.Request("PATCH", c.clusterPath(cluster)+"/processArgs", processArgs)
	return err
}

// TriggerFailover asks Atlas to restart the primaries of the cluster. The
// cluster state is not updated synchronously; scenario authors must follow
// up with explicit sleep/waitForIdle operations.
func (c *Client) TriggerFailover(cluster *types.ClusterDetails) error {
	_, err := c.Request("POST", c.clusterPath(cluster)+"/restartPrimaries", nil)
	return err
}

// TriggerRestart reboots the VMs backing the cluster through the private NDS
// endpoint. Like TriggerFailover, it returns before the state changes.
func (c *Client) TriggerRestart(cluster *types.ClusterDetails) error {
	path := fmt.Sprintf("/api/private/nds/groups/%s/clusters/%s/reboot", cluster.ProjectID, cluster.Name)
	_, err := c.Request("POST", path, nil)
	return err
}

// GetCluster fetches the full cluster document
func (c *Client) GetCluster(cluster *types.ClusterDetails) (*ClusterInfo, error) {
	resp, err := c.Request("GET", c.clusterPath(cluster), nil)
	if err != nil {
		return nil, err
	}
	info := &ClusterInfo{}
	if err := resp.Decode(info); err != nil {
		return nil, stacktrace.Propagate(err, "unable to decode cluster document for '%s'", cluster.Name)
	}
	if err := resp.Decode(&info.Raw); err != nil {
		return nil, stacktrace.Propagate(err, "unable to decode cluster document for '%s'", cluster.Name)
	}
	return info, nil
}

// GetProcessArgs fetches the mongod process argument document
func (c *Client) GetProcessArgs(cluster *types.ClusterDetails) (map[string]interface{}, error) {
	resp, err := c.Request("GET", c.clusterPath(cluster)+"/processArgs", nil)
	if err != nil {
		return nil, err
	}
	args := map[string]interface{}{}
	if err := resp.Decode(&args); err != nil {
		return nil, stacktrace.Propagate(err, "unable to decode processArgs for '%s'", cluster.Name)
	}
	return args, nil
}

// GetState queries the current lifecycle state of the cluster and refreshes
// the cached state on the handle
func (c *Client) GetState(cluster *types.ClusterDetails) (types.ClusterState, error) {
	info, err := c.GetCluster(cluster)
	if err != nil {
		return types.ClusterStateUnknown, err
	}
	state := types.ParseClusterState(info.StateName)
	cluster.LastKnownState = state
	return state, nil
}

// WaitUntilIdle polls the cluster state on the given interval until it
// reports IDLE or maxWait elapses. The timeout produces a timeout-typed
// error so callers can tell "cluster never settled" apart from "API
// unreachable", which is surfaced immediately as an API error.
func (c *Client) WaitUntilIdle(cluster *types.ClusterDetails, interval, maxWait time.Duration) error {
	log.Infof("[Status]: Waiting for cluster '%s' to reach the IDLE state", cluster.Name)
	deadline := time.Now().Add(maxWait)
	for {
		state, err := c.GetState(cluster)
		if err != nil {
			return err
		}
		if state == types.ClusterStateIdle {
			return nil
		}
		if time.Now().After(deadline) {
			return stacktrace.Propagate(cerrors.Timeout{
				Phase:   "Status",
				Target:  cluster.Name,
				Timeout: maxWait.String(),
				Reason:  fmt.Sprintf("cluster never reached the IDLE state, last state '%s'", state),
			}, "cluster maintenance did not settle")
		}
		log.Debugf("[Status]: Cluster '%s' is in state '%s', retrying in %s", cluster.Name, state, interval)
		time.Sleep(interval)
	}
}

// DeleteCluster marks the cluster for deletion
func (c *Client) DeleteCluster(cluster *types.ClusterDetails) error {
	_, err := c.Request("DELETE", c.clusterPath(cluster), nil)
	if err == nil {
		cluster.LastKnownState = types.ClusterStateDeleting
	}
	return err
}

// ConnectionString assembles the mongodb+srv URI for the cluster by splicing
// the database credentials into its srvAddress and appending the scenario's
// URI options. Boolean options are lowercased, per the URI format.
func (c *Client) ConnectionString(cluster *types.ClusterDetails, username, password string, uriOptions map[string]interface{}) (string, error) {
	info, err := c.GetCluster(cluster)
	if err != nil {
		return "", err
	}
	if info.SrvAddress == "" {
		return "", stacktrace.Propagate(cerrors.Generic{
			Phase:  "Provision",
			Reason: fmt.Sprintf("cluster '%s' has no srvAddress yet", cluster.Name),
		}, "unable to build connection string")
	}

	parts := strings.SplitN(info.SrvAddress, "//", 2)
	if len(parts) != 2 {
		return "", stacktrace.Propagate(cerrors.Generic{
			Phase:  "Provision",
			Reason: fmt.Sprintf("malformed srvAddress '%s'", info.SrvAddress),
		}, "unable to build connection string")
	}

	query := url.Values{}
	keys := make([]string, 0, len(uriOptions))
	for key := range uriOptions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		switch value := uriOptions[key].(type) {
		case bool:
			query.Set(key, fmt.Sprintf("%t", value))
		default:
			query.Set(key, fmt.Sprintf("%v", value))
		}
	}

	return fmt.Sprintf("%s//%s@%s/?%s",
		parts[0], url.UserPassword(username, password).String(), parts[1], query.Encode()), nil
}

func (c *Client) clusterPath(cluster *types.ClusterDetails) string {
	return fmt.Sprintf("groups/%s/clusters/%s", cluster.ProjectID, cluster.Name)
}
