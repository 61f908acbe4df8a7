package atlas

import (
	"fmt"
	"net/url"

	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
)

// Organization is the subset of the organization document the harness reads
type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Project is the subset of the project (group) document the harness reads
type Project struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	OrgID string `json:"orgId"`
}

type organizationList struct {
	Results []Organization `json:"results"`
}

// GetOrganizationByName looks up the organization the test project lives in.
// Organizations can only be created via the web UI, so a missing one is fatal.
func (c *Client) GetOrganizationByName(name string) (*Organization, error) {
	resp, err := c.Request("GET", "orgs?"+url.Values{"name": {name}}.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var orgs organizationList
	if err := resp.Decode(&orgs); err != nil {
		return nil, stacktrace.Propagate(err, "unable to decode organization list")
	}
	for _, org := range orgs.Results {
		if org.Name == name {
			return &org, nil
		}
	}
	return nil, stacktrace.Propagate(cerrors.Generic{
		Phase:  "Provision",
		Reason: fmt.Sprintf("organization '%s' not found", name),
	}, "unable to resolve organization")
}

// EnsureProject returns the project named name under the organization,
// creating it when missing
func (c *Client) EnsureProject(name, orgID string) (*Project, error) {
	resp, err := c.Request("POST", "groups", map[string]interface{}{"name": name, "orgId": orgID})
	if err != nil {
		if ErrorCode(err) != "GROUP_ALREADY_EXISTS" {
			return nil, err
		}
		log.Debugf("[Provision]: Project '%s' already exists", name)
		resp, err = c.Request("GET", "groups/byName/"+url.PathEscape(name), nil)
		if err != nil {
			return nil, err
		}
	}
	project := &Project{}
	if err := resp.Decode(project); err != nil {
		return nil, stacktrace.Propagate(err, "unable to decode project '%s'", name)
	}
	return project, nil
}

// EnsureAdminUser ensures an atlasAdmin database user with the given
// credentials exists on the project, updating the password when the user is
// already there. All workload operations run as this user.
func (c *Client) EnsureAdminUser(projectID, username, password string) error {
	userDetails := map[string]interface{}{
		"groupId":      projectID,
		"databaseName": "admin",
		"roles": []map[string]interface{}{
			{"databaseName": "admin", "roleName": "atlasAdmin"},
		},
		"username": username,
		"password": password,
	}

	_, err := c.Request("POST", fmt.Sprintf("groups/%s/databaseUsers", projectID), userDetails)
	if err != nil {
		if ErrorCode(err) != "USER_ALREADY_EXISTS" {
			return err
		}
		log.Debugf("[Provision]: User '%s' already exists, refreshing credentials", username)
		delete(userDetails, "username")
		_, err = c.Request("PATCH",
			fmt.Sprintf("groups/%s/databaseUsers/admin/%s", projectID, url.PathEscape(username)), userDetails)
	}
	return err
}

// EnsureConnectFromAnywhere adds the 0.0.0.0/0 CIDR block to the project IP
// access list so the workload executor can reach the cluster from CI hosts
func (c *Client) EnsureConnectFromAnywhere(projectID string) error {
	payload := []map[string]interface{}{{"cidrBlock": "0.0.0.0/0"}}
	_, err := c.Request("POST", fmt.Sprintf("groups/%s/whitelist", projectID), payload)
	return err
}
