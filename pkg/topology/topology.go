// Package topology inspects and seeds the cluster through a regular driver
// connection, the same path the workload under test uses.
package topology

import (
	"context"
	"fmt"
	"time"

	"github.com/palantir/stacktrace"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/mongodb-labs/astrolabe-go/pkg/cerrors"
	"github.com/mongodb-labs/astrolabe-go/pkg/log"
)

const (
	regionPollInterval     = 5 * time.Second
	serverSelectionTimeout = 30 * time.Second
)

// connect dials the cluster the way the workload executor would
func connect(ctx context.Context, connectionString string) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(connectionString).
		SetServerSelectionTimeout(serverSelectionTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, stacktrace.Propagate(err, "unable to connect to the cluster")
	}
	return client, nil
}

// AssertPrimaryRegion polls the replica set until its primary reports the
// expected region tag or the timeout elapses. Observing the wrong region for
// the whole window yields a RegionAssertion error, which counts against the
// test rather than the harness; never observing the topology at all yields a
// Timeout, since an unreachable cluster is an infrastructure problem.
func AssertPrimaryRegion(ctx context.Context, connectionString, region string, timeout time.Duration) error {
	client, err := connect(ctx, connectionString)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warnf("[Maintenance]: Failed to close the region-assertion connection: %v", err)
		}
	}()

	return awaitRegion(ctx, func() (string, error) {
		return primaryRegion(ctx, client)
	}, region, timeout, regionPollInterval)
}

func awaitRegion(ctx context.Context, observe func() (string, error), region string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastRegion := ""
	var lastErr error
	for {
		actual, err := observe()
		if err != nil {
			lastErr = err
			log.Warnf("[Maintenance]: Unable to determine the primary's region, retrying: %v", err)
		} else {
			if actual == region {
				log.Infof("[Maintenance]: Primary is in the expected region '%s'", region)
				return nil
			}
			lastRegion = actual
			log.Infof("[Maintenance]: Primary is in region '%s', waiting for '%s'", actual, region)
		}

		if time.Now().After(deadline) {
			// a window with no successful observation at all means the
			// cluster was unreachable, which is not a verdict on the primary
			if lastRegion == "" {
				return stacktrace.Propagate(cerrors.Timeout{
					Phase:   "Maintenance",
					Target:  "primary region",
					Timeout: timeout.String(),
					Reason:  fmt.Sprintf("the primary's region could not be observed even once: %v", lastErr),
				}, "region assertion never observed the topology")
			}
			return stacktrace.Propagate(cerrors.RegionAssertion{
				Expected: region,
				Actual:   lastRegion,
			}, "primary did not reach region '%s' within %s", region, timeout)
		}
		select {
		case <-ctx.Done():
			return stacktrace.Propagate(ctx.Err(), "region assertion interrupted")
		case <-time.After(interval):
		}
	}
}

// primaryRegion resolves the current primary with hello and maps it to its
// region tag through the replica set configuration
func primaryRegion(ctx context.Context, client *mongo.Client) (string, error) {
	admin := client.Database("admin")

	var hello bson.M
	if err := admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
		return "", stacktrace.Propagate(err, "hello command failed")
	}
	primary, _ := hello["primary"].(string)
	if primary == "" {
		return "", stacktrace.Propagate(fmt.Errorf("replica set has no primary"), "hello reported no primary")
	}

	var reply bson.M
	if err := admin.RunCommand(ctx, bson.D{{Key: "replSetGetConfig", Value: 1}}).Decode(&reply); err != nil {
		return "", stacktrace.Propagate(err, "replSetGetConfig command failed")
	}
	region, err := regionOfMember(reply, primary)
	if err != nil {
		return "", stacktrace.Propagate(err, "unable to map primary '%s' to a region", primary)
	}
	return region, nil
}

// regionOfMember finds the member whose public horizon (falling back to its
// host) matches the given address and returns its region tag. Atlas exposes
// the SRV-resolved addresses on the PUBLIC horizon while members address
// each other by internal hostnames.
func regionOfMember(reply bson.M, address string) (string, error) {
	config, ok := reply["config"].(bson.M)
	if !ok {
		return "", fmt.Errorf("malformed replSetGetConfig reply: no config document")
	}
	members, ok := config["members"].(bson.A)
	if !ok {
		return "", fmt.Errorf("malformed replica set configuration: no members list")
	}

	for _, raw := range members {
		member, ok := raw.(bson.M)
		if !ok {
			continue
		}
		host, _ := member["host"].(string)
		public := ""
		if horizons, ok := member["horizons"].(bson.M); ok {
			public, _ = horizons["PUBLIC"].(string)
		}
		if host != address && public != address {
			continue
		}
		tags, ok := member["tags"].(bson.M)
		if !ok {
			return "", fmt.Errorf("member '%s' carries no tags", address)
		}
		region, _ := tags["region"].(string)
		if region == "" {
			return "", fmt.Errorf("member '%s' carries no region tag", address)
		}
		return region, nil
	}
	return "", fmt.Errorf("no replica set member matches '%s'", address)
}

// InitialCollection is one collection the workload expects to exist before
// the executor starts
type InitialCollection struct {
	Database   string
	Collection string
	Documents  []interface{}
}

// ParseInitialData extracts the initialData section of a driver workload.
// Workloads without one return an empty slice, seeding is optional.
func ParseInitialData(workload map[string]interface{}) ([]InitialCollection, error) {
	raw, present := workload["initialData"]
	if !present {
		return nil, nil
	}
	entries, ok := raw.([]interface{})
	if !ok {
		return nil, stacktrace.Propagate(fmt.Errorf("initialData is not a list"), "malformed driver workload")
	}

	var collections []InitialCollection
	for i, entry := range entries {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			return nil, stacktrace.Propagate(fmt.Errorf("initialData entry %d is not a document", i), "malformed driver workload")
		}
		database, _ := fields["databaseName"].(string)
		collection, _ := fields["collectionName"].(string)
		if database == "" || collection == "" {
			return nil, stacktrace.Propagate(fmt.Errorf("initialData entry %d names no database or collection", i), "malformed driver workload")
		}
		documents, _ := fields["documents"].([]interface{})
		collections = append(collections, InitialCollection{
			Database:   database,
			Collection: collection,
			Documents:  documents,
		})
	}
	return collections, nil
}

// LoadInitialData drops and reseeds every collection the workload declares,
// writing with majority concern so the data survives an immediate failover
func LoadInitialData(ctx context.Context, connectionString string, workload map[string]interface{}) error {
	collections, err := ParseInitialData(workload)
	if err != nil {
		return err
	}
	if len(collections) == 0 {
		log.Infof("[Workload]: No initial data to load")
		return nil
	}

	client, err := connect(ctx, connectionString)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			log.Warnf("[Workload]: Failed to close the seeding connection: %v", err)
		}
	}()

	majority := options.Database().SetWriteConcern(writeconcern.Majority())
	for _, c := range collections {
		db := client.Database(c.Database, majority)
		if err := db.Collection(c.Collection).Drop(ctx); err != nil {
			return stacktrace.Propagate(err, "unable to drop collection '%s.%s'", c.Database, c.Collection)
		}
		if len(c.Documents) == 0 {
			if err := db.CreateCollection(ctx, c.Collection); err != nil {
				return stacktrace.Propagate(err, "unable to create collection '%s.%s'", c.Database, c.Collection)
			}
			continue
		}
		if _, err := db.Collection(c.Collection).InsertMany(ctx, c.Documents); err != nil {
			return stacktrace.Propagate(err, "unable to seed collection '%s.%s'", c.Database, c.Collection)
		}
		log.Infof("[Workload]: Seeded '%s.%s' with %d document(s)", c.Database, c.Collection, len(c.Documents))
	}
	return nil
}
