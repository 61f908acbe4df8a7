package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/palantir/stacktrace"

	"github.com/mongodb-labs/astrolabe-go/pkg/math"
)

// CommandStatistics summarizes the command monitoring events the executor
// recorded: latency distribution plus the peak number of open connections
// per server.
type CommandStatistics struct {
	AvgCommandTime float64 `json:"avgCommandTime"`
	P95CommandTime float64 `json:"p95CommandTime"`
	P99CommandTime float64 `json:"p99CommandTime"`

	MaxConnectionCounts map[string]int `json:"maxConnectionCounts"`
}

// AggregateStatistics folds the per-event records of a RunResult into one
// CommandStatistics snapshot. Command started events are correlated with
// their completion by requestId; connection events are counted per address.
// The fold works over the immutable event list, no shared accumulator state.
func AggregateStatistics(r *RunResult) CommandStatistics {
	started := map[string]map[string]interface{}{}
	var commandTimes []float64

	for _, event := range r.Events {
		name, _ := event["name"].(string)
		switch {
		case name == "CommandStartedEvent":
			if id, ok := requestID(event); ok {
				started[id] = event
			}
		case strings.HasPrefix(name, "Command"):
			id, ok := requestID(event)
			if !ok {
				continue
			}
			if _, seen := started[id]; !seen {
				continue
			}
			delete(started, id)
			if duration, ok := event["duration"].(float64); ok {
				commandTimes = append(commandTimes, duration)
			}
		}
	}

	counts := map[string]int{}
	maxCounts := map[string]int{}
	for _, event := range r.Events {
		name, _ := event["name"].(string)
		if !strings.HasPrefix(name, "Connection") && !strings.HasPrefix(name, "Pool") {
			continue
		}
		address, _ := event["address"].(string)
		switch name {
		case "ConnectionCreatedEvent":
			counts[address]++
		case "ConnectionClosedEvent":
			counts[address]--
		}
		maxCounts[address] = math.Maximum(maxCounts[address], counts[address])
	}

	return CommandStatistics{
		AvgCommandTime:      math.Average(commandTimes),
		P95CommandTime:      math.Percentile(commandTimes, 95),
		P99CommandTime:      math.Percentile(commandTimes, 99),
		MaxConnectionCounts: maxCounts,
	}
}

// WriteStatistics persists the aggregated statistics as stats.json
func WriteStatistics(workDir string, stats CommandStatistics) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return stacktrace.Propagate(err, "unable to encode aggregated statistics")
	}
	path := filepath.Join(workDir, "stats.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return stacktrace.Propagate(err, "unable to write aggregated statistics to '%s'", path)
	}
	return nil
}

func requestID(event map[string]interface{}) (string, bool) {
	switch id := event["requestId"].(type) {
	case string:
		return id, true
	case float64:
		data, _ := json.Marshal(id)
		return string(data), true
	}
	return "", false
}
