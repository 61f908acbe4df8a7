package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func readStatsFile(t *testing.T, dir string) CommandStatistics {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "stats.json"))
	require.NoError(t, err)
	var stats CommandStatistics
	require.NoError(t, json.Unmarshal(data, &stats))
	return stats
}

func commandPair(id string, duration float64) []map[string]interface{} {
	return []map[string]interface{}{
		{"name": "CommandStartedEvent", "requestId": id, "commandName": "find"},
		{"name": "CommandSucceededEvent", "requestId": id, "duration": duration},
	}
}

func TestAggregateStatisticsCommandTimes(t *testing.T) {
	r := &RunResult{}
	for i, d := range []float64{10, 20, 30, 40} {
		r.Events = append(r.Events, commandPair(string(rune('a'+i)), d)...)
	}

	stats := AggregateStatistics(r)

	require.InDelta(t, 25.0, stats.AvgCommandTime, 1e-9)
	require.InDelta(t, 40.0, stats.P95CommandTime, 1e-9)
	require.InDelta(t, 40.0, stats.P99CommandTime, 1e-9)
}

func TestAggregateStatisticsIgnoresUnmatchedCompletions(t *testing.T) {
	r := &RunResult{Events: []map[string]interface{}{
		{"name": "CommandSucceededEvent", "requestId": "orphan", "duration": 99.0},
		{"name": "CommandFailedEvent", "requestId": "other", "duration": 50.0},
	}}

	stats := AggregateStatistics(r)

	require.Zero(t, stats.AvgCommandTime)
	require.Zero(t, stats.P99CommandTime)
}

func TestAggregateStatisticsConnectionCounts(t *testing.T) {
	r := &RunResult{Events: []map[string]interface{}{
		{"name": "ConnectionCreatedEvent", "address": "host-00:27017"},
		{"name": "ConnectionCreatedEvent", "address": "host-00:27017"},
		{"name": "ConnectionClosedEvent", "address": "host-00:27017"},
		{"name": "ConnectionCreatedEvent", "address": "host-00:27017"},
		{"name": "ConnectionCreatedEvent", "address": "host-01:27017"},
	}}

	stats := AggregateStatistics(r)

	require.Equal(t, 2, stats.MaxConnectionCounts["host-00:27017"])
	require.Equal(t, 1, stats.MaxConnectionCounts["host-01:27017"])
}

func TestWriteStatistics(t *testing.T) {
	dir := t.TempDir()
	stats := CommandStatistics{
		AvgCommandTime:      12.5,
		MaxConnectionCounts: map[string]int{"host-00:27017": 3},
	}
	require.NoError(t, WriteStatistics(dir, stats))

	restored := readStatsFile(t, dir)
	require.InDelta(t, 12.5, restored.AvgCommandTime, 1e-9)
	require.Equal(t, 3, restored.MaxConnectionCounts["host-00:27017"])
}
