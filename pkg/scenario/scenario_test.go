package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleScenario = `
initialConfiguration:
  clusterConfiguration:
    clusterType: REPLICASET
    providerSettings:
      providerName: AWS
      regionName: US_WEST_1
      instanceSizeName: M10
  processArgs:
    javascriptEnabled: true
operations:
  - setClusterConfiguration:
      clusterConfiguration:
        providerSettings:
          instanceSizeName: M20
  - testFailover: true
  - sleep: 10
  - waitForIdle: true
  - restartVms: true
  - assertPrimaryRegion:
      region: US_WEST_1
      timeout: 15
driverWorkload:
  database: test
  collection: docs
  operations:
    - name: find
uriOptions:
  retryWrites: true
`

func writeScenario(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeScenario(t, "retryReads-move-sharded.yml", sampleScenario)

	spec, err := Load(path, "build123")
	require.NoError(t, err)

	assert.Equal(t, "retryReads_move_sharded", spec.Name)
	assert.Len(t, spec.ClusterName, 10)
	assert.Equal(t, ClusterName("retryReads_move_sharded", "build123"), spec.ClusterName)
	assert.Equal(t, "REPLICASET", spec.InitialConfiguration.ClusterConfiguration["clusterType"])
	assert.Equal(t, true, spec.InitialConfiguration.ProcessArgs["javascriptEnabled"])
	assert.Equal(t, map[string]interface{}{"retryWrites": true}, spec.URIOptions)

	require.Len(t, spec.Operations, 6)
	assert.Equal(t, OpSetClusterConfiguration, spec.Operations[0].Type)
	assert.Equal(t, OpTestFailover, spec.Operations[1].Type)
	assert.Equal(t, OpSleep, spec.Operations[2].Type)
	assert.Equal(t, 10*time.Second, spec.Operations[2].Duration)
	assert.Equal(t, OpWaitForIdle, spec.Operations[3].Type)
	assert.Equal(t, OpRestartVMs, spec.Operations[4].Type)
	assert.Equal(t, OpAssertPrimaryRegion, spec.Operations[5].Type)
	assert.Equal(t, "US_WEST_1", spec.Operations[5].Region)
	assert.Equal(t, 15*time.Second, spec.Operations[5].Timeout)

	// the nested provider settings must be JSON-encodable maps
	providerSettings, ok := spec.Operations[0].ClusterConfig.ClusterConfiguration["providerSettings"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "M20", providerSettings["instanceSizeName"])
}

func TestLoadScalarRegionAssertion(t *testing.T) {
	path := writeScenario(t, "region.yaml", `
operations:
  - assertPrimaryRegion: US_EAST_1
driverWorkload:
  database: test
`)
	spec, err := Load(path, "s")
	require.NoError(t, err)
	require.Len(t, spec.Operations, 1)
	assert.Equal(t, "US_EAST_1", spec.Operations[0].Region)
	assert.Equal(t, DefaultRegionAssertionTimeout, spec.Operations[0].Timeout)
}

func TestLoadRejectsUnknownOperation(t *testing.T) {
	path := writeScenario(t, "bad.yml", `
operations:
  - dropAllData: true
driverWorkload:
  database: test
`)
	_, err := Load(path, "s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dropAllData")
}

func TestLoadRejectsMissingWorkload(t *testing.T) {
	path := writeScenario(t, "noworkload.yml", `
operations:
  - sleep: 1
`)
	_, err := Load(path, "s")
	require.Error(t, err)
}

func TestClusterNameDeterministic(t *testing.T) {
	assert.Equal(t, ClusterName("t", "s"), ClusterName("t", "s"))
	assert.NotEqual(t, ClusterName("t", "s1"), ClusterName("t", "s2"))
	assert.Len(t, ClusterName("a-very-long-test-name", "salt"), 10)
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yml"), []byte("x: 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("x: 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	found, err := Find(dir)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	single, err := Find(filepath.Join(dir, "a.yml"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml")}, single)

	_, err = Find(filepath.Join(dir, "notes.txt"))
	require.Error(t, err)
}
