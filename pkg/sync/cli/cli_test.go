package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hpcops/allocsync/internal/common"
	"github.com/hpcops/allocsync/pkg/sync/reconciler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeConfigFile(t *testing.T, content string) string {
	t.Helper()

	configPath := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return configPath
}

func TestConfigDefaults(t *testing.T) {
	configPath := makeConfigFile(t, "allocsync: {}\n")

	config, err := common.MakeConfig[AllocSyncAppConfig](configPath)
	require.NoError(t, err)

	assert.Equal(t, "data", config.AllocSync.Data.Path)
	assert.Equal(t, time.Hour, time.Duration(config.AllocSync.Sync.Interval))
	assert.Equal(t, 30*time.Second, time.Duration(config.AllocSync.Sync.CommandTimeout))
	assert.Equal(t, reconciler.BaselineZero, config.AllocSync.Sync.UsageBaseline)
	assert.Equal(t, "/", config.AllocSync.Web.RoutePrefix)
}

func TestConfigOverrides(t *testing.T) {
	configPath := makeConfigFile(t, `---
allocsync:
  data:
    path: /var/lib/allocsync
  sync:
    interval: 30m
    command_timeout: 10s
    usage_baseline: first-allocation
    sacctmgr_path: /opt/slurm/bin/sacctmgr
  web:
    route_prefix: /allocsync
`)

	config, err := common.MakeConfig[AllocSyncAppConfig](configPath)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/allocsync", config.AllocSync.Data.Path)
	assert.Equal(t, 30*time.Minute, time.Duration(config.AllocSync.Sync.Interval))
	assert.Equal(t, 10*time.Second, time.Duration(config.AllocSync.Sync.CommandTimeout))
	assert.Equal(t, reconciler.BaselineFirstAllocation, config.AllocSync.Sync.UsageBaseline)
	assert.Equal(t, "/opt/slurm/bin/sacctmgr", config.AllocSync.Sync.SacctmgrPath)
	assert.Equal(t, "/allocsync", config.AllocSync.Web.RoutePrefix)
}

func TestConfigMissingFile(t *testing.T) {
	_, err := common.MakeConfig[AllocSyncAppConfig]("")
	assert.Error(t, err)
}
