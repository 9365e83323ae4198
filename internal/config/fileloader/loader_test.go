package fileloader_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massimiliano76/AltStore/internal/config"
	"github.com/massimiliano76/AltStore/internal/config/fileloader"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := fileloader.NewFileLoader("").Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.TimeUnit)
	assert.Equal(t, 3*time.Second, cfg.ProbeWindow())
	assert.Equal(t, 5*time.Second, cfg.NotificationDelay())
	assert.Equal(t, "com.rileytestut.AltStore", cfg.SelfAppID)
	assert.Equal(t, time.Hour, cfg.FetchInterval)
	assert.True(t, cfg.ExitInBackground)
	assert.Equal(t, config.LivenessMemory, cfg.Liveness.Transport)
	assert.Equal(t, 30*time.Second, cfg.Budget.MaxDuration)
	assert.Equal(t, 2, cfg.Budget.Burst)
	assert.Empty(t, cfg.Discovery.Servers)
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "refreshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
time_unit: 100ms
self_app_id: com.example.store
liveness:
  transport: fs
  dir: /tmp/altstore-signals
discovery:
  servers:
    - id: desk
      address: 192.168.1.20:7000
catalog:
  url: https://apps.example.com/source.json
`), 0o600))

	t.Setenv("REFRESHD_PROBE_WINDOW_UNITS", "6")
	t.Setenv("REFRESHD_BUDGET_BURST", "4")

	cfg, err := fileloader.NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, cfg.TimeUnit)
	assert.Equal(t, 600*time.Millisecond, cfg.ProbeWindow())
	assert.Equal(t, "com.example.store", cfg.SelfAppID)
	assert.Equal(t, config.LivenessFS, cfg.Liveness.Transport)
	assert.Equal(t, "/tmp/altstore-signals", cfg.Liveness.Dir)
	assert.Equal(t, []config.ServerConfig{{ID: "desk", Address: "192.168.1.20:7000"}}, cfg.Discovery.Servers)
	assert.Equal(t, "https://apps.example.com/source.json", cfg.Catalog.URL)
	assert.Equal(t, 4, cfg.Budget.Burst)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "refreshd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("liveness:\n  transport: carrier-pigeon\n"), 0o600))

	_, err := fileloader.NewFileLoader(path).Load(context.Background())
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := fileloader.NewFileLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load(context.Background())
	assert.Error(t, err)
}
