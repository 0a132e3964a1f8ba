package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CLIENT_MAX_RECONNECT_ATTEMPTS", "")
	t.Setenv("STATE_BATCH_INTERVAL_MS", "")
	t.Setenv("ANCHOR_BREADCRUMB_LIMIT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, cfg.Server.BatchInterval)
	assert.Equal(t, 30*time.Second, cfg.Server.FullSnapshotInterval)
	assert.Equal(t, 5, cfg.Client.MaxReconnectAttempts)
	assert.Equal(t, 3*time.Second, cfg.Client.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.Relay.FullStateRateLimit)
	assert.Equal(t, 500, cfg.Server.BreadcrumbLimit)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STATE_BATCH_INTERVAL_MS", "50")
	t.Setenv("CLIENT_MAX_RECONNECT_ATTEMPTS", "2")
	t.Setenv("RELAY_REQUIRE_AUTH", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, cfg.Server.BatchInterval)
	assert.Equal(t, 2, cfg.Client.MaxReconnectAttempts)
	assert.False(t, cfg.Relay.RequireAuth)
	assert.NoError(t, cfg.ValidateRelay())
}

func TestValidateServerNeedsSecretForUplink(t *testing.T) {
	cfg := &Config{Server: ServerConfig{BatchInterval: time.Millisecond, RelayURL: "ws://vps"}}
	assert.Error(t, cfg.ValidateServer())

	cfg.Server.TokenSecret = "s3cret"
	assert.NoError(t, cfg.ValidateServer())
}

func TestLoadSyncConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"aliases":[{"from":"/nav/wind","to":"/env/wind"}]}`), 0o600))
	t.Setenv("SYNC_CONFIG_PATH", path)

	cfg := LoadSyncConfig()
	require.Len(t, cfg.Aliases, 1)
	assert.Equal(t, "/env/wind", cfg.Aliases[0].To)
	assert.Len(t, cfg.StickyPaths, 3, "unset fields keep defaults")
}

func TestLoadSyncConfigFallsBackOnBadFile(t *testing.T) {
	t.Setenv("SYNC_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.json"))
	cfg := LoadSyncConfig()
	assert.Equal(t, DefaultSyncConfig().Aliases, cfg.Aliases)
}

func TestBreadcrumbAndRefreshSettings(t *testing.T) {
	t.Setenv("ANCHOR_BREADCRUMB_LIMIT", "20")
	t.Setenv("CLIENT_REFRESH_INTERVAL_MS", "1500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Server.BreadcrumbLimit)
	assert.Equal(t, 1500*time.Millisecond, DefaultSyncConfig().RefreshInterval())
}
