package config

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
)

// Sticky modes for the client reconciler.
const (
	// StickyKeepWhenAbsent keeps the local subtree when the incoming
	// document omits it.
	StickyKeepWhenAbsent = "absent"
	// StickyKeepLonger also keeps the local array when the incoming one
	// has fewer entries.
	StickyKeepLonger = "longer"
)

// SyncConfig holds client reconciliation rules
type SyncConfig struct {
	StickyPaths []StickyRule `json:"sticky_paths"`
	Aliases     []AliasRule  `json:"aliases"`

	// Per-fence history kept when the incoming fence has a shorter one.
	FenceHistoryField string `json:"fence_history_field"`

	// Minimum spacing of full-state requests after failed patches.
	RefreshIntervalMs int  `json:"refresh_interval_ms"`
	MirrorPosition    bool `json:"mirror_position"`
}

// RefreshInterval is RefreshIntervalMs as a duration.
func (c *SyncConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMs) * time.Millisecond
}

// StickyRule marks a dot path that survives full-state replacement
type StickyRule struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
}

// AliasRule re-homes a wire path prefix to its local location
type AliasRule struct {
	From string `json:"from"` // JSON pointer prefix as sent on the wire
	To   string `json:"to"`
}

// LoadSyncConfig loads sync configuration from environment or file
func LoadSyncConfig() *SyncConfig {
	// Try to load from file first
	if configPath := os.Getenv("SYNC_CONFIG_PATH"); configPath != "" {
		if cfg, err := loadSyncConfigFromFile(configPath); err == nil {
			return cfg
		}
	}

	// Otherwise use defaults
	return DefaultSyncConfig()
}

// loadSyncConfigFromFile loads sync config from JSON file; unset fields
// keep their defaults
func loadSyncConfigFromFile(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultSyncConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultSyncConfig returns the built-in reconciliation rules
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		StickyPaths: []StickyRule{
			{Path: "anchor.fences", Mode: StickyKeepWhenAbsent},
			{Path: "anchor.history", Mode: StickyKeepLonger},
			{Path: "bluetooth", Mode: StickyKeepWhenAbsent},
		},
		Aliases: []AliasRule{
			{From: "/navigation/wind", To: "/environment/weather/wind"},
			{From: "/weather", To: "/forecast"},
		},
		FenceHistoryField: "distanceHistory",
		RefreshIntervalMs: getIntEnv("CLIENT_REFRESH_INTERVAL_MS", 5000),
		MirrorPosition:    getBoolEnv("MIRROR_POSITION", true),
	}
}

// Helper functions for environment variables

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var result int
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}
