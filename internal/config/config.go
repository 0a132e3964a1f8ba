package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv   string
	BoatID    string
	LogLevel  string
	LogFormat string
	Server    ServerConfig
	Relay     RelayConfig
	Client    ClientConfig
	SignalK   SignalKConfig
	Database  DatabaseConfig
}

// ServerConfig holds the boat-side server settings
type ServerConfig struct {
	Port                 string
	BatchInterval        time.Duration
	FullSnapshotInterval time.Duration
	SubscriberBuffer     int
	RelayURL             string // uplink target, empty disables the uplink
	TokenSecret          string
	IdentityKeyPath      string
	CommandDedupWindow   time.Duration
	BreadcrumbLimit      int
}

// RelayConfig holds relay hop settings
type RelayConfig struct {
	Port               string
	TokenSecret        string
	RequireAuth        bool
	FullStateRateLimit time.Duration
	IdentityMaxSkew    time.Duration
	UsePersistentKeys  bool
}

// ClientConfig holds connection adapter settings
type ClientConfig struct {
	DirectURL            string
	RelayURL             string
	ClientID             string
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	FullStateTimeout     time.Duration
	ConnectTimeout       time.Duration
}

// SignalKConfig holds the ingestion source settings
type SignalKConfig struct {
	URL     string // empty disables ingestion
	Enabled bool
}

// DatabaseConfig holds database configuration for the relay key store
type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Quiet    bool
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		NodeEnv:   getEnv("NODE_ENV", "development"),
		BoatID:    os.Getenv("BOAT_ID"),
		LogLevel:  getEnv("LOGGING_LEVEL", "INFO"),
		LogFormat: strings.ToUpper(getEnv("LOGGING_FORMAT", "CONSOLE")),
		Server: ServerConfig{
			Port:                 getEnv("PORT", "3009"),
			BatchInterval:        getMillisEnv("STATE_BATCH_INTERVAL_MS", 200),
			FullSnapshotInterval: getMillisEnv("STATE_FULL_INTERVAL_MS", 30000),
			SubscriberBuffer:     getIntEnv("STATE_SUBSCRIBER_BUFFER", 256),
			RelayURL:             os.Getenv("VPS_URL"),
			TokenSecret:          os.Getenv("TOKEN_SECRET"),
			IdentityKeyPath:      getEnv("IDENTITY_KEY_PATH", "./.identity.json"),
			CommandDedupWindow:   getMillisEnv("COMMAND_DEDUP_WINDOW_MS", 5*60*1000),
			BreadcrumbLimit:      getIntEnv("ANCHOR_BREADCRUMB_LIMIT", 500),
		},
		Relay: RelayConfig{
			Port:               getEnv("RELAY_PORT", "8080"),
			TokenSecret:        os.Getenv("TOKEN_SECRET"),
			RequireAuth:        getBoolEnv("RELAY_REQUIRE_AUTH", true),
			FullStateRateLimit: getMillisEnv("RELAY_FULL_STATE_INTERVAL_MS", 5000),
			IdentityMaxSkew:    getMillisEnv("RELAY_IDENTITY_MAX_SKEW_MS", 5*60*1000),
			UsePersistentKeys:  getBoolEnv("RELAY_DB_ENABLED", false),
		},
		Client: ClientConfig{
			DirectURL:            getEnv("DIRECT_WS_URL", "ws://localhost:3009/ws"),
			RelayURL:             getEnv("RELAY_WS_URL", "ws://localhost:8080/ws"),
			ClientID:             os.Getenv("CLIENT_ID"),
			ReconnectDelay:       getMillisEnv("CLIENT_RECONNECT_DELAY_MS", 3000),
			MaxReconnectAttempts: getIntEnv("CLIENT_MAX_RECONNECT_ATTEMPTS", 5),
			HeartbeatInterval:    getMillisEnv("CLIENT_HEARTBEAT_MS", 30000),
			FullStateTimeout:     getMillisEnv("CLIENT_FULL_STATE_TIMEOUT_MS", 10000),
			ConnectTimeout:       getMillisEnv("CLIENT_CONNECT_TIMEOUT_MS", 10000),
		},
		SignalK: SignalKConfig{
			URL:     os.Getenv("SIGNALK_URL"),
			Enabled: os.Getenv("SIGNALK_URL") != "",
		},
		Database: DatabaseConfig{
			Host:     getEnv("RELAY_DB_HOST", "localhost"),
			Port:     getEnv("RELAY_DB_PORT", "5432"),
			Username: getEnv("RELAY_DB_USERNAME", "postgres"),
			Password: os.Getenv("RELAY_DB_PASSWORD"),
			Database: getEnv("RELAY_DB_DATABASE", "navsync"),
			Quiet:    getBoolEnv("RELAY_DB_QUIET", true),
		},
	}
	return cfg, nil
}

// ValidateServer checks what the boat server needs before it starts
func (c *Config) ValidateServer() error {
	if c.Server.BatchInterval <= 0 {
		return fmt.Errorf("STATE_BATCH_INTERVAL_MS must be positive")
	}
	if c.Server.RelayURL != "" && c.Server.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required when VPS_URL is set")
	}
	return nil
}

// ValidateRelay checks what the relay needs before it starts
func (c *Config) ValidateRelay() error {
	if c.Relay.RequireAuth && c.Relay.TokenSecret == "" {
		return fmt.Errorf("TOKEN_SECRET is required when RELAY_REQUIRE_AUTH is on")
	}
	return nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getMillisEnv(key string, defaultMillis int) time.Duration {
	return time.Duration(getIntEnv(key, defaultMillis)) * time.Millisecond
}
