// Package config provides the runner's configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the agent runner reads from the environment.
type Config struct {
	Hostname       string
	AgentID        string
	ConnectionCode string
	ClientName     string
	MediaDir       string
	MediaIndexPath string
	Connection     ConnectionConfig
}

// ConnectionConfig tunes the session underneath the agent.
type ConnectionConfig struct {
	DialTimeout       time.Duration
	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MaxReconnects     int // 0 = retry forever
	QueueSends        bool
	QueueDepth        int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Hostname:       getEnv("NEOSPHERE_HOST", "n10s.net"),
		AgentID:        getEnv("NEOSPHERE_AGENT_ID", ""),
		ConnectionCode: getEnv("NEOSPHERE_CONNECTION_CODE", ""),
		ClientName:     getEnv("NEOSPHERE_CLIENT_NAME", "neosphere-go"),
		MediaDir:       getEnv("NEOSPHERE_MEDIA_DIR", "./data/media"),
		MediaIndexPath: getEnv("NEOSPHERE_MEDIA_INDEX_PATH", "./data/media/index.db"),
		Connection: ConnectionConfig{
			DialTimeout:       getEnvDuration("NEOSPHERE_DIAL_TIMEOUT", 10*time.Second),
			AuthTimeout:       getEnvDuration("NEOSPHERE_AUTH_TIMEOUT", 10*time.Second),
			HeartbeatInterval: getEnvDuration("NEOSPHERE_HEARTBEAT_INTERVAL", 30*time.Second),
			BackoffBase:       getEnvDuration("NEOSPHERE_BACKOFF_BASE", time.Second),
			BackoffMax:        getEnvDuration("NEOSPHERE_BACKOFF_MAX", 30*time.Second),
			MaxReconnects:     getEnvInt("NEOSPHERE_MAX_RECONNECTS", 0),
			QueueSends:        getEnvBool("NEOSPHERE_QUEUE_SENDS", false),
			QueueDepth:        getEnvInt("NEOSPHERE_QUEUE_DEPTH", 64),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("NEOSPHERE_HOST cannot be empty")
	}
	if c.AgentID == "" {
		return fmt.Errorf("NEOSPHERE_AGENT_ID cannot be empty")
	}
	if c.ConnectionCode == "" {
		return fmt.Errorf("NEOSPHERE_CONNECTION_CODE cannot be empty")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return fmt.Errorf("NEOSPHERE_HEARTBEAT_INTERVAL must be > 0")
	}
	if c.Connection.MaxReconnects < 0 {
		return fmt.Errorf("NEOSPHERE_MAX_RECONNECTS must be >= 0")
	}
	if c.Connection.QueueSends && c.Connection.QueueDepth <= 0 {
		return fmt.Errorf("NEOSPHERE_QUEUE_DEPTH must be > 0 when queueing is enabled")
	}
	return nil
}

// IsLocal returns true when pointing at a local development server.
func (c *Config) IsLocal() bool {
	return strings.HasPrefix(c.Hostname, "localhost") ||
		strings.HasPrefix(c.Hostname, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
