// Package config loads and validates the hub's runtime configuration
// from the environment, with an optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Providers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	PubSubRedis = "redis"
	PubSubNATS  = "nats"

	AwarenessMemory = "memory"
	AwarenessRedis  = "redis"
)

const minSecretLength = 32

// Config holds all hub configuration. Tags: env names the variable,
// envDefault applies when unset.
type Config struct {
	// Server
	Host        string `env:"HOST" envDefault:"0.0.0.0"`
	Port        int    `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Authentication
	JWTSecret           string        `env:"JWT_SECRET"`
	JWTIssuer           string        `env:"JWT_ISSUER"`
	JWTAudience         string        `env:"JWT_AUDIENCE"`
	JWTAccessExpiresIn  time.Duration `env:"JWT_ACCESS_EXPIRES_IN" envDefault:"24h"`
	JWTRefreshExpiresIn time.Duration `env:"JWT_REFRESH_EXPIRES_IN" envDefault:"168h"`
	APIKeys             []string      `env:"API_KEYS" envSeparator:","`
	AuthRequired        bool          `env:"AUTH_REQUIRED" envDefault:"true"`

	// WebSocket
	HeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"60s"`
	MaxConnections    int           `env:"WS_MAX_CONNECTIONS" envDefault:"10000"`
	AuthTimeout       time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"10s"`
	SendTimeout       time.Duration `env:"WS_SEND_TIMEOUT" envDefault:"5s"`
	SendQueueSize     int           `env:"WS_SEND_QUEUE" envDefault:"1024"`
	MaxFrameBytes     int64         `env:"WS_MAX_FRAME_BYTES" envDefault:"1048576"`

	// Sync hints echoed to clients via /health.
	SyncBatchSize  int           `env:"SYNC_BATCH_SIZE" envDefault:"100"`
	SyncBatchDelay time.Duration `env:"SYNC_BATCH_DELAY" envDefault:"50ms"`

	// Storage
	StorageProvider string `env:"STORAGE_PROVIDER" envDefault:"memory"`
	DatabaseURL     string `env:"DATABASE_URL"`

	// Pub/sub
	PubSubEnabled       bool   `env:"PUBSUB_ENABLED" envDefault:"false"`
	PubSubProvider      string `env:"PUBSUB_PROVIDER" envDefault:"redis"`
	PubSubURL           string `env:"PUBSUB_URL"`
	PubSubChannelPrefix string `env:"PUBSUB_CHANNEL_PREFIX" envDefault:"synckit:"`

	// Awareness
	AwarenessProvider string        `env:"AWARENESS_PROVIDER" envDefault:"memory"`
	AwarenessURL      string        `env:"AWARENESS_URL"`
	AwarenessTTL      time.Duration `env:"AWARENESS_TTL" envDefault:"30s"`

	// Lifecycle
	DrainDeadline time.Duration `env:"SHUTDOWN_DRAIN_DEADLINE" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Maintenance
	CleanupSchedule        string        `env:"CLEANUP_SCHEDULE" envDefault:"@every 1h"`
	SessionMaxAge          time.Duration `env:"SESSION_MAX_AGE" envDefault:"24h"`
	SessionRefreshInterval time.Duration `env:"SESSION_REFRESH_INTERVAL" envDefault:"30s"`
	DeltaMaxAge            time.Duration `env:"DELTA_MAX_AGE"`

	// Rate limits
	MessagesPerSecond float64 `env:"LIMIT_MSGS_PER_SEC" envDefault:"100"`
	MessageBurst      int     `env:"LIMIT_MSG_BURST" envDefault:"200"`
	ConnectionsPerIP  int     `env:"LIMIT_CONNS_PER_IP" envDefault:"64"`
}

// Load reads configuration with priority env vars > .env file >
// defaults, then validates. A missing .env file is not an error.
func Load() (*Config, error) {
	godotenv.Load()
	return Parse()
}

// Parse reads configuration from the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", c.Port)
	}

	if c.AuthRequired && len(c.JWTSecret) < minSecretLength && len(c.APIKeys) == 0 {
		return fmt.Errorf("JWT_SECRET must be at least %d characters when AUTH_REQUIRED is set", minSecretLength)
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters, got %d", minSecretLength, len(c.JWTSecret))
	}

	if c.HeartbeatTimeout < c.HeartbeatInterval {
		return fmt.Errorf("WS_HEARTBEAT_TIMEOUT (%s) must be >= WS_HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("WS_SEND_QUEUE must be > 0, got %d", c.SendQueueSize)
	}
	if c.MaxFrameBytes < 1 {
		return fmt.Errorf("WS_MAX_FRAME_BYTES must be > 0, got %d", c.MaxFrameBytes)
	}

	switch c.StorageProvider {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORAGE_PROVIDER=postgres")
		}
	default:
		return fmt.Errorf("STORAGE_PROVIDER must be %q or %q, got %q", StorageMemory, StoragePostgres, c.StorageProvider)
	}

	if c.PubSubEnabled {
		switch c.PubSubProvider {
		case PubSubRedis, PubSubNATS:
		default:
			return fmt.Errorf("PUBSUB_PROVIDER must be %q or %q, got %q", PubSubRedis, PubSubNATS, c.PubSubProvider)
		}
		if c.PubSubURL == "" {
			return fmt.Errorf("PUBSUB_URL is required when PUBSUB_ENABLED is set")
		}
	}

	switch c.AwarenessProvider {
	case AwarenessMemory:
	case AwarenessRedis:
		if c.AwarenessURL == "" {
			return fmt.Errorf("AWARENESS_URL is required for AWARENESS_PROVIDER=redis")
		}
	default:
		return fmt.Errorf("AWARENESS_PROVIDER must be %q or %q, got %q", AwarenessMemory, AwarenessRedis, c.AwarenessProvider)
	}

	if c.AwarenessTTL <= 0 {
		return fmt.Errorf("AWARENESS_TTL must be > 0, got %s", c.AwarenessTTL)
	}
	return nil
}
