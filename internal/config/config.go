// Package config loads the relay's configuration from the environment, with
// an optional .env file for development convenience. Priority: environment
// variables > .env file > struct defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every recognized option.
type Config struct {
	// Listen addresses. The connection endpoint and the health/metrics
	// endpoints are separate servers so the load balancer and the
	// orchestrator probe different ports.
	Addr       string `env:"RELAY_ADDR" envDefault:":8080"`
	HealthAddr string `env:"RELAY_HEALTH_ADDR" envDefault:":8081"`

	// Shared registry store.
	NATSURL          string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSToken        string        `env:"NATS_TOKEN"`
	RegistryBucket   string        `env:"RELAY_REGISTRY_BUCKET" envDefault:"relay_connections"`
	BroadcastSubject string        `env:"RELAY_BROADCAST_SUBJECT" envDefault:"relay.broadcast"`
	RecordTTL        time.Duration `env:"RELAY_RECORD_TTL" envDefault:"24h"`
	RegistryTimeout  time.Duration `env:"RELAY_REGISTRY_TIMEOUT" envDefault:"5s"`
	RegistryRetryMax time.Duration `env:"RELAY_REGISTRY_RETRY_MAX" envDefault:"10s"`
	LivenessWindow   time.Duration `env:"RELAY_LIVENESS_WINDOW" envDefault:"1m"`

	// Connection lifecycle.
	MaxConnections int           `env:"RELAY_MAX_CONNECTIONS" envDefault:"5000"`
	SendBuffer     int           `env:"RELAY_SEND_BUFFER" envDefault:"256"`
	IdleTimeout    time.Duration `env:"RELAY_IDLE_TIMEOUT" envDefault:"5m"`
	ShutdownGrace  time.Duration `env:"RELAY_SHUTDOWN_GRACE" envDefault:"30s"`

	// Per-connection inbound frame rate limit (sustained/sec + burst).
	FrameRate  int `env:"RELAY_FRAME_RATE" envDefault:"10"`
	FrameBurst int `env:"RELAY_FRAME_BURST" envDefault:"100"`

	// Logging.
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// InstanceID identifies this process in registry records. Normally left
	// empty and generated; settable for tests and fixed deployments.
	InstanceID string `env:"RELAY_INSTANCE_ID"`
}

// Load reads the optional .env file, parses the environment and validates
// the result.
func Load() (*Config, error) {
	// Missing .env is fine; production supplies real environment variables.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("RELAY_ADDR is required")
	}
	if c.HealthAddr == "" {
		return fmt.Errorf("RELAY_HEALTH_ADDR is required")
	}
	if c.NATSURL == "" {
		return fmt.Errorf("NATS_URL is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("RELAY_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("RELAY_SEND_BUFFER must be > 0, got %d", c.SendBuffer)
	}
	if c.RecordTTL < time.Second {
		return fmt.Errorf("RELAY_RECORD_TTL must be >= 1s, got %s", c.RecordTTL)
	}
	if c.ShutdownGrace <= 0 {
		return fmt.Errorf("RELAY_SHUTDOWN_GRACE must be > 0, got %s", c.ShutdownGrace)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("RELAY_IDLE_TIMEOUT must be > 0, got %s", c.IdleTimeout)
	}
	if c.FrameRate < 1 || c.FrameBurst < 1 {
		return fmt.Errorf("frame rate limits must be > 0, got rate=%d burst=%d", c.FrameRate, c.FrameBurst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// RenewInterval is the heartbeat period for observer records: a third of the
// TTL, so a record survives two missed rounds before expiring.
func (c *Config) RenewInterval() time.Duration {
	return c.RecordTTL / 3
}

// Log emits the effective configuration at startup.
func (c *Config) Log(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("health_addr", c.HealthAddr).
		Str("nats_url", c.NATSURL).
		Str("registry_bucket", c.RegistryBucket).
		Str("broadcast_subject", c.BroadcastSubject).
		Dur("record_ttl", c.RecordTTL).
		Dur("idle_timeout", c.IdleTimeout).
		Dur("shutdown_grace", c.ShutdownGrace).
		Int("max_connections", c.MaxConnections).
		Int("send_buffer", c.SendBuffer).
		Str("instance_id", c.InstanceID).
		Str("log_level", c.LogLevel).
		Msg("Configuration loaded")
}
