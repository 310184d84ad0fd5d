package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, ":8081", cfg.HealthAddr)
	assert.Equal(t, 24*time.Hour, cfg.RecordTTL)
	assert.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	assert.NotEmpty(t, cfg.InstanceID, "instance id is generated when unset")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_ADDR", ":9999")
	t.Setenv("RELAY_RECORD_TTL", "1h")
	t.Setenv("RELAY_INSTANCE_ID", "instance-7")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, time.Hour, cfg.RecordTTL)
	assert.Equal(t, "instance-7", cfg.InstanceID)
	assert.Equal(t, 20*time.Minute, cfg.RenewInterval())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max connections", func(c *Config) { c.MaxConnections = 0 }},
		{"negative grace", func(c *Config) { c.ShutdownGrace = -time.Second }},
		{"tiny record ttl", func(c *Config) { c.RecordTTL = time.Millisecond }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"missing nats url", func(c *Config) { c.NATSURL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
