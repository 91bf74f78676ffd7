package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, []int{60, 300, 900, 3600, 10800}, cfg.Queue.RetrySchedule)
	assert.Equal(t, 300, cfg.Delivery.MXCacheTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "urbansend.conf")

	content := `
[server]
hostname = "mx.example.com"
bounce_domain = "bounces.example.com"

[store]
driver = "postgres"
dsn = "postgres://urbansend@localhost/urbansend?sslmode=disable"

[queue]
workers = 4
max_attempts = 3
retry_schedule = [30, 60]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mx.example.com", cfg.Server.Hostname)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	// Untouched sections keep defaults.
	assert.Equal(t, "memory", cfg.Cache.Type)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Queue.Workers, cfg.Queue.Workers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad store driver", func(c *Config) { c.Store.Driver = "oracle" }},
		{"bad cache type", func(c *Config) { c.Cache.Type = "etcd" }},
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }},
		{"empty retry schedule", func(c *Config) { c.Queue.RetrySchedule = nil }},
		{"bounce domain with @", func(c *Config) { c.Server.BounceDomain = "bounces@example.com" }},
		{"weak dkim key", func(c *Config) { c.DKIM.KeyBits = 512 }},
		{"inverted thresholds", func(c *Config) { c.Reputation.PoorRate = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRetryBackoff(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 60*time.Second, cfg.RetryBackoff(1))
	assert.Equal(t, 5*time.Minute, cfg.RetryBackoff(2))
	assert.Equal(t, 3*time.Hour, cfg.RetryBackoff(5))
	// Past the end of the schedule the last entry applies.
	assert.Equal(t, 3*time.Hour, cfg.RetryBackoff(20))
	assert.Equal(t, 60*time.Second, cfg.RetryBackoff(0))
}
