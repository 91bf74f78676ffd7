package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	// Server identification and ops API
	Server struct {
		Hostname     string `toml:"hostname"`      // EHLO identity
		BounceDomain string `toml:"bounce_domain"` // domain for VERP return paths
		BounceSecret string `toml:"bounce_secret"` // HMAC key for return path MACs
		Listen       string `toml:"listen"`        // ops/admin API listen address
	} `toml:"server"`

	// Redis backs the tenant queue partitions, throttle counters and
	// reputation counters.
	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		Database int    `toml:"database"`
	} `toml:"redis"`

	// Store is the durable backend for messages, attempts, suppressions,
	// reputation snapshots and signing keys.
	Store struct {
		Driver string `toml:"driver"` // sqlite, mysql, postgres
		DSN    string `toml:"dsn"`
	} `toml:"store"`

	// Cache configures the hot cache used by the suppression service.
	Cache struct {
		Type string `toml:"type"` // memory, redis, memcached
		Addr string `toml:"addr"`
	} `toml:"cache"`

	Queue struct {
		Workers       int   `toml:"workers"`
		MaxAttempts   int   `toml:"max_attempts"`
		RetrySchedule []int `toml:"retry_schedule"` // seconds
		DrainInterval int   `toml:"drain_interval"` // seconds between drain passes
	} `toml:"queue"`

	Delivery struct {
		Port            int  `toml:"port"`
		ConnectTimeout  int  `toml:"connect_timeout"`  // seconds
		SessionTimeout  int  `toml:"session_timeout"`  // seconds
		MXCacheTTL      int  `toml:"mx_cache_ttl"`     // seconds
		MXCacheSize     int  `toml:"mx_cache_size"`
		TLSEnabled      bool `toml:"tls_enabled"`
		DNSTimeout      int  `toml:"dns_timeout"` // seconds
		DNSRetries      int  `toml:"dns_retries"`
	} `toml:"delivery"`

	DKIM struct {
		Selector       string `toml:"selector"`
		FallbackDomain string `toml:"fallback_domain"`
		KeyBits        int    `toml:"key_bits"`
	} `toml:"dkim"`

	Reputation struct {
		WindowDays        int     `toml:"window_days"`
		WarningRate       float64 `toml:"warning_rate"`
		PoorRate          float64 `toml:"poor_rate"`
		CriticalRate      float64 `toml:"critical_rate"`
		PoorThrottle      int     `toml:"poor_throttle"`     // messages/hour
		CriticalThrottle  int     `toml:"critical_throttle"` // messages/hour
	} `toml:"reputation"`

	Tenant struct {
		ContextTTL int `toml:"context_ttl"` // seconds
	} `toml:"tenant"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"` // "text" or "json"
		File   string `toml:"file"`   // empty = stdout
	} `toml:"logging"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.BounceDomain = "bounces.localhost"
	cfg.Server.BounceSecret = "change-me"
	cfg.Server.Listen = ":8825"

	cfg.Redis.Addr = "localhost:6379"

	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = "urbansend.db"

	cfg.Cache.Type = "memory"

	cfg.Queue.Workers = 8
	cfg.Queue.MaxAttempts = 5
	cfg.Queue.RetrySchedule = []int{60, 300, 900, 3600, 10800}
	cfg.Queue.DrainInterval = 2

	cfg.Delivery.Port = 25
	cfg.Delivery.ConnectTimeout = 30
	cfg.Delivery.SessionTimeout = 120
	cfg.Delivery.MXCacheTTL = 300
	cfg.Delivery.MXCacheSize = 1000
	cfg.Delivery.TLSEnabled = true
	cfg.Delivery.DNSTimeout = 10
	cfg.Delivery.DNSRetries = 3

	cfg.DKIM.Selector = "usend"
	cfg.DKIM.FallbackDomain = "mail.localhost"
	cfg.DKIM.KeyBits = 2048

	cfg.Reputation.WindowDays = 7
	cfg.Reputation.WarningRate = 0.02
	cfg.Reputation.PoorRate = 0.05
	cfg.Reputation.CriticalRate = 0.10
	cfg.Reputation.PoorThrottle = 50
	cfg.Reputation.CriticalThrottle = 10

	cfg.Tenant.ContextTTL = 30

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./urbansend.conf",
		"./config/urbansend.conf",
		os.ExpandEnv("$HOME/.urbansend.conf"),
		"/etc/urbansend/urbansend.conf",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", nil
}

// LoadConfig loads configuration from the given path, falling back to
// defaults when no file is found.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := FindConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies that would only
// surface later at runtime.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported store driver: %q", c.Store.Driver)
	}

	switch c.Cache.Type {
	case "memory", "redis", "memcached":
	default:
		return fmt.Errorf("unsupported cache type: %q", c.Cache.Type)
	}

	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive, got %d", c.Queue.Workers)
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if len(c.Queue.RetrySchedule) == 0 {
		return fmt.Errorf("queue.retry_schedule must not be empty")
	}

	if c.Server.BounceDomain == "" || strings.Contains(c.Server.BounceDomain, "@") {
		return fmt.Errorf("server.bounce_domain must be a bare domain, got %q", c.Server.BounceDomain)
	}

	if c.DKIM.KeyBits < 1024 {
		return fmt.Errorf("dkim.key_bits must be at least 1024, got %d", c.DKIM.KeyBits)
	}

	if !(c.Reputation.WarningRate < c.Reputation.PoorRate && c.Reputation.PoorRate < c.Reputation.CriticalRate) {
		return fmt.Errorf("reputation thresholds must be ascending: warning < poor < critical")
	}

	return nil
}

// RetryBackoff returns the configured backoff for the given attempt
// number (1-based), clamping to the last schedule entry.
func (c *Config) RetryBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(c.Queue.RetrySchedule) {
		idx = len(c.Queue.RetrySchedule) - 1
	}
	return time.Duration(c.Queue.RetrySchedule[idx]) * time.Second
}
