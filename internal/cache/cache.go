package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in cache")
	ErrNotConnected = errors.New("not connected to cache")
)

// Cache is the hot-path lookup cache used by the suppression service
// and the per-tenant throttle counters. Implementations must be safe
// for concurrent use by all delivery workers.
type Cache interface {
	// Connect establishes a connection to the cache backend
	Connect() error

	// Close closes the connection to the cache backend
	Close() error

	// Type returns the backend type ("memory", "redis", "memcached")
	Type() string

	// Get retrieves a string value
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with an optional expiration (0 = no expiry)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes a key
	Delete(ctx context.Context, key string) error

	// Exists checks whether a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// Increment atomically increments a numeric value
	Increment(ctx context.Context, key string, amount int64) (int64, error)

	// Expire sets an expiration on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Config represents the configuration for a cache backend
type Config struct {
	Type     string // memory, redis, memcached
	Addr     string
	Password string
	Database int
}

// New creates a cache instance based on configuration
func New(config Config) (Cache, error) {
	switch config.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	default:
		return nil, fmt.Errorf("unsupported cache type: %q", config.Type)
	}
}
