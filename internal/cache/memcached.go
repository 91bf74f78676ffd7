package cache

import (
	"context"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// Memcached implements the Cache interface for memcached
type Memcached struct {
	config    Config
	client    *memcache.Client
	connected bool
}

// NewMemcached creates a new memcached cache
func NewMemcached(config Config) *Memcached {
	if config.Addr == "" {
		config.Addr = "localhost:11211"
	}
	return &Memcached{config: config}
}

// Connect establishes a connection to memcached
func (m *Memcached) Connect() error {
	if m.connected {
		return nil
	}

	m.client = memcache.New(m.config.Addr)
	if err := m.client.Ping(); err != nil {
		return err
	}

	m.connected = true
	return nil
}

// Close closes the connection to memcached
func (m *Memcached) Close() error {
	m.connected = false
	return nil
}

// Type returns the type of this cache
func (m *Memcached) Type() string { return "memcached" }

func expirationSeconds(expiration time.Duration) int32 {
	if expiration <= 0 {
		return 0
	}
	secs := int32(expiration / time.Second)
	if secs == 0 {
		secs = 1
	}
	return secs
}

func (m *Memcached) Get(ctx context.Context, key string) (string, error) {
	if !m.connected {
		return "", ErrNotConnected
	}

	item, err := m.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return "", ErrNotFound
	} else if err != nil {
		return "", err
	}
	return string(item.Value), nil
}

func (m *Memcached) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}
	return m.client.Set(&memcache.Item{
		Key:        key,
		Value:      []byte(value),
		Expiration: expirationSeconds(expiration),
	})
}

func (m *Memcached) Delete(ctx context.Context, key string) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Delete(key)
	if err == memcache.ErrCacheMiss {
		return nil
	}
	return err
}

func (m *Memcached) Exists(ctx context.Context, key string) (bool, error) {
	if !m.connected {
		return false, ErrNotConnected
	}
	_, err := m.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (m *Memcached) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	if !m.connected {
		return 0, ErrNotConnected
	}

	n, err := m.client.Increment(key, uint64(amount))
	if err == memcache.ErrCacheMiss {
		// memcached increments only existing keys; seed and retry
		if err := m.client.Add(&memcache.Item{Key: key, Value: []byte("0")}); err != nil && err != memcache.ErrNotStored {
			return 0, err
		}
		n, err = m.client.Increment(key, uint64(amount))
	}
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func (m *Memcached) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if !m.connected {
		return ErrNotConnected
	}
	err := m.client.Touch(key, expirationSeconds(expiration))
	if err == memcache.ErrCacheMiss {
		return ErrNotFound
	}
	return err
}
