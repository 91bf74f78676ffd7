package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory implements Cache with an in-process map. It is the default
// backend: suppression lookups are small and read-heavy, so a local
// map in front of the durable store is usually enough.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// NewMemory creates a new in-memory cache
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Connect() error { return nil }
func (m *Memory) Close() error   { return nil }
func (m *Memory) Type() string   { return "memory" }

func (m *Memory) get(key string) (memoryEntry, bool) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	entry, ok := m.get(key)
	if !ok {
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *Memory) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	entry := memoryEntry{value: value}
	if expiration > 0 {
		entry.expiresAt = time.Now().Add(expiration)
	}

	m.mu.Lock()
	m.entries[key] = entry
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, ok := m.get(key)
	return ok, nil
}

func (m *Memory) Increment(ctx context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entries[key]
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		entry = memoryEntry{}
	}

	n, _ := strconv.ParseInt(entry.value, 10, 64)
	n += amount
	entry.value = strconv.FormatInt(n, 10)
	m.entries[key] = entry
	return n, nil
}

func (m *Memory) Expire(ctx context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return ErrNotFound
	}
	entry.expiresAt = time.Now().Add(expiration)
	m.entries[key] = entry
	return nil
}
