package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFactory(t *testing.T) {
	c, err := New(Config{Type: "memory"})
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Type())

	c, err = New(Config{})
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Type())

	c, err = New(Config{Type: "redis"})
	require.NoError(t, err)
	assert.Equal(t, "redis", c.Type())

	_, err = New(Config{Type: "etcd"})
	assert.Error(t, err)
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	require.NoError(t, c.Connect())

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "k", "v", 0))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Delete(ctx, "k"))
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheExpiration(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryCacheIncrement(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()

	n, err := c.Increment(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = c.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)
}

func TestRedisCache(t *testing.T) {
	srv := miniredis.RunT(t)

	c := NewRedis(Config{Type: "redis", Addr: srv.Addr()})
	require.NoError(t, c.Connect())
	defer c.Close()

	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	n, err := c.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, c.Expire(ctx, "counter", time.Minute))
	srv.FastForward(2 * time.Minute)

	_, err = c.Get(ctx, "counter")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisCacheNotConnected(t *testing.T) {
	c := NewRedis(Config{})
	_, err := c.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotConnected)
}
