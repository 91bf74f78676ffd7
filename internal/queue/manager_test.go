package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client), srv
}

func TestEnqueueDequeueOrder(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m-low", PriorityLow))
	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m-normal-1", PriorityNormal))
	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m-high", PriorityHigh))
	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m-normal-2", PriorityNormal))

	var order []string
	for {
		id, ok, err := m.Dequeue(ctx, "t1", ClassEmail)
		require.NoError(t, err)
		if !ok {
			break
		}
		order = append(order, id)
	}

	// Ascending priority, then insertion order within a priority.
	assert.Equal(t, []string{"m-high", "m-normal-1", "m-normal-2", "m-low"}, order)
}

func TestTenantIsolation(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, "tenant-a", ClassEmail, "a-1", PriorityNormal))
	require.NoError(t, m.Enqueue(ctx, "tenant-b", ClassEmail, "b-1", PriorityNormal))

	// Draining tenant-a only ever yields tenant-a's messages.
	id, ok, err := m.Dequeue(ctx, "tenant-a", ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a-1", id)

	_, ok, err = m.Dequeue(ctx, "tenant-a", ClassEmail)
	require.NoError(t, err)
	assert.False(t, ok, "tenant-a partition must be empty; b-1 must not leak")

	id, ok, err = m.Dequeue(ctx, "tenant-b", ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b-1", id)
}

func TestConcurrentDequeueNoDuplicates(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, fmt.Sprintf("m-%d", i), PriorityNormal))
	}

	seen := make(chan string, n)
	done := make(chan struct{})
	for w := 0; w < 8; w++ {
		go func() {
			for {
				id, ok, err := m.Dequeue(ctx, "t1", ClassEmail)
				if err != nil || !ok {
					done <- struct{}{}
					return
				}
				seen <- id
			}
		}()
	}
	for w := 0; w < 8; w++ {
		<-done
	}
	close(seen)

	unique := make(map[string]bool)
	total := 0
	for id := range seen {
		assert.False(t, unique[id], "message %s dequeued twice", id)
		unique[id] = true
		total++
	}
	assert.Equal(t, n, total)
}

func TestPauseResume(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m1", PriorityNormal))
	require.NoError(t, m.Pause(ctx, "t1"))

	_, ok, err := m.Dequeue(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	assert.False(t, ok, "paused tenant must not yield messages")

	stats, err := m.TenantStats(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	assert.True(t, stats.Paused)
	assert.Equal(t, int64(1), stats.Active, "pause must not discard queued work")

	require.NoError(t, m.Resume(ctx, "t1"))
	id, ok, err := m.Dequeue(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", id)
}

func TestDeferAndPromote(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.Defer(ctx, "t1", ClassEmail, "m-later", PriorityNormal, now.Add(time.Hour)))
	require.NoError(t, m.Defer(ctx, "t1", ClassEmail, "m-due", PriorityNormal, now.Add(-time.Minute)))

	promoted, err := m.PromoteDeferred(ctx, "t1", ClassEmail, now)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	id, ok, err := m.Dequeue(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m-due", id)

	_, ok, err = m.Dequeue(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	assert.False(t, ok, "not-yet-due message must stay deferred")

	stats, err := m.TenantStats(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Deferred)
}

func TestPromoteKeepsPriority(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	now := time.Now()

	// A high-priority deferred message must come back ahead of work
	// enqueued at normal priority while it waited.
	require.NoError(t, m.Defer(ctx, "t1", ClassEmail, "m-high", PriorityHigh, now.Add(-time.Minute)))
	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m-normal", PriorityNormal))

	promoted, err := m.PromoteDeferred(ctx, "t1", ClassEmail, now)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	id, ok, err := m.Dequeue(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m-high", id)
}

func TestTenantsRegistry(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m1", PriorityNormal))
	require.NoError(t, m.Defer(ctx, "t2", ClassEmail, "m2", PriorityNormal, time.Now().Add(time.Minute)))

	tenants, err := m.Tenants(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"t1", "t2"}, tenants)
}

func TestRemoveAndFlush(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, "t1", ClassEmail, "m1", PriorityNormal))
	require.NoError(t, m.Defer(ctx, "t1", ClassEmail, "m2", PriorityNormal, time.Now().Add(time.Hour)))

	require.NoError(t, m.Remove(ctx, "t1", ClassEmail, "m1"))
	stats, err := m.TenantStats(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Deferred)

	require.NoError(t, m.Flush(ctx, "t1", ClassEmail))
	stats, err = m.TenantStats(ctx, "t1", ClassEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Deferred)
}
