package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Class partitions a tenant's work by message kind. Email is the only
// class today; the key layout leaves room for future classes.
type Class string

const (
	// ClassEmail is the outbound email message class
	ClassEmail Class = "email"
)

// Priority orders messages within a tenant partition. Lower values are
// dequeued first.
type Priority int

const (
	// PriorityCritical is for system mail that must go out first
	PriorityCritical Priority = 0
	// PriorityHigh is for transactional mail
	PriorityHigh Priority = 1
	// PriorityNormal is the default
	PriorityNormal Priority = 2
	// PriorityLow is for bulk traffic
	PriorityLow Priority = 3
)

// Stats describes the depth of one tenant's partition.
type Stats struct {
	Active   int64 `json:"active"`
	Deferred int64 `json:"deferred"`
	Paused   bool  `json:"paused"`
}

// Manager owns the tenant-partitioned queues. Every operation is keyed
// by (tenant, class); there is no cross-tenant scan anywhere, which is
// what makes the isolation invariant hold by construction. Redis holds
// only message ids and ordering; the durable store remains the source
// of truth for message state.
type Manager struct {
	client *redis.Client
	logger *slog.Logger
}

// NewManager creates a queue manager on the given redis client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{
		client: client,
		logger: slog.Default().With("component", "queue"),
	}
}

func activeKey(tenantID string, class Class) string {
	return fmt.Sprintf("queue:{%s}:%s:active", tenantID, class)
}

func deferredKey(tenantID string, class Class) string {
	return fmt.Sprintf("queue:{%s}:%s:deferred", tenantID, class)
}

func pausedKey(tenantID string) string {
	return fmt.Sprintf("queue:{%s}:paused", tenantID)
}

// prioKey holds per-message priorities for deferred entries, whose
// ZSET scores carry the ready time instead.
func prioKey(tenantID string, class Class) string {
	return fmt.Sprintf("queue:{%s}:%s:prio", tenantID, class)
}

const (
	tenantsKey = "queue:tenants"
	seqKey     = "queue:seq"
)

// score packs priority and insertion order into a single sortable
// value: ascending priority first, then arrival order on ties.
func score(priority Priority, seq int64) float64 {
	return float64(int64(priority)<<40 | seq)
}

// Enqueue adds a message id to a tenant's active partition.
func (m *Manager) Enqueue(ctx context.Context, tenantID string, class Class, messageID string, priority Priority) error {
	seq, err := m.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate queue sequence: %w", err)
	}

	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, activeKey(tenantID, class), redis.Z{Score: score(priority, seq), Member: messageID})
	pipe.SAdd(ctx, tenantsKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue message %s: %w", messageID, err)
	}

	m.logger.Debug("message enqueued",
		"message_id", messageID,
		"tenant_id", tenantID,
		"class", class,
		"priority", priority)
	return nil
}

// Defer places a message id in the tenant's deferred partition until
// readyAt, after which PromoteDeferred moves it back to active at the
// same priority.
func (m *Manager) Defer(ctx context.Context, tenantID string, class Class, messageID string, priority Priority, readyAt time.Time) error {
	pipe := m.client.TxPipeline()
	pipe.ZAdd(ctx, deferredKey(tenantID, class), redis.Z{Score: float64(readyAt.Unix()), Member: messageID})
	pipe.HSet(ctx, prioKey(tenantID, class), messageID, int(priority))
	pipe.SAdd(ctx, tenantsKey, tenantID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to defer message %s: %w", messageID, err)
	}

	m.logger.Debug("message deferred",
		"message_id", messageID,
		"tenant_id", tenantID,
		"ready_at", readyAt.Format(time.RFC3339))
	return nil
}

// Dequeue pops the next ready message id from one tenant's partition.
// ZPOPMIN is atomic, so two workers can never receive the same id. A
// paused tenant yields nothing.
func (m *Manager) Dequeue(ctx context.Context, tenantID string, class Class) (string, bool, error) {
	paused, err := m.IsPaused(ctx, tenantID)
	if err != nil {
		return "", false, err
	}
	if paused {
		return "", false, nil
	}

	members, err := m.client.ZPopMin(ctx, activeKey(tenantID, class), 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to dequeue for tenant %s: %w", tenantID, err)
	}
	if len(members) == 0 {
		return "", false, nil
	}

	id, _ := members[0].Member.(string)
	return id, true, nil
}

// PromoteDeferred moves due deferred messages back into the active
// partition. It returns the number of promoted messages.
func (m *Manager) PromoteDeferred(ctx context.Context, tenantID string, class Class, now time.Time) (int, error) {
	key := deferredKey(tenantID, class)
	due, err := m.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list due deferred messages: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	prios, err := m.client.HMGet(ctx, prioKey(tenantID, class), due...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read deferred priorities: %w", err)
	}

	for i, id := range due {
		priority := PriorityNormal
		if s, ok := prios[i].(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				priority = Priority(n)
			}
		}

		seq, err := m.client.Incr(ctx, seqKey).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate queue sequence: %w", err)
		}
		pipe := m.client.TxPipeline()
		pipe.ZRem(ctx, key, id)
		pipe.HDel(ctx, prioKey(tenantID, class), id)
		pipe.ZAdd(ctx, activeKey(tenantID, class), redis.Z{Score: score(priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to promote message %s: %w", id, err)
		}
	}

	m.logger.Debug("promoted deferred messages", "tenant_id", tenantID, "count", len(due))
	return len(due), nil
}

// Remove drops a message id from both partitions of a tenant. Used when
// a message reaches a terminal state through an out-of-band path.
func (m *Manager) Remove(ctx context.Context, tenantID string, class Class, messageID string) error {
	pipe := m.client.TxPipeline()
	pipe.ZRem(ctx, activeKey(tenantID, class), messageID)
	pipe.ZRem(ctx, deferredKey(tenantID, class), messageID)
	pipe.HDel(ctx, prioKey(tenantID, class), messageID)
	_, err := pipe.Exec(ctx)
	return err
}

// Pause stops dequeues for a tenant without discarding queued work.
func (m *Manager) Pause(ctx context.Context, tenantID string) error {
	if err := m.client.Set(ctx, pausedKey(tenantID), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to pause tenant %s: %w", tenantID, err)
	}
	m.logger.Info("tenant queue paused", "tenant_id", tenantID)
	return nil
}

// Resume re-enables dequeues for a tenant; drain picks up where it
// left off.
func (m *Manager) Resume(ctx context.Context, tenantID string) error {
	if err := m.client.Del(ctx, pausedKey(tenantID)).Err(); err != nil {
		return fmt.Errorf("failed to resume tenant %s: %w", tenantID, err)
	}
	m.logger.Info("tenant queue resumed", "tenant_id", tenantID)
	return nil
}

// IsPaused reports whether a tenant's queue is paused.
func (m *Manager) IsPaused(ctx context.Context, tenantID string) (bool, error) {
	n, err := m.client.Exists(ctx, pausedKey(tenantID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check pause flag for tenant %s: %w", tenantID, err)
	}
	return n > 0, nil
}

// Tenants returns the tenants that have had work enqueued.
func (m *Manager) Tenants(ctx context.Context) ([]string, error) {
	tenants, err := m.client.SMembers(ctx, tenantsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queue tenants: %w", err)
	}
	return tenants, nil
}

// TenantStats returns partition depth for one tenant.
func (m *Manager) TenantStats(ctx context.Context, tenantID string, class Class) (Stats, error) {
	pipe := m.client.Pipeline()
	active := pipe.ZCard(ctx, activeKey(tenantID, class))
	deferred := pipe.ZCard(ctx, deferredKey(tenantID, class))
	paused := pipe.Exists(ctx, pausedKey(tenantID))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read stats for tenant %s: %w", tenantID, err)
	}

	return Stats{
		Active:   active.Val(),
		Deferred: deferred.Val(),
		Paused:   paused.Val() > 0,
	}, nil
}

// Flush removes all queued work for a tenant. Operator action only.
func (m *Manager) Flush(ctx context.Context, tenantID string, class Class) error {
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, activeKey(tenantID, class))
	pipe.Del(ctx, deferredKey(tenantID, class))
	pipe.Del(ctx, prioKey(tenantID, class))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush queues for tenant %s: %w", tenantID, err)
	}
	m.logger.Warn("tenant queue flushed", "tenant_id", tenantID, "class", class)
	return nil
}
