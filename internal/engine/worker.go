package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fernandinhomartins40/urbansend/internal/bounce"
	"github.com/fernandinhomartins40/urbansend/internal/delivery"
	"github.com/fernandinhomartins40/urbansend/internal/dkim"
	"github.com/fernandinhomartins40/urbansend/internal/logging"
	"github.com/fernandinhomartins40/urbansend/internal/metrics"
	"github.com/fernandinhomartins40/urbansend/internal/queue"
	"github.com/fernandinhomartins40/urbansend/internal/store"
	"github.com/fernandinhomartins40/urbansend/internal/suppression"
)

type job struct {
	tenantID  string
	messageID string
}

// Run starts the worker pool and the periodic loops. It blocks until
// the context is cancelled and returns the first non-context error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	jobs := make(chan job)
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < e.config.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-jobs:
					e.processMessage(ctx, j.tenantID, j.messageID)
				}
			}
		})
	}

	g.Go(func() error { return e.drainLoop(ctx, jobs) })
	g.Go(func() error { return e.snapshotLoop(ctx) })

	e.logger.Info("Delivery engine started", "workers", e.config.Workers)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Recover restores queue state after a restart: stranded in-progress
// messages go back to queued, and the redis partitions are rebuilt
// from the store so no accepted message is lost with a flushed redis.
func (e *Engine) Recover(ctx context.Context) error {
	recovered, err := e.store.RecoverInProgress(ctx)
	if err != nil {
		return err
	}
	queued, err := e.store.ListQueued(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(recovered)+len(queued))
	rebuilt := 0
	for _, msg := range append(recovered, queued...) {
		if seen[msg.ID] {
			continue
		}
		seen[msg.ID] = true

		if msg.NextAttemptAt.After(e.now()) {
			err = e.queue.Defer(ctx, msg.TenantID, queue.ClassEmail, msg.ID, queue.Priority(msg.Priority), msg.NextAttemptAt)
		} else {
			err = e.queue.Enqueue(ctx, msg.TenantID, queue.ClassEmail, msg.ID, queue.Priority(msg.Priority))
		}
		if err != nil {
			return fmt.Errorf("rebuilding queue for %s: %w", msg.ID, err)
		}
		rebuilt++
	}

	if rebuilt > 0 {
		e.logger.Info("Queue state recovered",
			"stranded_in_progress", len(recovered),
			"rebuilt", rebuilt)
	}
	return nil
}

// drainLoop walks tenants round-robin, promotes due deferred messages,
// and feeds ready work to the workers. Walking per tenant rather than
// per message is what keeps one tenant's backlog from starving the
// rest.
func (e *Engine) drainLoop(ctx context.Context, jobs chan<- job) error {
	ticker := time.NewTicker(e.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		tenants, err := e.queue.Tenants(ctx)
		if err != nil {
			e.logger.Error("Failed to list queue tenants", "error", err)
			continue
		}

		for _, tenantID := range tenants {
			if _, err := e.queue.PromoteDeferred(ctx, tenantID, queue.ClassEmail, e.now()); err != nil {
				e.logger.Error("Failed to promote deferred messages", "tenant_id", tenantID, "error", err)
				continue
			}

			budget := e.drainBudget(ctx, tenantID)
			for n := 0; n < budget; n++ {
				messageID, ok, err := e.queue.Dequeue(ctx, tenantID, queue.ClassEmail)
				if err != nil {
					e.logger.Error("Dequeue failed", "tenant_id", tenantID, "error", err)
					break
				}
				if !ok {
					break
				}
				select {
				case <-ctx.Done():
					// Put it back at its stored priority; the claim has
					// not happened yet.
					rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					priority := queue.PriorityNormal
					if msg, err := e.store.GetMessage(rctx, messageID); err == nil {
						priority = queue.Priority(msg.Priority)
					}
					_ = e.queue.Enqueue(rctx, tenantID, queue.ClassEmail, messageID, priority)
					cancel()
					return nil
				case jobs <- job{tenantID: tenantID, messageID: messageID}:
				}
			}

			e.publishQueueDepth(ctx, tenantID)
		}
	}
}

// drainBudget limits how many messages one tenant hands to the workers
// per pass. Healthy tenants get a full batch; throttled tenants are
// capped by their reputation ceiling spread over the hour.
func (e *Engine) drainBudget(ctx context.Context, tenantID string) int {
	const batch = 32

	rep, err := e.reputation.Report(ctx, tenantID)
	if err != nil {
		e.logger.Warn("Reputation lookup failed, using full batch", "tenant_id", tenantID, "error", err)
		return batch
	}
	if rep.Throttle == 0 {
		return batch
	}

	key := fmt.Sprintf("deliv:{%s}:h:%s", tenantID, e.now().UTC().Format("2006010215"))
	used, err := e.redis.Get(ctx, key).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		e.logger.Warn("Throttle counter read failed", "tenant_id", tenantID, "error", err)
		return 0
	}
	remaining := int64(rep.Throttle) - used
	if remaining <= 0 {
		e.metrics.TenantThrottled.WithLabelValues(tenantID).Inc()
		return 0
	}
	if remaining > batch {
		return batch
	}
	return int(remaining)
}

// processMessage runs the delivery pipeline for one dequeued message.
func (e *Engine) processMessage(ctx context.Context, tenantID, messageID string) {
	claimed, err := e.store.ClaimMessage(ctx, messageID)
	if err != nil {
		e.logger.Error("Claim failed", "message_id", messageID, "error", err)
		return
	}
	if !claimed {
		// Another worker owns it, or it reached a terminal state.
		return
	}

	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		e.logger.Error("Claimed message vanished", "message_id", messageID, "error", err)
		return
	}
	if msg.TenantID != tenantID {
		// A message id surfacing in another tenant's partition means
		// corrupted queue state; refuse to deliver it.
		e.msgLog.LogOwnershipViolation(logging.MessageContext{
			MessageID: messageID,
			TenantID:  tenantID,
			Domain:    msg.Domain,
			Error:     "message dequeued from foreign tenant partition",
		})
		_ = e.store.FinalizeMessage(ctx, messageID, store.StatusFailed, "tenant partition mismatch")
		return
	}

	if entry, suppressed, err := e.suppression.IsSuppressed(ctx, msg.TenantID, msg.Recipient); err != nil {
		e.deferMessage(ctx, msg, 0, "suppression check: "+err.Error())
		return
	} else if suppressed {
		// Suppression can land between submission and delivery; the
		// gate here is what guarantees no suppressed address is ever
		// attempted.
		e.metrics.SuppressionHits.WithLabelValues(msg.TenantID, entry.Type).Inc()
		e.msgLog.LogSuppressed(logging.MessageContext{
			MessageID: msg.ID,
			TenantID:  msg.TenantID,
			Recipient: msg.Recipient,
		})
		_ = e.store.FinalizeMessage(ctx, msg.ID, store.StatusBlocked, "recipient suppressed: "+entry.Type)
		return
	}

	tc, err := e.tenants.GetContext(ctx, msg.TenantID)
	if err != nil {
		e.deferMessage(ctx, msg, 0, "tenant lookup: "+err.Error())
		return
	}

	signed, sigRes, err := e.signer.Sign(ctx, msg.Domain, tc.DomainVerified(msg.Domain), buildRaw(msg))
	if err != nil {
		var sigErr *dkim.SigningError
		if errors.As(err, &sigErr) {
			e.metrics.SignatureErrors.Inc()
		}
		e.deferMessage(ctx, msg, 0, "signing: "+err.Error())
		return
	}
	if sigRes.Fallback {
		e.metrics.FallbackSignings.Inc()
		e.metrics.SignaturesTotal.WithLabelValues("fallback").Inc()
	} else {
		e.metrics.SignaturesTotal.WithLabelValues("domain").Inc()
	}

	recipientDomain, err := addressDomain(msg.Recipient)
	if err != nil {
		_ = e.store.FinalizeMessage(ctx, msg.ID, store.StatusFailed, "malformed recipient: "+err.Error())
		return
	}

	start := e.now()
	e.metrics.DeliveryAttempts.Inc()
	res := e.client.Deliver(ctx, &delivery.Task{
		MessageID:  msg.ID,
		Domain:     recipientDomain,
		ReturnPath: e.verp.ReturnPath(msg.ID),
		Recipient:  msg.Recipient,
		Data:       signed,
	})
	e.metrics.DeliveryDuration.Observe(e.now().Sub(start).Seconds())
	e.bumpDeliveryCounter(ctx, msg.TenantID)

	attempt := msg.Attempts + 1
	_ = e.store.AddAttempt(ctx, &store.Attempt{
		ID:         uuid.New().String(),
		MessageID:  msg.ID,
		MXHost:     res.MXHost,
		Code:       res.Code,
		Response:   res.Response,
		BounceType: string(res.Bounce),
	})

	e.settleAttempt(ctx, msg, attempt, res)
}

// settleAttempt applies the outcome of one delivery attempt to the
// message lifecycle.
func (e *Engine) settleAttempt(ctx context.Context, msg *store.Message, attempt int, res *delivery.Result) {
	logCtx := logging.MessageContext{
		MessageID:    msg.ID,
		TenantID:     msg.TenantID,
		Recipient:    msg.Recipient,
		MXHost:       res.MXHost,
		ResponseCode: res.Code,
		ResponseText: res.Response,
		BounceType:   string(res.Bounce),
		Attempt:      attempt,
	}

	switch {
	case res.Delivered:
		if err := e.store.FinalizeMessage(ctx, msg.ID, store.StatusDelivered, ""); err != nil {
			e.logger.Error("Failed to finalize delivered message", "message_id", msg.ID, "error", err)
			return
		}
		if err := e.reputation.RecordDelivered(ctx, msg.TenantID); err != nil {
			e.logger.Warn("Failed to record delivery counter", "tenant_id", msg.TenantID, "error", err)
		}
		e.metrics.MessagesDelivered.WithLabelValues(msg.TenantID).Inc()
		e.msgLog.LogDelivery(logCtx)

	case res.Bounce == bounce.Hard:
		e.finalizeBounce(ctx, msg, store.StatusBouncedHard, res, logCtx)

	case res.Bounce == bounce.Block:
		e.finalizeBounce(ctx, msg, store.StatusBlocked, res, logCtx)

	default: // soft
		if attempt >= e.config.MaxAttempts {
			reason := fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, res.Response)
			if err := e.store.FinalizeMessage(ctx, msg.ID, store.StatusFailed, reason); err != nil {
				e.logger.Error("Failed to finalize exhausted message", "message_id", msg.ID, "error", err)
				return
			}
			if err := e.reputation.RecordBounced(ctx, msg.TenantID); err != nil {
				e.logger.Warn("Failed to record bounce counter", "tenant_id", msg.TenantID, "error", err)
			}
			e.metrics.MessagesBounced.WithLabelValues(msg.TenantID, "soft").Inc()
			e.msgLog.LogBounce(logCtx)
			return
		}
		e.deferMessage(ctx, msg, attempt, res.Response)
	}
}

func (e *Engine) finalizeBounce(ctx context.Context, msg *store.Message, status store.MessageStatus, res *delivery.Result, logCtx logging.MessageContext) {
	reason := fmt.Sprintf("%d %s", res.Code, res.Response)
	if err := e.store.FinalizeMessage(ctx, msg.ID, status, reason); err != nil {
		e.logger.Error("Failed to finalize bounced message", "message_id", msg.ID, "error", err)
		return
	}
	if err := e.suppression.Record(ctx, msg.TenantID, msg.Recipient, suppression.TypeBounce, reason); err != nil {
		e.logger.Error("Failed to suppress bounced recipient", "message_id", msg.ID, "error", err)
	}
	if err := e.reputation.RecordBounced(ctx, msg.TenantID); err != nil {
		e.logger.Warn("Failed to record bounce counter", "tenant_id", msg.TenantID, "error", err)
	}
	e.metrics.MessagesBounced.WithLabelValues(msg.TenantID, string(res.Bounce)).Inc()
	e.msgLog.LogBounce(logCtx)
}

// deferMessage schedules the next attempt. The attempt argument is the
// number of attempts already made; zero means the failure happened
// before delivery was tried, which reschedules without burning an
// attempt. A deferral after a real attempt records the transient
// bounced_soft state.
func (e *Engine) deferMessage(ctx context.Context, msg *store.Message, attempt int, reason string) {
	backoff := e.Backoff(attempt)
	next := e.now().Add(backoff)

	attempts := attempt
	status := store.StatusBouncedSoft
	if attempts == 0 {
		attempts = msg.Attempts
		status = store.StatusQueued
	}
	if err := e.store.ReleaseForRetry(ctx, msg.ID, status, attempts, next, reason); err != nil {
		e.logger.Error("Failed to release message for retry", "message_id", msg.ID, "error", err)
		return
	}
	if err := e.queue.Defer(ctx, msg.TenantID, queue.ClassEmail, msg.ID, queue.Priority(msg.Priority), next); err != nil {
		e.logger.Error("Failed to defer message", "message_id", msg.ID, "error", err)
		return
	}

	e.metrics.MessagesDeferred.Inc()
	e.msgLog.LogDeferral(logging.MessageContext{
		MessageID:    msg.ID,
		TenantID:     msg.TenantID,
		Recipient:    msg.Recipient,
		ResponseText: reason,
		Attempt:      attempt,
		NextRetry:    next,
	})
}

// Backoff returns the delay before the next attempt, with jitter so a
// burst deferred together does not retry together. Attempts beyond the
// schedule reuse its last entry.
func (e *Engine) Backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(e.config.RetrySchedule) {
		idx = len(e.config.RetrySchedule) - 1
	}
	base := e.config.RetrySchedule[idx]
	jitter := time.Duration(rand.Int63n(int64(base)/5+1)) - base/10
	return base + jitter
}

// snapshotLoop periodically persists reputation snapshots for every
// tenant with queue activity and refreshes the reputation gauges.
func (e *Engine) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		tenants, err := e.queue.Tenants(ctx)
		if err != nil {
			e.logger.Error("Failed to list tenants for snapshots", "error", err)
			continue
		}
		for _, tenantID := range tenants {
			rep, err := e.reputation.Snapshot(ctx, tenantID)
			if err != nil {
				e.logger.Error("Reputation snapshot failed", "tenant_id", tenantID, "error", err)
				continue
			}
			e.metrics.ReputationStatus.WithLabelValues(tenantID).Set(metrics.StatusLevel(rep.Status))
		}
	}
}

func (e *Engine) bumpDeliveryCounter(ctx context.Context, tenantID string) {
	key := fmt.Sprintf("deliv:{%s}:h:%s", tenantID, e.now().UTC().Format("2006010215"))
	pipe := e.redis.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Warn("Delivery counter update failed", "tenant_id", tenantID, "error", err)
	}
}

// publishQueueDepth refreshes the per-tenant queue gauges.
func (e *Engine) publishQueueDepth(ctx context.Context, tenantID string) {
	stats, err := e.queue.TenantStats(ctx, tenantID, queue.ClassEmail)
	if err != nil {
		return
	}
	e.metrics.QueueDepth.WithLabelValues(tenantID, "active").Set(float64(stats.Active))
	e.metrics.QueueDepth.WithLabelValues(tenantID, "deferred").Set(float64(stats.Deferred))
}
