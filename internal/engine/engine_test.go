package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernandinhomartins40/urbansend/internal/bounce"
	"github.com/fernandinhomartins40/urbansend/internal/delivery"
	"github.com/fernandinhomartins40/urbansend/internal/dkim"
	"github.com/fernandinhomartins40/urbansend/internal/queue"
	"github.com/fernandinhomartins40/urbansend/internal/reputation"
	"github.com/fernandinhomartins40/urbansend/internal/store"
	"github.com/fernandinhomartins40/urbansend/internal/suppression"
	"github.com/fernandinhomartins40/urbansend/internal/tenant"
)

// fakeClient returns scripted delivery results keyed by recipient.
type fakeClient struct {
	mu      sync.Mutex
	results map[string]*delivery.Result
	calls   []string
}

func (f *fakeClient) Deliver(ctx context.Context, task *delivery.Task) *delivery.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task.Recipient)
	if res, ok := f.results[task.Recipient]; ok {
		return res
	}
	return &delivery.Result{Delivered: true, MXHost: "mx.example.net", Code: 250, Response: "accepted"}
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEnv struct {
	engine *Engine
	store  store.Store
	queue  *queue.Manager
	client *fakeClient
	verp   *delivery.VERP
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	s := store.NewSQL("sqlite3", ":memory:")
	require.NoError(t, s.Connect())
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	require.NoError(t, s.UpsertTenant(ctx, &store.Tenant{ID: "t1", PlanTier: "pro", PerHour: 1000, PerDay: 10000}))
	require.NoError(t, s.UpsertDomain(ctx, &store.Domain{Name: "shop.example.com", TenantID: "t1", Verified: true}))
	require.NoError(t, s.UpsertDomain(ctx, &store.Domain{Name: "new.example.com", TenantID: "t1", Verified: false}))
	require.NoError(t, s.UpsertTenant(ctx, &store.Tenant{ID: "t2", PlanTier: "free", PerHour: 2, PerDay: 5}))
	require.NoError(t, s.UpsertDomain(ctx, &store.Domain{Name: "other.example.com", TenantID: "t2", Verified: true}))

	client := &fakeClient{results: map[string]*delivery.Result{}}
	verp := &delivery.VERP{BounceDomain: "bounce.usend.example", Secret: []byte("test")}

	eng := New(Config{
		Workers:       2,
		MaxAttempts:   3,
		RetrySchedule: []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
	}, Deps{
		Store:       s,
		Queue:       queue.NewManager(rdb),
		Redis:       rdb,
		Tenants:     tenant.NewStoreProvider(s),
		Signer:      dkim.NewSigner(s, dkim.Config{Selector: "usend", FallbackDomain: "mail.usend.example", KeyBits: 1024}),
		Client:      client,
		VERP:        verp,
		Suppression: suppression.NewService(s, nil),
		Reputation:  reputation.NewService(rdb, s, reputation.Config{}),
	})

	return &testEnv{engine: eng, store: s, queue: eng.queue, client: client, verp: verp}
}

func submitReq(recipient string) *SubmitRequest {
	return &SubmitRequest{
		TenantID:  "t1",
		From:      "orders@shop.example.com",
		Recipient: recipient,
		Headers: map[string][]string{
			"From":    {"Orders <orders@shop.example.com>"},
			"To":      {recipient},
			"Subject": {"Your receipt"},
		},
		Body:     []byte("Thanks for your order.\r\n"),
		Priority: queue.PriorityHigh,
	}
}

func TestSubmitAndDeliver(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.engine.Submit(ctx, submitReq("alice@example.net"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, msg.Status)

	id, ok, err := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	env.engine.processMessage(ctx, "t1", id)

	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDelivered, status.Message.Status)
	require.Len(t, status.Attempts, 1)
	assert.Equal(t, 250, status.Attempts[0].Code)
	assert.Equal(t, 1, env.client.callCount())
}

func TestSubmitIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := submitReq("alice@example.net")
	req.MessageID = "fixed-id"
	first, err := env.engine.Submit(ctx, req)
	require.NoError(t, err)
	second, err := env.engine.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stats, err := env.queue.TenantStats(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Active, "resubmission must not enqueue a duplicate")
}

func TestSubmitNormalizesMessageID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := submitReq("alice@example.net")
	req.MessageID = "  Order-123 "
	msg, err := env.engine.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "order-123", msg.ID)

	// The accepted id must survive the bounce-address round trip so
	// async bounces can be attributed.
	id, err := env.verp.ParseReturnPath(env.verp.ReturnPath(msg.ID))
	require.NoError(t, err)
	assert.Equal(t, msg.ID, id)

	id2, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	env.engine.processMessage(ctx, "t1", id2)
	require.NoError(t, env.engine.IngestBounce(ctx, env.verp.ReturnPath(msg.ID), 550, "user unknown"))

	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, status.Attempts, 2)
}

func TestSubmitRejectsUnsafeMessageID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, id := range []string{"ref@42", "a+b", "order/123", "-leading", "has space"} {
		req := submitReq("alice@example.net")
		req.MessageID = id
		_, err := env.engine.Submit(ctx, req)
		assert.ErrorIs(t, err, ErrBadMessageID, "id=%q", id)
	}
}

func TestSubmitUnownedDomainRejected(t *testing.T) {
	env := newTestEnv(t)

	req := submitReq("alice@example.net")
	req.From = "orders@other.example.com" // owned by t2
	_, err := env.engine.Submit(context.Background(), req)

	var mismatch *TenantMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "t1", mismatch.TenantID)
	assert.Equal(t, "other.example.com", mismatch.Domain)
}

func TestSubmitUnknownTenant(t *testing.T) {
	env := newTestEnv(t)
	req := submitReq("alice@example.net")
	req.TenantID = "ghost"
	_, err := env.engine.Submit(context.Background(), req)
	assert.ErrorIs(t, err, tenant.ErrUnknownTenant)
}

func TestSubmitRateLimited(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := func(r string) *SubmitRequest {
		s := submitReq(r)
		s.TenantID = "t2"
		s.From = "news@other.example.com"
		return s
	}

	_, err := env.engine.Submit(ctx, req("a@example.net"))
	require.NoError(t, err)
	_, err = env.engine.Submit(ctx, req("b@example.net"))
	require.NoError(t, err)
	_, err = env.engine.Submit(ctx, req("c@example.net"))
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHardBounceSuppressesRecipient(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.results["gone@example.net"] = &delivery.Result{
		MXHost: "mx.example.net", Code: 550, Response: "5.1.1 User unknown", Bounce: bounce.Hard,
	}

	msg, err := env.engine.Submit(ctx, submitReq("gone@example.net"))
	require.NoError(t, err)
	id, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	env.engine.processMessage(ctx, "t1", id)

	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBouncedHard, status.Message.Status)

	// The address is now suppressed, so a new submission is rejected.
	_, err = env.engine.Submit(ctx, submitReq("gone@example.net"))
	assert.ErrorIs(t, err, ErrSuppressed)
}

func TestPolicyBlockFinalizesBlocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.results["spam@example.net"] = &delivery.Result{
		MXHost: "mx.example.net", Code: 554, Response: "blocked by policy", Bounce: bounce.Block,
	}

	msg, err := env.engine.Submit(ctx, submitReq("spam@example.net"))
	require.NoError(t, err)
	id, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	env.engine.processMessage(ctx, "t1", id)

	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, status.Message.Status)
}

func TestSoftFailureDefersWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.results["busy@example.net"] = &delivery.Result{
		MXHost: "mx.example.net", Code: 421, Response: "try again later", Bounce: bounce.Soft,
	}

	msg, err := env.engine.Submit(ctx, submitReq("busy@example.net"))
	require.NoError(t, err)
	id, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	env.engine.processMessage(ctx, "t1", id)

	got, err := env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBouncedSoft, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextAttemptAt.After(time.Now()), "next attempt must be in the future")

	stats, err := env.queue.TenantStats(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Deferred)
}

func TestRetriesExhaustedFinalizesFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.client.results["busy@example.net"] = &delivery.Result{
		MXHost: "mx.example.net", Code: 421, Response: "try again later", Bounce: bounce.Soft,
	}

	msg, err := env.engine.Submit(ctx, submitReq("busy@example.net"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		// Promote the deferred entry and run the next attempt.
		_, err := env.queue.PromoteDeferred(ctx, "t1", queue.ClassEmail, time.Now().Add(24*time.Hour))
		require.NoError(t, err)
		id, ok, err := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
		require.NoError(t, err)
		require.True(t, ok, "attempt %d", i+1)
		env.engine.processMessage(ctx, "t1", id)
	}

	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, status.Message.Status)
	assert.Len(t, status.Attempts, 3)
	assert.Contains(t, status.Message.LastError, "retries exhausted")

	// Soft-exhausted recipients are not suppressed.
	_, err = env.engine.Submit(ctx, submitReq("busy@example.net"))
	require.NoError(t, err)
}

func TestSuppressionGateBeforeDelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.engine.Submit(ctx, submitReq("late@example.net"))
	require.NoError(t, err)

	// Suppression lands after submission but before the attempt.
	require.NoError(t, env.engine.suppression.Record(ctx, "t1", "late@example.net", suppression.TypeComplaint, "fbl"))

	id, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	env.engine.processMessage(ctx, "t1", id)

	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusBlocked, status.Message.Status)
	assert.Zero(t, env.client.callCount(), "suppressed recipient must never reach the wire")
}

func TestProcessMessageIdempotentClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.engine.Submit(ctx, submitReq("alice@example.net"))
	require.NoError(t, err)
	id, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)

	env.engine.processMessage(ctx, "t1", id)
	env.engine.processMessage(ctx, "t1", id) // second claim must be a no-op

	assert.Equal(t, 1, env.client.callCount())
	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, status.Attempts, 1)
}

func TestRecoverRebuildsQueue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.engine.Submit(ctx, submitReq("alice@example.net"))
	require.NoError(t, err)

	// Simulate a redis wipe: the durable store still has the message.
	require.NoError(t, env.queue.Flush(ctx, "t1", queue.ClassEmail))
	_, ok, err := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, env.engine.Recover(ctx))

	id, ok, err := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.ID, id)
}

func TestRecoverResetsStrandedInProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.engine.Submit(ctx, submitReq("alice@example.net"))
	require.NoError(t, err)
	id, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	claimed, err := env.store.ClaimMessage(ctx, id)
	require.NoError(t, err)
	require.True(t, claimed)

	// Crash before the attempt finished; recovery requeues it.
	require.NoError(t, env.engine.Recover(ctx))

	got, err := env.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)

	rid, ok, err := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, msg.ID, rid)
}

func TestIngestBounce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.engine.Submit(ctx, submitReq("alice@example.net"))
	require.NoError(t, err)
	id, _, _ := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	env.engine.processMessage(ctx, "t1", id)

	returnPath := env.verp.ReturnPath(msg.ID)
	require.NoError(t, env.engine.IngestBounce(ctx, returnPath, 550, "user unknown"))

	// The recipient is suppressed going forward.
	_, err = env.engine.Submit(ctx, submitReq("alice@example.net"))
	assert.ErrorIs(t, err, ErrSuppressed)

	status, err := env.engine.Status(ctx, msg.ID)
	require.NoError(t, err)
	assert.Len(t, status.Attempts, 2) // delivery attempt + async bounce record
}

func TestIngestBounceRejectsForgedAddress(t *testing.T) {
	env := newTestEnv(t)
	err := env.engine.IngestBounce(context.Background(), "bounce+forged-id+000000000000@bounce.usend.example", 550, "x")
	assert.ErrorIs(t, err, delivery.ErrBadReturnPath)
}

func TestRecordComplaint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.RecordComplaint(ctx, "t1", "angry@example.net", "fbl:example"))
	_, err := env.engine.Submit(ctx, submitReq("angry@example.net"))
	assert.ErrorIs(t, err, ErrSuppressed)
}

func TestPauseResumeTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Submit(ctx, submitReq("alice@example.net"))
	require.NoError(t, err)

	require.NoError(t, env.engine.PauseTenant(ctx, "t1"))
	_, ok, err := env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, env.engine.ResumeTenant(ctx, "t1"))
	_, ok, err = env.queue.Dequeue(ctx, "t1", queue.ClassEmail)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDrainBudgetThrottlesCriticalTenant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A clean tenant gets the full batch.
	assert.Equal(t, 32, env.engine.drainBudget(ctx, "t2"))

	// Push t1 over the critical bounce rate with a meaningful sample:
	// 5 bounces out of 30 sends.
	for i := 0; i < 30; i++ {
		require.NoError(t, env.engine.reputation.RecordSent(ctx, "t1"))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, env.engine.reputation.RecordBounced(ctx, "t1"))
	}
	rep, err := env.engine.reputation.Report(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, reputation.StatusCritical, rep.Status)

	// The dequeue budget is capped at the critical throttle ceiling.
	assert.Equal(t, rep.Throttle, env.engine.drainBudget(ctx, "t1"))

	// Once the hour's throttle is spent, the budget drops to zero.
	for i := 0; i < rep.Throttle; i++ {
		env.engine.bumpDeliveryCounter(ctx, "t1")
	}
	assert.Equal(t, 0, env.engine.drainBudget(ctx, "t1"))
}

func TestBackoffFollowsSchedule(t *testing.T) {
	env := newTestEnv(t)

	for attempt, base := range []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute} {
		d := env.engine.Backoff(attempt + 1)
		assert.InDelta(t, float64(base), float64(d), float64(base)/5, "attempt %d", attempt+1)
	}
	// Beyond the schedule the last entry repeats.
	d := env.engine.Backoff(10)
	assert.InDelta(t, float64(15*time.Minute), float64(d), float64(15*time.Minute)/5)
}

func TestSubmitMalformedAddresses(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req := submitReq("alice@example.net")
	req.From = "no-at-sign"
	_, err := env.engine.Submit(ctx, req)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrSuppressed))

	req = submitReq("bad-recipient")
	_, err = env.engine.Submit(ctx, req)
	require.Error(t, err)
}
