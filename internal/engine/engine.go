// Package engine ties the delivery core together: submission with
// tenant ownership and rate checks, the worker pool that drains tenant
// queues, the per-attempt delivery pipeline, and bounce ingestion.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernandinhomartins40/urbansend/internal/bounce"
	"github.com/fernandinhomartins40/urbansend/internal/delivery"
	"github.com/fernandinhomartins40/urbansend/internal/dkim"
	"github.com/fernandinhomartins40/urbansend/internal/logging"
	"github.com/fernandinhomartins40/urbansend/internal/metrics"
	"github.com/fernandinhomartins40/urbansend/internal/queue"
	"github.com/fernandinhomartins40/urbansend/internal/reputation"
	"github.com/fernandinhomartins40/urbansend/internal/store"
	"github.com/fernandinhomartins40/urbansend/internal/suppression"
	"github.com/fernandinhomartins40/urbansend/internal/tenant"
)

// Submission errors.
var (
	ErrSuppressed   = errors.New("recipient is suppressed")
	ErrRateLimited  = errors.New("tenant rate limit exceeded")
	ErrBadMessageID = errors.New("invalid message id")
)

// messageIDPattern bounds caller-supplied message ids. Ids travel in
// the local part of VERP return paths, which get case-folded in
// transit and use "+" and "@" as structure, so those are excluded.
var messageIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// TenantMismatchError means a tenant tried to send from a domain it
// does not own. This is the isolation violation the design exists to
// prevent, so it gets its own type for callers to detect.
type TenantMismatchError struct {
	TenantID string
	Domain   string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("tenant %s does not own domain %s", e.TenantID, e.Domain)
}

// Config controls worker behavior and retry policy.
type Config struct {
	Workers          int
	MaxAttempts      int
	RetrySchedule    []time.Duration
	DrainInterval    time.Duration
	SnapshotInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Workers == 0 {
		c.Workers = 8
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if len(c.RetrySchedule) == 0 {
		c.RetrySchedule = []time.Duration{
			time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour, 3 * time.Hour,
		}
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = 2 * time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = time.Hour
	}
}

// Engine is the delivery core.
type Engine struct {
	config      Config
	store       store.Store
	queue       *queue.Manager
	redis       *redis.Client
	tenants     tenant.Provider
	signer      *dkim.Signer
	client      delivery.Client
	verp        *delivery.VERP
	suppression *suppression.Service
	reputation  *reputation.Service

	logger  *slog.Logger
	msgLog  *logging.MessageLogger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Deps carries the engine's collaborators.
type Deps struct {
	Store       store.Store
	Queue       *queue.Manager
	Redis       *redis.Client
	Tenants     tenant.Provider
	Signer      *dkim.Signer
	Client      delivery.Client
	VERP        *delivery.VERP
	Suppression *suppression.Service
	Reputation  *reputation.Service
}

// New creates the engine.
func New(config Config, deps Deps) *Engine {
	config.withDefaults()
	logger := slog.Default().With("component", "engine")
	return &Engine{
		config:      config,
		store:       deps.Store,
		queue:       deps.Queue,
		redis:       deps.Redis,
		tenants:     deps.Tenants,
		signer:      deps.Signer,
		client:      deps.Client,
		verp:        deps.VERP,
		suppression: deps.Suppression,
		reputation:  deps.Reputation,
		logger:      logger,
		msgLog:      logging.NewMessageLogger(slog.Default()),
		metrics:     metrics.Get(),
		now:         time.Now,
	}
}

// SubmitRequest is one message to queue for delivery.
type SubmitRequest struct {
	TenantID  string
	MessageID string // optional; assigned when empty
	From      string
	Recipient string
	Headers   map[string][]string
	Body      []byte
	Priority  queue.Priority
}

// Submit validates and queues a message. Resubmitting an id that was
// already accepted returns the existing record without queueing a
// duplicate.
func (e *Engine) Submit(ctx context.Context, req *SubmitRequest) (*store.Message, error) {
	tc, err := e.tenants.GetContext(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	domain, err := addressDomain(req.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address: %w", err)
	}
	if _, err := addressDomain(req.Recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient address: %w", err)
	}

	messageID := strings.ToLower(strings.TrimSpace(req.MessageID))
	if messageID != "" && !messageIDPattern.MatchString(messageID) {
		e.metrics.MessagesRejected.WithLabelValues("message_id").Inc()
		return nil, fmt.Errorf("%w: %q", ErrBadMessageID, req.MessageID)
	}

	if !tc.OwnsDomain(domain) {
		e.msgLog.LogOwnershipViolation(logging.MessageContext{
			MessageID: req.MessageID,
			TenantID:  req.TenantID,
			Domain:    domain,
			Error:     "sender domain not owned by tenant",
		})
		e.metrics.MessagesRejected.WithLabelValues("ownership").Inc()
		return nil, &TenantMismatchError{TenantID: req.TenantID, Domain: domain}
	}

	if entry, suppressed, err := e.suppression.IsSuppressed(ctx, req.TenantID, req.Recipient); err != nil {
		return nil, err
	} else if suppressed {
		e.metrics.MessagesRejected.WithLabelValues("suppressed").Inc()
		return nil, fmt.Errorf("%w (%s)", ErrSuppressed, entry.Type)
	}

	if err := e.checkRateLimit(ctx, tc); err != nil {
		e.metrics.MessagesRejected.WithLabelValues("rate_limit").Inc()
		return nil, err
	}

	msg := &store.Message{
		ID:        messageID,
		TenantID:  req.TenantID,
		Domain:    domain,
		From:      req.From,
		Recipient: suppression.NormalizeAddress(req.Recipient),
		Headers:   req.Headers,
		Body:      req.Body,
		Status:    store.StatusQueued,
		Priority:  int(req.Priority),
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	err = e.store.CreateMessage(ctx, msg)
	if errors.Is(err, store.ErrAlreadyExists) {
		return e.store.GetMessage(ctx, msg.ID)
	}
	if err != nil {
		return nil, err
	}

	if err := e.queue.Enqueue(ctx, req.TenantID, queue.ClassEmail, msg.ID, req.Priority); err != nil {
		return nil, fmt.Errorf("enqueueing message: %w", err)
	}

	if err := e.reputation.RecordSent(ctx, req.TenantID); err != nil {
		e.logger.Warn("Failed to record sent counter", "tenant_id", req.TenantID, "error", err)
	}
	e.metrics.MessagesSubmitted.WithLabelValues(req.TenantID).Inc()
	e.msgLog.LogAccepted(logging.MessageContext{
		MessageID: msg.ID,
		TenantID:  msg.TenantID,
		Domain:    msg.Domain,
		From:      msg.From,
		Recipient: msg.Recipient,
		Size:      int64(len(msg.Body)),
	})
	return msg, nil
}

// MessageStatus is a message record with its attempt history.
type MessageStatus struct {
	Message  *store.Message   `json:"message"`
	Attempts []*store.Attempt `json:"attempts"`
}

// Status returns the current state and attempt history of a message.
func (e *Engine) Status(ctx context.Context, messageID string) (*MessageStatus, error) {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.ListAttempts(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return &MessageStatus{Message: msg, Attempts: attempts}, nil
}

// RecordComplaint ingests a spam complaint for a recipient: the
// address is suppressed for the tenant and the complaint counts
// against its reputation.
func (e *Engine) RecordComplaint(ctx context.Context, tenantID, address, source string) error {
	if err := e.suppression.Record(ctx, tenantID, address, suppression.TypeComplaint, source); err != nil {
		return err
	}
	return e.reputation.RecordComplaint(ctx, tenantID)
}

// IngestBounce processes an asynchronous bounce addressed to a VERP
// return path. The original recipient is suppressed when the bounce is
// permanent and the tenant's reputation is charged either way.
func (e *Engine) IngestBounce(ctx context.Context, returnPath string, code int, text string) error {
	messageID, err := e.verp.ParseReturnPath(returnPath)
	if err != nil {
		return err
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}

	kind := bounce.Classify(code, text)
	if kind == bounce.None {
		kind = bounce.Hard // async DSNs without a code are treated as permanent
	}

	if err := e.store.AddAttempt(ctx, &store.Attempt{
		ID:         uuid.New().String(),
		MessageID:  msg.ID,
		Code:       code,
		Response:   "async bounce: " + text,
		BounceType: string(kind),
	}); err != nil {
		return err
	}

	if kind.Suppresses() {
		reason := fmt.Sprintf("async bounce %d %s", code, text)
		if err := e.suppression.Record(ctx, msg.TenantID, msg.Recipient, suppression.TypeBounce, reason); err != nil {
			return err
		}
	}
	if err := e.reputation.RecordBounced(ctx, msg.TenantID); err != nil {
		return err
	}

	e.metrics.MessagesBounced.WithLabelValues(msg.TenantID, string(kind)).Inc()
	e.msgLog.LogBounce(logging.MessageContext{
		MessageID:    msg.ID,
		TenantID:     msg.TenantID,
		Recipient:    msg.Recipient,
		ResponseCode: code,
		ResponseText: text,
		BounceType:   string(kind),
	})
	return nil
}

// PauseTenant stops dequeues for a tenant; queued work is preserved.
func (e *Engine) PauseTenant(ctx context.Context, tenantID string) error {
	return e.queue.Pause(ctx, tenantID)
}

// ResumeTenant re-enables dequeues for a tenant.
func (e *Engine) ResumeTenant(ctx context.Context, tenantID string) error {
	return e.queue.Resume(ctx, tenantID)
}

// checkRateLimit enforces the tenant's plan limits at submission. The
// effective hourly ceiling is lowered further by a reputation
// throttle when one is active.
func (e *Engine) checkRateLimit(ctx context.Context, tc *tenant.Context) error {
	hourly := tc.RateLimits.PerHour
	rep, err := e.reputation.Report(ctx, tc.TenantID)
	if err != nil {
		return err
	}
	if rep.Throttle > 0 && (hourly == 0 || rep.Throttle < hourly) {
		hourly = rep.Throttle
	}

	now := e.now().UTC()
	if hourly > 0 {
		key := fmt.Sprintf("rate:{%s}:h:%s", tc.TenantID, now.Format("2006010215"))
		if exceeded, err := e.bumpCounter(ctx, key, int64(hourly), 2*time.Hour); err != nil {
			return err
		} else if exceeded {
			if rep.Throttle > 0 && hourly == rep.Throttle {
				e.metrics.TenantThrottled.WithLabelValues(tc.TenantID).Inc()
			}
			return fmt.Errorf("%w: %d/hour", ErrRateLimited, hourly)
		}
	}
	if daily := tc.RateLimits.PerDay; daily > 0 {
		key := fmt.Sprintf("rate:{%s}:d:%s", tc.TenantID, now.Format("20060102"))
		if exceeded, err := e.bumpCounter(ctx, key, int64(daily), 48*time.Hour); err != nil {
			return err
		} else if exceeded {
			return fmt.Errorf("%w: %d/day", ErrRateLimited, daily)
		}
	}
	return nil
}

func (e *Engine) bumpCounter(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	pipe := e.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate counter: %w", err)
	}
	return incr.Val() > limit, nil
}

// addressDomain extracts the lowercased domain of an email address.
func addressDomain(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return "", fmt.Errorf("malformed address %q", addr)
	}
	return strings.ToLower(addr[at+1:]), nil
}

// buildRaw renders the stored headers and body as an RFC 5322 message
// ready for signing. Header order is stable so repeated attempts sign
// identical bytes.
func buildRaw(msg *store.Message) []byte {
	var b strings.Builder
	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range msg.Headers[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	raw := append([]byte(b.String()), msg.Body...)
	return raw
}
