package logging

import (
	"log/slog"
	"time"
)

// MessageLogger provides structured logging for message lifecycle events
type MessageLogger struct {
	logger *slog.Logger
}

// NewMessageLogger creates a new message logger
func NewMessageLogger(logger *slog.Logger) *MessageLogger {
	return &MessageLogger{
		logger: logger.With("component", "message-lifecycle"),
	}
}

// MessageContext contains all context about a message for logging
type MessageContext struct {
	MessageID    string
	TenantID     string
	Domain       string
	From         string
	Recipient    string
	Size         int64
	Attempt      int
	MXHost       string
	ResponseCode int
	ResponseText string
	BounceType   string
	NextRetry    time.Time
	Error        string
}

// LogAccepted logs acceptance of a submitted message into a tenant queue
func (ml *MessageLogger) LogAccepted(ctx MessageContext) {
	ml.logger.Info("message_accepted",
		"event_type", "accepted",
		"message_id", ctx.MessageID,
		"tenant_id", ctx.TenantID,
		"domain", ctx.Domain,
		"from_envelope", ctx.From,
		"to_envelope", ctx.Recipient,
		"message_size", ctx.Size,
	)
}

// LogDelivery logs a successful delivery
func (ml *MessageLogger) LogDelivery(ctx MessageContext) {
	ml.logger.Info("message_delivered",
		"event_type", "delivery",
		"message_id", ctx.MessageID,
		"tenant_id", ctx.TenantID,
		"to_envelope", ctx.Recipient,
		"mx_host", ctx.MXHost,
		"response_code", ctx.ResponseCode,
		"attempt", ctx.Attempt,
	)
}

// LogDeferral logs a temporary failure that will be retried
func (ml *MessageLogger) LogDeferral(ctx MessageContext) {
	ml.logger.Warn("message_deferred",
		"event_type", "deferral",
		"message_id", ctx.MessageID,
		"tenant_id", ctx.TenantID,
		"to_envelope", ctx.Recipient,
		"mx_host", ctx.MXHost,
		"response_code", ctx.ResponseCode,
		"response_text", Sanitize(ctx.ResponseText),
		"attempt", ctx.Attempt,
		"next_retry", ctx.NextRetry.Format(time.RFC3339),
	)
}

// LogBounce logs a terminal delivery failure
func (ml *MessageLogger) LogBounce(ctx MessageContext) {
	ml.logger.Error("message_bounced",
		"event_type", "bounce",
		"message_id", ctx.MessageID,
		"tenant_id", ctx.TenantID,
		"to_envelope", ctx.Recipient,
		"mx_host", ctx.MXHost,
		"response_code", ctx.ResponseCode,
		"response_text", Sanitize(ctx.ResponseText),
		"bounce_type", ctx.BounceType,
		"attempt", ctx.Attempt,
	)
}

// LogSuppressed logs a delivery skipped by the suppression gate
func (ml *MessageLogger) LogSuppressed(ctx MessageContext) {
	ml.logger.Info("message_suppressed",
		"event_type", "suppressed",
		"message_id", ctx.MessageID,
		"tenant_id", ctx.TenantID,
		"to_envelope", ctx.Recipient,
	)
}

// LogOwnershipViolation logs a tenant/domain ownership violation. This is
// the invariant the tenant isolation design exists to protect, so it is
// logged at error severity with a distinct event type for alerting.
func (ml *MessageLogger) LogOwnershipViolation(ctx MessageContext) {
	ml.logger.Error("tenant_ownership_violation",
		"event_type", "security",
		"message_id", ctx.MessageID,
		"tenant_id", ctx.TenantID,
		"domain", ctx.Domain,
		"error", ctx.Error,
	)
}
