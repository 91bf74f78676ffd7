// Package reputation tracks per-tenant delivery outcomes over a
// sliding window and turns bounce rates into sending throttles. The
// counters live in redis day buckets; periodic snapshots are persisted
// for history.
package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fernandinhomartins40/urbansend/internal/store"
)

// Status levels in increasing severity.
const (
	StatusGood     = "good"
	StatusWarning  = "warning"
	StatusPoor     = "poor"
	StatusCritical = "critical"
)

// minSample is the number of sent messages below which a tenant is not
// rated. One bounce out of three sends is noise, not reputation.
const minSample = 20

// Config controls windowing and thresholds.
type Config struct {
	WindowDays       int
	WarningRate      float64
	PoorRate         float64
	CriticalRate     float64
	PoorThrottle     int // messages per hour
	CriticalThrottle int
}

// Report is the computed reputation of a tenant over the window.
type Report struct {
	TenantID    string    `json:"tenant_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Sent        int64     `json:"sent"`
	Delivered   int64     `json:"delivered"`
	Bounced     int64     `json:"bounced"`
	Complained  int64     `json:"complained"`
	BounceRate  float64   `json:"bounce_rate"`
	Status      string    `json:"status"`
	// Throttle is the recommended per-hour send ceiling; zero means no
	// reputation-based limit.
	Throttle int `json:"throttle"`
}

// Service maintains outcome counters and computes reputation reports.
type Service struct {
	redis  *redis.Client
	store  store.Store
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reputation service.
func NewService(client *redis.Client, s store.Store, config Config) *Service {
	if config.WindowDays == 0 {
		config.WindowDays = 7
	}
	if config.WarningRate == 0 {
		config.WarningRate = 0.02
	}
	if config.PoorRate == 0 {
		config.PoorRate = 0.05
	}
	if config.CriticalRate == 0 {
		config.CriticalRate = 0.10
	}
	if config.PoorThrottle == 0 {
		config.PoorThrottle = 50
	}
	if config.CriticalThrottle == 0 {
		config.CriticalThrottle = 10
	}
	return &Service{
		redis:  client,
		store:  s,
		config: config,
		logger: slog.Default().With("component", "reputation"),
		now:    time.Now,
	}
}

// Counter fields per day bucket.
const (
	fieldSent       = "sent"
	fieldDelivered  = "delivered"
	fieldBounced    = "bounced"
	fieldComplained = "complained"
)

// dayKey uses a hash tag so a tenant's buckets share a cluster slot.
func (s *Service) dayKey(tenantID string, day time.Time) string {
	return fmt.Sprintf("rep:{%s}:%s", tenantID, day.UTC().Format("20060102"))
}

func (s *Service) incr(ctx context.Context, tenantID, field string) error {
	key := s.dayKey(tenantID, s.now())
	pipe := s.redis.TxPipeline()
	pipe.HIncrBy(ctx, key, field, 1)
	// Buckets outlive the window by a day so a report at midnight still
	// sees the full range.
	pipe.Expire(ctx, key, time.Duration(s.config.WindowDays+1)*24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// RecordSent counts an accepted submission.
func (s *Service) RecordSent(ctx context.Context, tenantID string) error {
	return s.incr(ctx, tenantID, fieldSent)
}

// RecordDelivered counts a successful delivery.
func (s *Service) RecordDelivered(ctx context.Context, tenantID string) error {
	return s.incr(ctx, tenantID, fieldDelivered)
}

// RecordBounced counts a permanent bounce or policy block.
func (s *Service) RecordBounced(ctx context.Context, tenantID string) error {
	return s.incr(ctx, tenantID, fieldBounced)
}

// RecordComplaint counts a spam complaint.
func (s *Service) RecordComplaint(ctx context.Context, tenantID string) error {
	return s.incr(ctx, tenantID, fieldComplained)
}

// Report sums the window's day buckets and classifies the tenant.
func (s *Service) Report(ctx context.Context, tenantID string) (*Report, error) {
	end := s.now().UTC()
	start := end.AddDate(0, 0, -(s.config.WindowDays - 1))

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, s.config.WindowDays)
	for d := 0; d < s.config.WindowDays; d++ {
		day := end.AddDate(0, 0, -d)
		cmds = append(cmds, pipe.HGetAll(ctx, s.dayKey(tenantID, day)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("reading reputation counters: %w", err)
	}

	r := &Report{
		TenantID:    tenantID,
		WindowStart: start.Truncate(24 * time.Hour),
		WindowEnd:   end,
	}
	for _, cmd := range cmds {
		vals := cmd.Val()
		r.Sent += parseCount(vals[fieldSent])
		r.Delivered += parseCount(vals[fieldDelivered])
		r.Bounced += parseCount(vals[fieldBounced])
		r.Complained += parseCount(vals[fieldComplained])
	}

	if r.Sent > 0 {
		r.BounceRate = float64(r.Bounced+r.Complained) / float64(r.Sent)
	}
	r.Status, r.Throttle = s.classify(r.Sent, r.BounceRate)
	return r, nil
}

func (s *Service) classify(sent int64, rate float64) (string, int) {
	if sent < minSample {
		return StatusGood, 0
	}
	// Thresholds are exclusive: a tenant sitting exactly on a boundary
	// keeps the milder rating.
	switch {
	case rate > s.config.CriticalRate:
		return StatusCritical, s.config.CriticalThrottle
	case rate > s.config.PoorRate:
		return StatusPoor, s.config.PoorThrottle
	case rate > s.config.WarningRate:
		return StatusWarning, 0
	}
	return StatusGood, 0
}

func parseCount(v string) int64 {
	if v == "" {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// Snapshot computes a report and appends it to the durable history.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (*Report, error) {
	r, err := s.Report(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	err = s.store.AppendReputationSnapshot(ctx, &store.ReputationSnapshot{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		WindowStart: r.WindowStart,
		WindowEnd:   r.WindowEnd,
		Sent:        r.Sent,
		Delivered:   r.Delivered,
		Bounced:     r.Bounced,
		Complained:  r.Complained,
		BounceRate:  r.BounceRate,
		Status:      r.Status,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("persisting snapshot: %w", err)
	}

	if r.Status != StatusGood {
		s.logger.Warn("Tenant reputation degraded",
			"tenant_id", tenantID,
			"status", r.Status,
			"bounce_rate", r.BounceRate,
			"throttle", r.Throttle)
	}
	return r, nil
}
