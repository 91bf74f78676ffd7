// Package metrics exposes Prometheus instrumentation for the delivery
// engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Singleton metrics instance
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// Metrics holds all Prometheus metrics for the delivery engine
type Metrics struct {
	// Submission metrics
	MessagesSubmitted *prometheus.CounterVec
	MessagesRejected  *prometheus.CounterVec

	// Delivery metrics
	DeliveryAttempts  prometheus.Counter
	MessagesDelivered *prometheus.CounterVec
	MessagesBounced   *prometheus.CounterVec
	MessagesDeferred  prometheus.Counter
	DeliveryDuration  prometheus.Histogram

	// Queue metrics
	QueueDepth *prometheus.GaugeVec

	// Suppression metrics
	SuppressionHits *prometheus.CounterVec

	// Reputation metrics
	ReputationStatus *prometheus.GaugeVec
	TenantThrottled  *prometheus.CounterVec

	// DKIM metrics
	SignaturesTotal  *prometheus.CounterVec
	SignatureErrors  prometheus.Counter
	FallbackSignings prometheus.Counter

	// MX cache metrics
	MXCacheHits   prometheus.Counter
	MXCacheMisses prometheus.Counter
}

// Get returns the singleton metrics instance
func Get() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	return &Metrics{
		MessagesSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "urbansend_messages_submitted_total",
			Help: "Messages accepted into the queue",
		}, []string{"tenant"}),
		MessagesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "urbansend_messages_rejected_total",
			Help: "Submissions rejected before queueing",
		}, []string{"reason"}),

		DeliveryAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "urbansend_delivery_attempts_total",
			Help: "SMTP delivery attempts",
		}),
		MessagesDelivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "urbansend_messages_delivered_total",
			Help: "Messages accepted by a remote server",
		}, []string{"tenant"}),
		MessagesBounced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "urbansend_messages_bounced_total",
			Help: "Messages that bounced, by bounce type",
		}, []string{"tenant", "type"}),
		MessagesDeferred: promauto.NewCounter(prometheus.CounterOpts{
			Name: "urbansend_messages_deferred_total",
			Help: "Delivery attempts deferred for retry",
		}),
		DeliveryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "urbansend_delivery_duration_seconds",
			Help:    "Duration of delivery attempts",
			Buckets: prometheus.DefBuckets,
		}),

		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urbansend_queue_depth",
			Help: "Messages waiting per tenant and queue",
		}, []string{"tenant", "queue"}),

		SuppressionHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "urbansend_suppression_hits_total",
			Help: "Sends skipped because the recipient is suppressed",
		}, []string{"tenant", "type"}),

		ReputationStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "urbansend_reputation_status",
			Help: "Tenant reputation level (0 good, 1 warning, 2 poor, 3 critical)",
		}, []string{"tenant"}),
		TenantThrottled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "urbansend_tenant_throttled_total",
			Help: "Sends blocked by reputation throttling",
		}, []string{"tenant"}),

		SignaturesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "urbansend_dkim_signatures_total",
			Help: "Messages signed, by signing domain kind",
		}, []string{"kind"}),
		SignatureErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "urbansend_dkim_signature_errors_total",
			Help: "Failed signing operations",
		}),
		FallbackSignings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "urbansend_dkim_fallback_signings_total",
			Help: "Messages signed with the fallback identity",
		}),

		MXCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "urbansend_mx_cache_hits_total",
			Help: "MX resolutions answered from cache",
		}),
		MXCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "urbansend_mx_cache_misses_total",
			Help: "MX resolutions requiring a DNS lookup",
		}),
	}
}

// StatusLevel maps a reputation status string to its gauge value.
func StatusLevel(status string) float64 {
	switch status {
	case "warning":
		return 1
	case "poor":
		return 2
	case "critical":
		return 3
	default:
		return 0
	}
}
