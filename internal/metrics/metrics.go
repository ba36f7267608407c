// Package metrics provides Prometheus instrumentation for the settlement service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homesettle"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// --- Escrow ---

	EscrowCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_created_total",
		Help:      "Total escrow accounts opened.",
	})

	// EscrowTransitionsTotal counts applied state transitions.
	EscrowTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_transitions_total",
		Help:      "Escrow state transitions by from-status and to-status.",
	}, []string{"from", "to"})

	// EscrowRejectedTotal counts operations refused by the state machine.
	EscrowRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_rejected_total",
		Help:      "Escrow operations rejected, by operation and reason.",
	}, []string{"operation", "reason"})

	// ReleaseAttemptsTotal counts release gate evaluations by result.
	ReleaseAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "release_attempts_total",
		Help:      "Release attempts by result (released, conditions_not_met, unauthorized, invalid).",
	}, []string{"result"})

	EscrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to a terminal status in seconds.",
		Buckets:   []float64{3600, 21600, 86400, 259200, 604800, 1209600, 2592000, 5184000},
	})

	EscrowExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_expired_total",
		Help:      "Escrows cancelled by the expiry sweeper.",
	})

	// --- Payments ---

	// PaymentInitiationsTotal counts initiation outcomes per provider.
	PaymentInitiationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_initiations_total",
		Help:      "Mobile money payment initiations by provider, type, and result.",
	}, []string{"provider", "type", "result"})

	// PaymentStatusChecksTotal counts provider status lookups.
	PaymentStatusChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_status_checks_total",
		Help:      "Provider status checks by provider and observed status.",
	}, []string{"provider", "status"})

	PaymentSettlementSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "payment_settlement_seconds",
		Help:      "Time from payment initiation to a terminal status in seconds.",
		Buckets:   []float64{1, 3, 6, 10, 20, 30, 60, 120, 300, 900},
	})

	PaymentsReconciledTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_reconciled_total",
		Help:      "Pending payments re-checked by the reconciler, by resulting status.",
	}, []string{"status"})

	// --- Notifications ---

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notifications emitted by event type and delivery result.",
	}, []string{"type", "result"})

	NotificationsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "notifications_in_flight",
		Help:      "Notifications currently being delivered.",
	})

	// --- Runtime ---

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowCreatedTotal,
		EscrowTransitionsTotal,
		EscrowRejectedTotal,
		ReleaseAttemptsTotal,
		EscrowDuration,
		EscrowExpiredTotal,
		PaymentInitiationsTotal,
		PaymentStatusChecksTotal,
		PaymentSettlementSeconds,
		PaymentsReconciledTotal,
		NotificationsTotal,
		NotificationsInFlight,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into
// gauges until ctx is done. Run it in its own goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request counts and latency by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the Prometheus exposition format.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
