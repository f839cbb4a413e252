// Package metrics provides Prometheus instrumentation for the Custodia service.
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

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "custodia",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts ledger transactions by type and status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "transactions_total",
			Help:      "Total ledger transactions recorded by type and status.",
		},
		[]string{"type", "status"},
	)

	// EscrowTransitionsTotal counts escrow status transitions.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow status transitions by target status.",
		},
		[]string{"to"},
	)

	// OrderTransitionsTotal counts order status transitions.
	OrderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "order_transitions_total",
			Help:      "Total order status transitions by target status.",
		},
		[]string{"to"},
	)

	// WebhookEventsTotal counts inbound gateway webhook events by event type and outcome.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "webhook_events_total",
			Help:      "Total inbound gateway webhook events by event type and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// WebhookSignatureFailures counts rejected webhook signatures.
	WebhookSignatureFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custodia",
		Name:      "webhook_signature_failures_total",
		Help:      "Total webhook deliveries rejected for a bad signature.",
	})

	// ReconciliationSweepsTotal counts reconciliation sweeper runs.
	ReconciliationSweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "custodia",
		Name:      "reconciliation_sweeps_total",
		Help:      "Total reconciliation sweeper runs.",
	})

	// ReconciliationRepairsTotal counts stuck transactions repaired by the sweeper.
	ReconciliationRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "reconciliation_repairs_total",
			Help:      "Total stuck pending transactions resolved by the sweeper, by outcome.",
		},
		[]string{"outcome"},
	)

	// ConservationMismatches counts escrows whose settlement sums do not match.
	ConservationMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia",
		Name:      "conservation_mismatches",
		Help:      "Settled escrows whose held amount differs from the sum of linked settlement transactions.",
	})

	// GatewayRequestsTotal counts outbound gateway calls by operation and result.
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "custodia",
			Name:      "gateway_requests_total",
			Help:      "Total outbound payment gateway requests by operation and result.",
		},
		[]string{"operation", "result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "custodia",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "custodia", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// EscrowSettlementDuration observes time from hold to terminal status.
	EscrowSettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "custodia",
		Name:      "escrow_settlement_duration_seconds",
		Help:      "Time from escrow creation to release or refund in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 21600, 86400, 259200, 604800},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		EscrowTransitionsTotal,
		OrderTransitionsTotal,
		WebhookEventsTotal,
		WebhookSignatureFailures,
		ReconciliationSweepsTotal,
		ReconciliationRepairsTotal,
		ConservationMismatches,
		GatewayRequestsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		EscrowSettlementDuration,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
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
