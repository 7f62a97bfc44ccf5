// Package metrics provides Prometheus instrumentation for the marketplace.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "steammarket",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "steammarket",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TradeTransitionsTotal counts trade state transitions by target state.
	TradeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "steammarket",
			Name:      "trade_transitions_total",
			Help:      "Total trade state transitions by resulting state.",
		},
		[]string{"state"},
	)

	// TradeDuration observes time from trade creation to a terminal state.
	TradeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steammarket",
		Name:      "trade_duration_seconds",
		Help:      "Time from trade creation to terminal state in seconds.",
		Buckets:   []float64{30, 60, 300, 900, 1800, 3600, 14400, 43200, 86400},
	})

	// SteamCallsTotal counts outbound Steam API calls by operation and result.
	SteamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "steammarket",
			Name:      "steam_calls_total",
			Help:      "Total outbound Steam API calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// SteamRateLimitWaits observes time spent waiting on the Steam rate limiter.
	SteamRateLimitWaits = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "steammarket",
		Name:      "steam_ratelimit_wait_seconds",
		Help:      "Time spent waiting for a Steam rate-limit slot.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
	})

	// BotsReady tracks the number of bots in the ready state.
	BotsReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steammarket",
		Name:      "bots_ready",
		Help:      "Number of bots currently in the ready state.",
	})

	// LedgerEntriesTotal counts wallet ledger entries by kind.
	LedgerEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "steammarket",
			Name:      "ledger_entries_total",
			Help:      "Total wallet ledger entries by kind.",
		},
		[]string{"kind"},
	)

	// NotificationsTotal counts notifications by delivery path.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "steammarket",
			Name:      "notifications_total",
			Help:      "Total notifications by delivery path (pushed, queued).",
		},
		[]string{"path"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "steammarket",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// LedgerAuditViolations tracks conservation failures found by the last
	// ledger self-audit. Nonzero means money was created or destroyed.
	LedgerAuditViolations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steammarket",
		Name:      "ledger_audit_violations",
		Help:      "Conservation failures found by the last ledger self-audit.",
	})

	// ReconcilerRunsTotal counts reconciler ticks by outcome.
	ReconcilerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "steammarket",
			Name:      "reconciler_runs_total",
			Help:      "Total reconciler ticks by outcome.",
		},
		[]string{"outcome"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steammarket", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steammarket", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steammarket", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "steammarket", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TradeTransitionsTotal,
		TradeDuration,
		SteamCallsTotal,
		SteamRateLimitWaits,
		BotsReady,
		LedgerEntriesTotal,
		LedgerAuditViolations,
		NotificationsTotal,
		ActiveWebSocketClients,
		ReconcilerRunsTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler wrapped for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
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
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
