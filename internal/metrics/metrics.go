// Package metrics provides Prometheus instrumentation for the deal platform.
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
			Namespace: "deals",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "deals",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransitionsTotal counts lifecycle transitions by resulting event type.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "transitions_total",
			Help:      "Total deal lifecycle transitions by event type.",
		},
		[]string{"event"},
	)

	// ClaimRacesLost counts claim attempts that lost the one-winner race.
	ClaimRacesLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deals",
		Name:      "claim_races_lost_total",
		Help:      "Total claim attempts rejected because another buyer won.",
	})

	// ChainSubmissionsTotal counts sponsored contract submissions by op and result.
	ChainSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "chain_submissions_total",
			Help:      "Total sponsored chain submissions by operation and result.",
		},
		[]string{"op", "result"},
	)

	// SweepRunsTotal counts deadline sweep invocations.
	SweepRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deals",
		Name:      "sweep_runs_total",
		Help:      "Total deadline sweep runs.",
	})

	// SweepProcessedTotal counts deals touched by the sweeper.
	SweepProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "deals",
		Name:      "sweep_processed_total",
		Help:      "Total deals processed across all sweep runs.",
	})

	// NotifyFailures counts notification delivery failures by channel.
	NotifyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "deals",
			Name:      "notify_failures_total",
			Help:      "Total notification delivery failures by channel.",
		},
		[]string{"channel"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "deals",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deals", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deals", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deals", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deals", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deals", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "deals", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// DealDuration observes time from listing to a terminal status.
	DealDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "deals",
		Name:      "deal_duration_seconds",
		Help:      "Time from deal creation to terminal status in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 172800, 604800, 1209600},
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
		ClaimRacesLost,
		ChainSubmissionsTotal,
		SweepRunsTotal,
		SweepProcessedTotal,
		NotifyFailures,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		DealDuration,
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
