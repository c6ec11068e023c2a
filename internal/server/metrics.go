// Package server — metrics.go registers the Prometheus metrics owned by the
// HTTP server and exposes helpers used by handlers and middleware.
package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// serverMetrics holds all Prometheus metrics owned by the HTTP server.
// A single instance is created in New and stored on Server so that tests can
// inject a fresh prometheus.Registry without polluting the default one.
type serverMetrics struct {
	// httpRequestsTotal counts all HTTP requests handled by the mux,
	// partitioned by method, path pattern, and status code.
	httpRequestsTotal *prometheus.CounterVec

	// httpDurationSeconds records the latency of all HTTP requests.
	httpDurationSeconds *prometheus.HistogramVec

	// ingestDocumentsTotal counts documents upserted via POST /ingest,
	// partitioned by outcome: "upserted" or "error".
	ingestDocumentsTotal *prometheus.CounterVec

	// queryRequestsTotal counts queries partitioned by strategy.
	queryRequestsTotal *prometheus.CounterVec

	// tasksClaimedTotal counts tasks handed to workers.
	tasksClaimedTotal prometheus.Counter
}

// newServerMetrics registers all server metrics against reg and returns the
// populated serverMetrics. promauto.With(reg) is used so that each call
// registers into the provided registry rather than the global default —
// this keeps unit tests hermetic.
func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	factory := promauto.With(reg)

	return &serverMetrics{
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raged",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled, partitioned by method, handler, and status code.",
		}, []string{"method", "handler", "code"}),

		httpDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "raged",
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "Latency of HTTP requests handled by the server.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "handler"}),

		ingestDocumentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raged",
			Subsystem: "ingest",
			Name:      "documents_total",
			Help:      "Total number of documents processed by POST /ingest, partitioned by outcome.",
		}, []string{"outcome"}),

		queryRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "raged",
			Subsystem: "query",
			Name:      "requests_total",
			Help:      "Total number of queries served, partitioned by strategy.",
		}, []string{"strategy"}),

		tasksClaimedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "raged",
			Subsystem: "queue",
			Name:      "tasks_claimed_total",
			Help:      "Total number of enrichment tasks claimed by workers.",
		}),
	}
}
