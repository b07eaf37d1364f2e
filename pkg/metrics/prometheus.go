// Package metrics provides Prometheus instrumentation for the query engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RowsProcessed counts rows pushed out of each processor.
	RowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_rows_processed_total",
		Help: "Total number of rows produced by processor",
	}, []string{"processor"})

	// BlocksProcessed counts blocks pushed out of each processor.
	BlocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_blocks_processed_total",
		Help: "Total number of blocks produced by processor",
	}, []string{"processor"})

	// StepLatency tracks the duration of one sync or async step.
	StepLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isotope_step_latency_seconds",
		Help:    "Latency of one processor step in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
	}, []string{"processor", "kind"})

	// Errors counts errors by processor.
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_errors_total",
		Help: "Total number of errors by processor and kind",
	}, []string{"processor", "kind"})

	// AsyncInFlight is the number of async steps currently running.
	AsyncInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "isotope_async_steps_in_flight",
		Help: "Number of async processor steps currently running",
	})

	// QueriesFinished counts finished pipelines by outcome.
	QueriesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_pipelines_finished_total",
		Help: "Total number of executed pipelines by outcome",
	}, []string{"outcome"})

	// ExchangeMessages counts exchange messages by direction and kind.
	ExchangeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_exchange_messages_total",
		Help: "Total number of exchange messages by direction and kind",
	}, []string{"direction", "kind"})

	// ExchangeBytes counts encoded exchange payload bytes.
	ExchangeBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_exchange_bytes_total",
		Help: "Total encoded exchange payload bytes by direction",
	}, []string{"direction"})

	// CopyCommits counts COPY commits by execution mode.
	CopyCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "isotope_copy_commits_total",
		Help: "Total number of committed COPY statements by mode",
	}, []string{"mode"})

	// QueryDuration records how long queries ran by execution mode.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "isotope_query_duration_seconds",
		Help:    "Wall time of executed queries by mode",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"mode"})

	// CopyRows counts rows committed by COPY.
	CopyRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "isotope_copy_rows_total",
		Help: "Total number of rows committed by COPY",
	})
)

// ServeMetrics starts an HTTP server on the given address to serve
// Prometheus metrics at /metrics.
func ServeMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go server.ListenAndServe()
	return server
}
