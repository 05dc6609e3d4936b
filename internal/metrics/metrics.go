// Package metrics exposes Prometheus collectors for the audit orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	dispatchTotal              *prometheus.CounterVec
	dispatchDurationSeconds    prometheus.Histogram
	dispatchDelaySeconds       prometheus.Histogram
	rateLimitWaitSeconds       prometheus.Histogram
	activeDispatchRuns         prometheus.Gauge
	batchesTotal               *prometheus.CounterVec
	jobTransitionsTotal        *prometheus.CounterVec
	pollRunsTotal              *prometheus.CounterVec
	pollSnapshotsTotal         prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		dispatchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_dispatch_total",
				Help: "Dispatch units handed to the audit worker, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		dispatchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditor_dispatch_duration_seconds",
				Help:    "Latency of individual worker submissions.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		)

		dispatchDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditor_dispatch_delay_seconds",
				Help:    "Randomized pacing delay inserted between dispatches.",
				Buckets: []float64{0.5, 1, 2, 3, 4, 5, 10},
			},
		)

		rateLimitWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "auditor_rate_limit_wait_seconds",
				Help:    "Time spent waiting on the account-level dispatch ceiling.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		activeDispatchRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "auditor_active_dispatch_runs",
				Help: "Number of batches currently being dispatched.",
			},
		)

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_batches_total",
				Help: "Trigger calls, labeled by result (queued, failed, empty, error).",
			},
			[]string{"result"},
		)

		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_job_transitions_total",
				Help: "Job status updates applied, labeled by target status.",
			},
			[]string{"status"},
		)

		pollRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auditor_poll_runs_total",
				Help: "Progress poll runs, labeled by how they ended.",
			},
			[]string{"outcome"},
		)

		pollSnapshotsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "auditor_poll_snapshots_total",
				Help: "Progress snapshots emitted by pollers.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch records one worker submission.
func ObserveDispatch(outcome string, duration time.Duration) {
	Init()
	dispatchTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		dispatchDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveDispatchDelay records a pacing delay.
func ObserveDispatchDelay(delay time.Duration) {
	Init()
	dispatchDelaySeconds.Observe(delay.Seconds())
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(duration time.Duration) {
	Init()
	rateLimitWaitSeconds.Observe(duration.Seconds())
}

// IncActiveDispatchRuns increments the active dispatch gauge.
func IncActiveDispatchRuns() {
	Init()
	activeDispatchRuns.Inc()
}

// DecActiveDispatchRuns decrements the active dispatch gauge.
func DecActiveDispatchRuns() {
	Init()
	activeDispatchRuns.Dec()
}

// ObserveBatch increments the batch counter for the given result.
func ObserveBatch(result string) {
	Init()
	batchesTotal.WithLabelValues(result).Inc()
}

// ObserveJobTransition counts an applied job status update.
func ObserveJobTransition(status string) {
	Init()
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// ObservePollSnapshot counts one emitted progress snapshot.
func ObservePollSnapshot() {
	Init()
	pollSnapshotsTotal.Inc()
}

// ObservePollRun counts a finished poll run.
func ObservePollRun(outcome string) {
	Init()
	pollRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
