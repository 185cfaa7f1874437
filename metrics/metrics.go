// Package metrics exposes Prometheus counters for workflow transitions,
// ledger reconciliation and HTTP traffic.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leave_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leave_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// approve, reject, withdraw, ... by result (ok, refused, conflict, error)
	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leave_workflow_transitions_total",
			Help: "Total number of workflow transitions attempted",
		},
		[]string{"action", "result"},
	)

	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leave_workflow_batches_total",
			Help: "Total number of batch approval runs",
		},
		[]string{"result"},
	)

	reconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leave_ledger_reconciliations_total",
			Help: "Total number of ledger reconciliations",
		},
		[]string{"mode", "result"},
	)

	reconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leave_ledger_reconcile_duration_seconds",
			Help:    "Ledger reconciliation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	reconcileQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leave_ledger_reconcile_queue_depth",
			Help: "Number of queued asynchronous reconciliations",
		},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal)
	prometheus.MustRegister(apiRequestDuration)
	prometheus.MustRegister(transitionsTotal)
	prometheus.MustRegister(batchesTotal)
	prometheus.MustRegister(reconcileTotal)
	prometheus.MustRegister(reconcileDuration)
	prometheus.MustRegister(reconcileQueueDepth)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAPIRequest records one served HTTP request.
func RecordAPIRequest(method, path string, status int, duration time.Duration) {
	statusText := http.StatusText(status)
	if statusText == "" {
		statusText = fmt.Sprintf("%d", status)
	}
	apiRequestsTotal.WithLabelValues(method, path, statusText).Inc()
	apiRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordTransition records a workflow action and how it ended.
func RecordTransition(action, result string) {
	transitionsTotal.WithLabelValues(action, result).Inc()
}

// RecordBatch records a batch run.
func RecordBatch(result string) {
	batchesTotal.WithLabelValues(result).Inc()
}

// RecordReconcile records a ledger reconciliation.
func RecordReconcile(mode, result string, duration time.Duration) {
	reconcileTotal.WithLabelValues(mode, result).Inc()
	reconcileDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// SetQueueDepth updates the async reconcile backlog gauge.
func SetQueueDepth(n int) {
	reconcileQueueDepth.Set(float64(n))
}
