// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	itemsTotal           *prometheus.CounterVec
	claimBatchSize       prometheus.Histogram
	claimLatencySeconds  prometheus.Histogram
	frontierEntriesTotal *prometheus.CounterVec
	proxyAcquireTotal    *prometheus.CounterVec
	proxyHealthScore     *prometheus.GaugeVec
	activeWorkers        prometheus.Gauge
	stepsTotal           *prometheus.CounterVec
	sweepRecoveredTotal  *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_items_total",
				Help: "Total work items by terminal disposition.",
			},
			[]string{"disposition"},
		)

		claimBatchSize = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_claim_batch_size",
				Help:    "Number of items returned per claim call.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		)

		claimLatencySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_claim_latency_seconds",
				Help:    "Latency of claim calls against the shared store.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		)

		frontierEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_frontier_entries_total",
				Help: "Frontier entries by outcome (added, duplicate, done, failed).",
			},
			[]string{"outcome"},
		)

		proxyAcquireTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_proxy_acquire_total",
				Help: "Egress acquisitions by result (hit, sticky, empty).",
			},
			[]string{"result"},
		)

		proxyHealthScore = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_proxy_health_score",
				Help: "Current health score per egress endpoint.",
			},
			[]string{"endpoint_id"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_active_workers",
				Help: "Number of workers currently processing an item.",
			},
		)

		stepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_steps_total",
				Help: "Pipeline steps by final status.",
			},
			[]string{"status"},
		)

		sweepRecoveredTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_sweep_recovered_total",
				Help: "Stale resources recovered by the background sweep.",
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveItem counts a work item reaching a terminal disposition.
func ObserveItem(disposition string) {
	itemsTotal.WithLabelValues(disposition).Inc()
}

// ObserveClaim records one claim call.
func ObserveClaim(batch int, latency time.Duration) {
	claimBatchSize.Observe(float64(batch))
	claimLatencySeconds.Observe(latency.Seconds())
}

// ObserveFrontier counts a frontier outcome.
func ObserveFrontier(outcome string) {
	frontierEntriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveProxyAcquire counts an acquire result.
func ObserveProxyAcquire(result string) {
	proxyAcquireTotal.WithLabelValues(result).Inc()
}

// SetProxyHealth publishes an endpoint's current health score.
func SetProxyHealth(endpointID string, score float64) {
	proxyHealthScore.WithLabelValues(endpointID).Set(score)
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveStep counts a step reaching a final status.
func ObserveStep(status string) {
	stepsTotal.WithLabelValues(status).Inc()
}

// ObserveSweep counts resources recovered by a background sweep.
func ObserveSweep(kind string, n int) {
	if n <= 0 {
		return
	}
	sweepRecoveredTotal.WithLabelValues(kind).Add(float64(n))
}
