// Package metrics exposes reconciliation counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "recambio"

// Metrics holds the process collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry           *prometheus.Registry
	reconcileRuns      *prometheus.CounterVec
	ordersWritten      *prometheus.CounterVec
	candidatesSkipped  prometheus.Counter
	messagesStored     *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by outcome category.",
		}, []string{"outcome"}),
		ordersWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_written_total",
			Help:      "Ledger entries touched by reconciliation, by action.",
		}, []string{"action"}),
		candidatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_skipped_total",
			Help:      "Extracted candidates dropped before the ledger write.",
		}),
		messagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_stored_total",
			Help:      "Inbound messages appended to conversation logs, by channel.",
		}, []string{"channel"}),
		extractionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Latency of extraction calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"provider", "outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.reconcileRuns,
		m.ordersWritten,
		m.candidatesSkipped,
		m.messagesStored,
		m.extractionDuration,
	)

	return m
}

// Handler serves the registry. On a nil receiver it serves 404.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ReconcileRun counts one finished run. outcome is "ok" or an error
// category.
func (m *Metrics) ReconcileRun(outcome string) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OrdersWritten(created int, updated int, unchanged int) {
	if m == nil {
		return
	}
	m.ordersWritten.WithLabelValues("created").Add(float64(created))
	m.ordersWritten.WithLabelValues("updated").Add(float64(updated))
	m.ordersWritten.WithLabelValues("unchanged").Add(float64(unchanged))
}

func (m *Metrics) CandidatesSkipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.candidatesSkipped.Add(float64(n))
}

func (m *Metrics) MessageStored(channel string) {
	if m == nil {
		return
	}
	m.messagesStored.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveExtraction(provider string, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.extractionDuration.WithLabelValues(provider, outcome).Observe(elapsed.Seconds())
}
