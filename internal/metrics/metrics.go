// Package metrics exposes the relay's Prometheus instrumentation.
//
// All collectors live on a private registry so tests can construct as many
// Metrics values as they like without duplicate-registration panics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the relay records into.
type Metrics struct {
	registry *prometheus.Registry

	signals          *prometheus.CounterVec
	exchangeRequests *prometheus.CounterVec
	dedupHits        prometheus.Counter
	dispatchSeconds  *prometheus.HistogramVec
}

// New builds the registry and all relay collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		signals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_signals_total",
			Help: "Webhook signals by action and dispatch outcome.",
		}, []string{"action", "outcome"}),
		exchangeRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_exchange_requests_total",
			Help: "Outbound exchange REST calls by method, path, and status code.",
		}, []string{"method", "path", "code"}),
		dedupHits: f.NewCounter(prometheus.CounterOpts{
			Name: "relay_dedup_hits_total",
			Help: "Webhook deliveries dropped by the idempotency window.",
		}),
		dispatchSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_dispatch_seconds",
			Help:    "Wall time of one dispatch, queue wait included.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"action"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSignal counts one dispatched signal.
// outcome is one of done, progressed, queued, dedup, ignored, error.
func (m *Metrics) RecordSignal(action, outcome string) {
	m.signals.WithLabelValues(action, outcome).Inc()
}

// RecordDedup counts one duplicate delivery.
func (m *Metrics) RecordDedup() {
	m.dedupHits.Inc()
}

// ObserveDispatch records how long one dispatch took.
func (m *Metrics) ObserveDispatch(action string, seconds float64) {
	m.dispatchSeconds.WithLabelValues(action).Observe(seconds)
}

// ObserveExchangeRequest counts one outbound REST call. Shaped to plug
// straight into the exchange client's request observer hook.
func (m *Metrics) ObserveExchangeRequest(method, path string, status int) {
	m.exchangeRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
