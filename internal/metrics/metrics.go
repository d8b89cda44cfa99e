// Package metrics exposes engine activity as Prometheus collectors. A
// Metrics value implements the pipeline and subscription observer
// interfaces and is wired in by the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

const namespace = "canopy"

// Metrics holds the engine collectors. The zero value is not usable; call
// New.
type Metrics struct {
	gatherer prometheus.Gatherer

	// commands counts executed commands.
	// Labels: type (command type), code (error code, "ok" on success)
	commands *prometheus.CounterVec

	// commandLatency measures executor time per command.
	// Labels: type
	commandLatency *prometheus.HistogramVec

	// retries counts store transactions retried after a failure.
	// Labels: type
	retries *prometheus.CounterVec

	// batches counts delivered subscription batches.
	// Labels: kind (subtree, working_copies)
	batches *prometheus.CounterVec

	// batchEvents observes the number of events per delivered batch.
	// Labels: kind
	batchEvents *prometheus.HistogramVec

	// requests counts RPC requests.
	// Labels: service, method, code (error code, "ok" on success)
	requests *prometheus.CounterVec

	// connections tracks open RPC connections.
	connections prometheus.Gauge

	subscribers prometheus.Gauge
	sweptCopies prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses a fresh private
// registry so that several engines can live in one process.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "commands_total",
			Help:      "Commands executed by type and result code",
		}, []string{"type", "code"}),
		commandLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "command_duration_seconds",
			Help:      "Command execution latency in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		}, []string{"type"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "transaction_retries_total",
			Help:      "Store transactions retried after a failure",
		}, []string{"type"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "batches_total",
			Help:      "Change batches delivered to subscribers",
		}, []string{"kind"}),
		batchEvents: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "batch_events",
			Help:      "Events per delivered change batch",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"kind"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "RPC requests by service, method and result code",
		}, []string{"service", "method", "code"}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "connections",
			Help:      "Open RPC connections",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "subscribers",
			Help:      "Live subscriptions",
		}),
		sweptCopies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "working_copy",
			Name:      "expired_total",
			Help:      "Working copies removed by the expiry sweep",
		}),
	}
}

// CommandExecuted records one finished command.
func (m *Metrics) CommandExecuted(t types.CommandType, code types.ErrorCode, d time.Duration) {
	label := string(code)
	if label == "" {
		label = "ok"
	}
	m.commands.WithLabelValues(string(t), label).Inc()
	m.commandLatency.WithLabelValues(string(t)).Observe(d.Seconds())
}

// TransactionRetried records a retried store transaction.
func (m *Metrics) TransactionRetried(t types.CommandType) {
	m.retries.WithLabelValues(string(t)).Inc()
}

// BatchDelivered records one delivered subscription batch.
func (m *Metrics) BatchDelivered(kind string, events int) {
	m.batches.WithLabelValues(kind).Inc()
	m.batchEvents.WithLabelValues(kind).Observe(float64(events))
}

// SubscribersChanged sets the live subscription gauge.
func (m *Metrics) SubscribersChanged(n int) {
	m.subscribers.Set(float64(n))
}

// CopiesExpired records working copies removed by a sweep.
func (m *Metrics) CopiesExpired(n int) {
	m.sweptCopies.Add(float64(n))
}

// RequestServed records one answered RPC request.
func (m *Metrics) RequestServed(service, method string, code types.ErrorCode) {
	label := string(code)
	if label == "" {
		label = "ok"
	}
	m.requests.WithLabelValues(service, method, label).Inc()
}

// ConnectionsChanged adds delta to the open RPC connection gauge.
func (m *Metrics) ConnectionsChanged(delta int) {
	m.connections.Add(float64(delta))
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
