// Package metrics exposes ledger activity as Prometheus instruments. All
// methods are safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/polyledger/internal/domain"
)

const namespace = "polyledger"

// Metrics holds the registry and every instrument the service records.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	fills      prometheus.Counter
	events     *prometheus.CounterVec
	published  prometheus.Counter
	pubErrors  prometheus.Counter
	snapshots  *prometheus.CounterVec
	markets    *prometheus.GaugeVec
	wsClients  prometheus.Gauge
}

// New creates the instruments on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "operations_total",
			Help: "Ledger operations by name and result kind.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "operation_seconds",
			Help:    "Ledger operation latency including the engine lock wait.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"op"}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "book", Name: "fills_total",
			Help: "Resting-order fills.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "events_total",
			Help: "Emitted ledger events by kind.",
		}, []string{"kind"}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "events_published_total",
			Help: "Events durably stored by the publisher.",
		}),
		pubErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "publisher", Name: "errors_total",
			Help: "Failed publish attempts, retries included.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "snapshot", Name: "saves_total",
			Help: "Snapshot saves by result.",
		}, []string{"result"}),
		markets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ledger", Name: "markets",
			Help: "Markets by lifecycle status.",
		}, []string{"status"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "clients",
			Help: "Connected websocket clients.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations, m.latency, m.fills, m.events,
		m.published, m.pubErrors, m.snapshots, m.markets, m.wsClients,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOp records one ledger operation. The result label is the error
// kind, "ok" on success.
func (m *Metrics) ObserveOp(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, domain.ErrorKind(err)).Inc()
	m.latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// ObserveEvents counts emitted events, fills separately.
func (m *Metrics) ObserveEvents(events []domain.Event) {
	if m == nil {
		return
	}
	for _, ev := range events {
		m.events.WithLabelValues(string(ev.Kind)).Inc()
		if ev.Kind == domain.EventOrderFilled {
			m.fills.Inc()
		}
	}
}

// Published counts durably stored events.
func (m *Metrics) Published(n int) {
	if m == nil {
		return
	}
	m.published.Add(float64(n))
}

// PublishFailed counts one failed publish attempt.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.pubErrors.Inc()
}

// SnapshotSaved records a snapshot attempt.
func (m *Metrics) SnapshotSaved(err error) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(domain.ErrorKind(err)).Inc()
}

// SetMarkets sets the market gauge for one status.
func (m *Metrics) SetMarkets(status domain.MarketStatus, n int) {
	if m == nil {
		return
	}
	m.markets.WithLabelValues(string(status)).Set(float64(n))
}

// WSClients adjusts the websocket client gauge by delta.
func (m *Metrics) WSClients(delta int) {
	if m == nil {
		return
	}
	m.wsClients.Add(float64(delta))
}
