package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "calltracker"

// Metrics holds the process collectors. A nil *Metrics records nothing, so
// services can be built without telemetry in tests.
type Metrics struct {
	events      *prometheus.CounterVec
	sweeps      prometheus.Counter
	sweepClosed prometheus.Counter
	sweepFailed prometheus.Counter
	staleCalls  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Webhook events processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweeps_total",
			Help:      "Reconciliation sweeps run.",
		}),
		sweepClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_closed_total",
			Help:      "Stale calls force-closed by the reconciler.",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_failed_total",
			Help:      "Stale calls the reconciler failed to close.",
		}),
		staleCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_calls",
			Help:      "Calls still open more than two hours after start, as of the last monitor read.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.sweeps, m.sweepClosed, m.sweepFailed, m.staleCalls)
	}
	return m
}

// ObserveEvent counts one ingested event. outcome is "ok" or an error class.
func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveSweep(closed, failed int) {
	if m == nil {
		return
	}
	m.sweeps.Inc()
	m.sweepClosed.Add(float64(closed))
	m.sweepFailed.Add(float64(failed))
}

func (m *Metrics) SetStaleCalls(n int) {
	if m == nil {
		return
	}
	m.staleCalls.Set(float64(n))
}

// Handler exposes g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
