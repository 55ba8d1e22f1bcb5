package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "telecall"

// Metrics holds the Prometheus collectors of one process. Every method is
// safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	callsTotal       *prometheus.CounterVec
	activeCalls      prometheus.Gauge
	callDuration     prometheus.Histogram
	transitions      *prometheus.CounterVec
	observerFailures prometheus.Counter
	backendFallbacks prometheus.Counter
	persistedEvents  *prometheus.CounterVec
	publishDropped   prometheus.Counter
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Calls that reached a terminal status.",
		}, []string{"backend", "status"}),
		activeCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Calls currently in progress.",
		}),
		callDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Answered talk time of finished calls.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Status events broadcast to observers.",
		}, []string{"status"}),
		observerFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_failures_total",
			Help:      "Status observers that returned an error or panicked.",
		}),
		backendFallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_fallbacks_total",
			Help:      "Initializations that downgraded to the fallback backend.",
		}),
		persistedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persisted_events_total",
			Help:      "Status messages handled by the status worker.",
		}, []string{"result"}),
		publishDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_publish_dropped_total",
			Help:      "Status messages dropped because the publish buffer was full.",
		}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CallStarted marks a new call in progress.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.activeCalls.Inc()
}

// CallFinished records a terminal status and the answered talk time.
func (m *Metrics) CallFinished(backend, status string, durationSeconds int) {
	if m == nil {
		return
	}
	m.activeCalls.Dec()
	m.callsTotal.WithLabelValues(backend, status).Inc()
	if durationSeconds > 0 {
		m.callDuration.Observe(float64(durationSeconds))
	}
}

// StatusBroadcast counts one broadcast status.
func (m *Metrics) StatusBroadcast(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// ObserverFailed counts one failing observer invocation.
func (m *Metrics) ObserverFailed() {
	if m == nil {
		return
	}
	m.observerFailures.Inc()
}

// BackendFellBack counts one downgrade to the fallback backend.
func (m *Metrics) BackendFellBack() {
	if m == nil {
		return
	}
	m.backendFallbacks.Inc()
}

// EventPersisted counts one status message handled by the status worker.
func (m *Metrics) EventPersisted(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.persistedEvents.WithLabelValues(result).Inc()
}

// PublishDropped counts one status message that could not be buffered.
func (m *Metrics) PublishDropped() {
	if m == nil {
		return
	}
	m.publishDropped.Inc()
}
