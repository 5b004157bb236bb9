package muxplugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics is nil when the registry was built without WithMetrics; every
// method is safe to call on a nil receiver.
type metrics struct {
	middleware    *prometheus.CounterVec
	shortCircuits prometheus.Counter
	cleanupErrors prometheus.Counter
	registrations *prometheus.CounterVec
	inFlight      prometheus.Gauge
}

func newMetrics(namespace string, reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		middleware: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "middleware",
			Name:      "invocations_total",
			Help:      "Plugin and host middleware invocations by phase.",
		}, []string{"phase"}),
		shortCircuits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "middleware",
			Name:      "short_circuits_total",
			Help:      "Requests answered by request middleware without running the route handler.",
		}),
		cleanupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "middleware",
			Name:      "cleanup_failures_total",
			Help:      "Cleanup middleware that returned an error or panicked.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugins",
			Name:      "registrations_total",
			Help:      "Plugin registrations by outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "requests",
			Name:      "contexts_in_flight",
			Help:      "Temporary request contexts currently alive.",
		}),
	}
	for _, c := range []prometheus.Collector{m.middleware, m.shortCircuits, m.cleanupErrors, m.registrations, m.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, wrap(err, "Registry", "WithMetrics", "collector registration")
		}
	}
	return m, nil
}

func (m *metrics) invoked(phase Phase) {
	if m == nil {
		return
	}
	m.middleware.WithLabelValues(phase.String()).Inc()
}

func (m *metrics) shortCircuit() {
	if m == nil {
		return
	}
	m.shortCircuits.Inc()
}

func (m *metrics) cleanupFailed() {
	if m == nil {
		return
	}
	m.cleanupErrors.Inc()
}

func (m *metrics) registered(outcome string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

func (m *metrics) requestStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *metrics) requestFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}
