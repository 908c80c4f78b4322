package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initKeepAliveMetrics() {
	m.keepAliveStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_starts_total",
			Help:      "Total number of keep-alive start requests by outcome",
		},
		[]string{"outcome"},
	)

	m.keepAliveHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keepalive_held",
			Help:      "1 while the keep-alive session holds its resources",
		},
	)

	m.resourceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keepalive_resource_failures_total",
			Help:      "Total number of keep-alive resource acquisition or probe failures",
		},
		[]string{"resource"},
	)

	m.registry.MustRegister(m.keepAliveStarts)
	m.registry.MustRegister(m.keepAliveHeld)
	m.registry.MustRegister(m.resourceFailures)
}

// RecordKeepAliveStart records the outcome of a start request.
func (m *Manager) RecordKeepAliveStart(outcome string) {
	if !m.enabled {
		return
	}
	m.keepAliveStarts.WithLabelValues(outcome).Inc()
}

// SetKeepAliveHeld records whether the session is held.
func (m *Manager) SetKeepAliveHeld(held bool) {
	if !m.enabled {
		return
	}
	if held {
		m.keepAliveHeld.Set(1)
	} else {
		m.keepAliveHeld.Set(0)
	}
}

// RecordResourceFailure records a failed resource acquisition or probe.
func (m *Manager) RecordResourceFailure(resource string) {
	if !m.enabled {
		return
	}
	m.resourceFailures.WithLabelValues(resource).Inc()
}
