package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// initDeliveryMetrics initializes reconciler and pending buffer metrics.
func (m *Manager) initDeliveryMetrics() {
	m.decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_decisions_total",
			Help:      "Total number of ingested signals by kind and resulting state",
		},
		[]string{"kind", "state"},
	)

	m.alertFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_alert_failures_total",
			Help:      "Total number of alerts the renderer could not present",
		},
		[]string{"kind"},
	)

	m.pendingDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_signals",
			Help:      "Buffered signals awaiting delivery per channel (0 or 1)",
		},
		[]string{"channel"},
	)

	m.superseded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_superseded_total",
			Help:      "Total number of buffered signals replaced by a newer one",
		},
		[]string{"channel"},
	)

	m.retryFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_retry_fires_total",
			Help:      "Total number of retry timer fires by outcome",
		},
		[]string{"channel", "outcome"},
	)

	m.registry.MustRegister(m.decisions)
	m.registry.MustRegister(m.alertFailures)
	m.registry.MustRegister(m.pendingDepth)
	m.registry.MustRegister(m.superseded)
	m.registry.MustRegister(m.retryFires)
}

// RecordDecision records the state an ingested signal reached.
func (m *Manager) RecordDecision(kind, state string) {
	if !m.enabled {
		return
	}
	m.decisions.WithLabelValues(kind, state).Inc()
}

// RecordAlertFailure records a presentation failure.
func (m *Manager) RecordAlertFailure(kind string) {
	if !m.enabled {
		return
	}
	m.alertFailures.WithLabelValues(kind).Inc()
}

// SetPendingDepth sets the buffered signal count for a channel.
func (m *Manager) SetPendingDepth(channel string, depth int) {
	if !m.enabled {
		return
	}
	m.pendingDepth.WithLabelValues(channel).Set(float64(depth))
}

// RecordSuperseded records a buffered signal replaced before delivery.
func (m *Manager) RecordSuperseded(channel string) {
	if !m.enabled {
		return
	}
	m.superseded.WithLabelValues(channel).Inc()
}

// RecordRetryFire records the outcome of a retry timer fire.
func (m *Manager) RecordRetryFire(channel, outcome string) {
	if !m.enabled {
		return
	}
	m.retryFires.WithLabelValues(channel, outcome).Inc()
}
