package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initConsumerMetrics() {
	m.emits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_emits_total",
			Help:      "Total number of events emitted to the consumer by bus, event and outcome",
		},
		[]string{"bus", "event", "outcome"},
	)

	m.consumers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_attached",
			Help:      "Consumers currently attached to the bus",
		},
		[]string{"bus"},
	)

	m.registry.MustRegister(m.emits)
	m.registry.MustRegister(m.consumers)
}

// RecordEmit records an emission attempt.
func (m *Manager) RecordEmit(bus, event, outcome string) {
	if !m.enabled {
		return
	}
	m.emits.WithLabelValues(bus, event, outcome).Inc()
}

// SetAttachedConsumers sets the attached consumer count for a bus.
func (m *Manager) SetAttachedConsumers(bus string, count int) {
	if !m.enabled {
		return
	}
	m.consumers.WithLabelValues(bus).Set(float64(count))
}
