package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func (m *Manager) initAlertMetrics() {
	m.alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Total number of alert operations by channel and action",
		},
		[]string{"channel", "action"},
	)

	m.registry.MustRegister(m.alerts)
}

// RecordAlert records an alert presented, replaced, dismissed, expired or failed.
func (m *Manager) RecordAlert(channel, action string) {
	if !m.enabled {
		return
	}
	m.alerts.WithLabelValues(channel, action).Inc()
}
