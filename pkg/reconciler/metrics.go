package reconciler

import "sync"

// MetricsRecorder defines metrics hooks for reconciliation.
type MetricsRecorder interface {
	RecordDecision(kind string, state string)
	RecordAlertFailure(kind string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDecision(string, string) {}
func (nopMetrics) RecordAlertFailure(string)     {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = nopMetrics{}
)

// SetMetricsRecorder sets the package-level reconciler metrics recorder.
func SetMetricsRecorder(recorder MetricsRecorder) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if recorder == nil {
		metrics = nopMetrics{}
		return
	}
	metrics = recorder
}

func metricsRecorder() MetricsRecorder {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return metrics
}
