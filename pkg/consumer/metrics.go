package consumer

import "sync"

// MetricsRecorder defines metrics hooks for event emission.
type MetricsRecorder interface {
	RecordEmit(bus string, event string, outcome string)
	SetAttachedConsumers(bus string, count int)
}

type nopMetrics struct{}

func (nopMetrics) RecordEmit(string, string, string) {}
func (nopMetrics) SetAttachedConsumers(string, int)  {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = nopMetrics{}
)

// SetMetricsRecorder sets the package-level consumer metrics recorder.
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
