package keepalive

import "sync"

// MetricsRecorder defines metrics hooks for the keep-alive session.
type MetricsRecorder interface {
	RecordKeepAliveStart(outcome string)
	SetKeepAliveHeld(held bool)
	RecordResourceFailure(resource string)
}

type nopMetrics struct{}

func (nopMetrics) RecordKeepAliveStart(string)  {}
func (nopMetrics) SetKeepAliveHeld(bool)        {}
func (nopMetrics) RecordResourceFailure(string) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = nopMetrics{}
)

// SetMetricsRecorder sets the package-level keep-alive metrics recorder.
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
