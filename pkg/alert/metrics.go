package alert

import "sync"

// Alert actions reported to the metrics recorder.
const (
	ActionPresented = "presented"
	ActionReplaced  = "replaced"
	ActionDismissed = "dismissed"
	ActionExpired   = "expired"
	ActionFailed    = "failed"
)

// MetricsRecorder defines metrics hooks for alert presentation.
type MetricsRecorder interface {
	RecordAlert(channel string, action string)
}

type nopMetrics struct{}

func (nopMetrics) RecordAlert(string, string) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = nopMetrics{}
)

// SetMetricsRecorder sets the package-level alert metrics recorder.
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
