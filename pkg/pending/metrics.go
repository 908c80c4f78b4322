package pending

import "sync"

// MetricsRecorder defines metrics hooks for buffer operations.
type MetricsRecorder interface {
	SetPendingDepth(channel string, depth int)
	RecordSuperseded(channel string)
	RecordRetryFire(channel string, outcome string)
}

type nopMetrics struct{}

func (nopMetrics) SetPendingDepth(string, int)    {}
func (nopMetrics) RecordSuperseded(string)        {}
func (nopMetrics) RecordRetryFire(string, string) {}

var (
	metricsMu sync.RWMutex
	metrics   MetricsRecorder = nopMetrics{}
)

// SetMetricsRecorder sets the package-level buffer metrics recorder.
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

// Retry fire outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeRearmed   = "rearmed"
	OutcomeExhausted = "exhausted"
	OutcomeStale     = "stale"
)
