package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/securecall/callrelay/pkg/alert"
	"github.com/securecall/callrelay/pkg/api/middleware"
	"github.com/securecall/callrelay/pkg/consumer"
	"github.com/securecall/callrelay/pkg/keepalive"
	"github.com/securecall/callrelay/pkg/pending"
	"github.com/securecall/callrelay/pkg/reconciler"
)

var (
	_ pending.MetricsRecorder    = (*Manager)(nil)
	_ consumer.MetricsRecorder   = (*Manager)(nil)
	_ alert.MetricsRecorder      = (*Manager)(nil)
	_ reconciler.MetricsRecorder = (*Manager)(nil)
	_ keepalive.MetricsRecorder  = (*Manager)(nil)
	_ middleware.MetricsRecorder = (*Manager)(nil)
)

func TestNewManager(t *testing.T) {
	m := NewManager(DefaultConfig())
	if m == nil {
		t.Fatal("NewManager returned nil")
	}
	if !m.Enabled() {
		t.Error("Expected metrics to be enabled")
	}
	if m.Registry() == nil {
		t.Error("Expected a registry")
	}
}

func TestNewManager_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)
	if m.Enabled() {
		t.Error("Expected metrics to be disabled")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordDecision("incoming_call", "buffered")
	m.RecordAlertFailure("message")
	m.SetPendingDepth("calls", 1)
	m.RecordSuperseded("calls")
	m.RecordRetryFire("calls", "delivered")
	m.RecordEmit("local", "incomingCall", "ok")
	m.SetAttachedConsumers("local", 1)
	m.RecordAlert("calls", "presented")
	m.RecordKeepAliveStart("held")
	m.SetKeepAliveHeld(true)
	m.RecordResourceFailure("redis_presence")
	m.RecordHTTPRequest(context.Background(), "POST", "/api/v1/signals", "202", 3*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	body := w.Body.String()
	expectedMetrics := []string{
		"callrelay_delivery_decisions_total",
		"callrelay_delivery_alert_failures_total",
		"callrelay_pending_signals",
		"callrelay_pending_superseded_total",
		"callrelay_pending_retry_fires_total",
		"callrelay_consumer_emits_total",
		"callrelay_consumer_attached",
		"callrelay_alerts_total",
		"callrelay_keepalive_starts_total",
		"callrelay_keepalive_held",
		"callrelay_keepalive_resource_failures_total",
		"callrelay_http_requests_total",
		"callrelay_http_request_duration_seconds",
	}
	for _, metric := range expectedMetrics {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %s not found in output", metric)
		}
	}
}

func TestRecorderValues(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.RecordDecision("missed_call", "duplicate")
	m.RecordDecision("missed_call", "duplicate")
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("missed_call", "duplicate")); got != 2 {
		t.Errorf("expected 2 duplicate decisions, got %v", got)
	}

	m.SetPendingDepth("calls", 1)
	m.SetPendingDepth("calls", 0)
	if got := testutil.ToFloat64(m.pendingDepth.WithLabelValues("calls")); got != 0 {
		t.Errorf("expected empty calls slot, got %v", got)
	}

	m.SetKeepAliveHeld(true)
	if got := testutil.ToFloat64(m.keepAliveHeld); got != 1 {
		t.Errorf("expected held gauge 1, got %v", got)
	}
	m.SetKeepAliveHeld(false)
	if got := testutil.ToFloat64(m.keepAliveHeld); got != 0 {
		t.Errorf("expected held gauge 0, got %v", got)
	}

	m.IncActiveConnections()
	m.IncActiveConnections()
	m.DecActiveConnections()
	if got := testutil.ToFloat64(m.httpConnections); got != 1 {
		t.Errorf("expected 1 active connection, got %v", got)
	}
}

func TestMetricsHandler_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false

	m := NewManager(cfg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 when disabled, got %d", w.Code)
	}
}

func TestStartServer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 19091 // Use different port for testing

	m := NewManager(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.StartServer(ctx, cfg.Port, cfg.Path)
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:19091/metrics")
	if err != nil {
		t.Fatalf("Failed to fetch metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Server error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("server did not stop after cancel")
	}
}

func TestNoOpManager(t *testing.T) {
	m := NoOpManager()

	if m.Enabled() {
		t.Error("NoOpManager should not be enabled")
	}

	// These should not panic
	m.RecordDecision("message", "escalated")
	m.SetPendingDepth("calls", 1)
	m.RecordEmit("local", "newMessage", "ok")
	m.RecordAlert("messages", "presented")
	m.SetKeepAliveHeld(true)
	m.RecordHTTPRequest(context.Background(), "GET", "/health", "200", time.Millisecond)
	m.IncActiveConnections()
	m.DecActiveConnections()
}

func BenchmarkRecordDecision(b *testing.B) {
	m := NewManager(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordDecision("incoming_call", "delivered_direct")
	}
}

func BenchmarkRecordHTTPRequest(b *testing.B) {
	m := NewManager(DefaultConfig())
	ctx := context.Background()
	d := 5 * time.Millisecond
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordHTTPRequest(ctx, "POST", "/api/v1/signals", "202", d)
	}
}

func BenchmarkNoOpRecording(b *testing.B) {
	m := NoOpManager()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.RecordDecision("incoming_call", "buffered")
		m.RecordRetryFire("calls", "rearmed")
	}
}
