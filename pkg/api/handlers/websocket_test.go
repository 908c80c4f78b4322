package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securecall/callrelay/pkg/consumer"
	"github.com/securecall/callrelay/pkg/logger"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func newSocketServer(t *testing.T, cfg ConsumerSocketConfig) (*ConsumerSocketHandler, *consumer.LocalBus, *httptest.Server) {
	t.Helper()
	bus := consumer.NewLocalBus(8)
	handler := NewConsumerSocketHandler(bus, logger.Nop(), cfg)
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.Close()
		server.Close()
		_ = bus.Close()
	})
	return handler, bus, server
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) consumer.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev consumer.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestConsumerSocket_RejectsNonUpgrade(t *testing.T) {
	handler := NewConsumerSocketHandler(consumer.NewLocalBus(1), logger.Nop(), ConsumerSocketConfig{})

	req := httptest.NewRequest(http.MethodGet, "/ws/consumer", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsumerSocket_AttachMakesBusReady(t *testing.T) {
	handler, bus, server := newSocketServer(t, ConsumerSocketConfig{})
	assert.False(t, bus.Ready())

	conn := dial(t, wsURL(server.URL)+"?consumer=app-1")

	hello := readEvent(t, conn)
	assert.Equal(t, EventAttached, hello.Name)
	assert.Equal(t, "app-1", hello.Data["consumerId"])
	assert.True(t, bus.Ready())
	assert.Equal(t, 1, handler.Count())

	require.NoError(t, bus.Emit(context.Background(), &consumer.Event{
		Name: consumer.EventIncomingCall,
		Data: map[string]any{"from": "alice", "isVideo": false},
	}))

	ev := readEvent(t, conn)
	assert.Equal(t, consumer.EventIncomingCall, ev.Name)
	assert.Equal(t, "alice", ev.Data["from"])
}

func TestConsumerSocket_CloseDetaches(t *testing.T) {
	handler, bus, server := newSocketServer(t, ConsumerSocketConfig{})

	conn := dial(t, wsURL(server.URL))
	readEvent(t, conn)
	require.True(t, bus.Ready())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))

	assert.Eventually(t, func() bool { return !bus.Ready() && handler.Count() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestConsumerSocket_DuplicateConsumerID(t *testing.T) {
	_, _, server := newSocketServer(t, ConsumerSocketConfig{})

	first := dial(t, wsURL(server.URL)+"?consumer=app-1")
	readEvent(t, first)

	second := dial(t, wsURL(server.URL)+"?consumer=app-1")
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestConsumerSocket_ConnectionLimit(t *testing.T) {
	_, _, server := newSocketServer(t, ConsumerSocketConfig{MaxConnections: 1})

	conn := dial(t, wsURL(server.URL))
	readEvent(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(server.URL), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConsumerSocket_BusCloseEndsStream(t *testing.T) {
	_, bus, server := newSocketServer(t, ConsumerSocketConfig{})

	conn := dial(t, wsURL(server.URL))
	readEvent(t, conn)

	require.NoError(t, bus.Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestConsumerSocket_AttachFailsOnClosedBus(t *testing.T) {
	_, bus, server := newSocketServer(t, ConsumerSocketConfig{})
	require.NoError(t, bus.Close())

	conn := dial(t, wsURL(server.URL))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestIsWebSocketOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		allowed []string
		want    bool
	}{
		{name: "no origin", origin: "", want: true},
		{name: "same host", origin: "http://relay.local", want: true},
		{name: "listed origin", origin: "https://app.example.com", allowed: []string{"https://app.example.com"}, want: true},
		{name: "wildcard", origin: "https://anything.example", allowed: []string{"*"}, want: true},
		{name: "foreign origin", origin: "https://evil.example", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://relay.local/ws/consumer", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, isWebSocketOriginAllowed(req, tt.allowed))
		})
	}
}
