package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/securecall/callrelay/pkg/consumer"
	"github.com/securecall/callrelay/pkg/logger"
)

const (
	defaultWSMaxConnections = 16
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

// EventAttached is the first frame sent on a consumer socket.
const EventAttached = "attached"

// ConsumerSocketConfig configures the consumer websocket.
type ConsumerSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
}

// ConsumerSocketHandler attaches websocket clients to the consumer bus. An
// attached socket makes the consumer ready; closing it detaches.
type ConsumerSocketHandler struct {
	bus          consumer.Bus
	log          logger.Logger
	upgrader     websocket.Upgrader
	maxConns     int
	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

// NewConsumerSocketHandler creates a consumer websocket handler.
func NewConsumerSocketHandler(bus consumer.Bus, log logger.Logger, cfg ConsumerSocketConfig) *ConsumerSocketHandler {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	h := &ConsumerSocketHandler{
		bus:          bus,
		log:          logger.OrGlobal(log).Component("consumer_socket"),
		maxConns:     cfg.MaxConnections,
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		writeTimeout: cfg.WriteTimeout,
		conns:        make(map[string]*websocket.Conn),
	}

	allowedOrigins := append([]string(nil), cfg.AllowedOrigins...)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return isWebSocketOriginAllowed(r, allowedOrigins)
		},
	}
	return h
}

// ServeHTTP upgrades the request and streams bus events to the client. The
// optional "consumer" query parameter names the consumer; a random id is used
// otherwise.
func (h *ConsumerSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if h.Count() >= h.maxConns {
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}

	consumerID := strings.TrimSpace(r.URL.Query().Get("consumer"))
	if consumerID == "" {
		consumerID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !h.register(consumerID, conn) {
		h.closeWith(conn, websocket.ClosePolicyViolation, "consumer already attached")
		return
	}

	// The stream outlives the upgrade request.
	events, err := h.bus.Attach(context.WithoutCancel(r.Context()), consumerID)
	if err != nil {
		h.unregister(consumerID)
		h.log.Warn("consumer attach failed", "consumer_id", consumerID, "error", err)
		h.closeWith(conn, websocket.CloseTryAgainLater, "consumer bus unavailable")
		return
	}
	h.log.Info("consumer attached", "consumer_id", consumerID)

	stop := make(chan struct{})
	unsent := make(chan *consumer.Event, 1)
	go func() {
		unsent <- h.writePump(consumerID, conn, events, stop)
	}()
	h.readPump(conn)

	_ = conn.Close()
	close(stop)
	lost := <-unsent

	// Whatever the socket never wrote goes back to the bus hooks.
	_ = h.bus.Detach(consumerID, lost)
	h.unregister(consumerID)
	h.log.Info("consumer detached", "consumer_id", consumerID)
}

// readPump only services control frames; consumers do not send data.
func (h *ConsumerSocketHandler) readPump(conn *websocket.Conn) {
	readDeadline := h.pingInterval + h.pongTimeout
	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("consumer socket read error", "error", err)
			}
			return
		}
	}
}

// writePump is the only writer of data frames on conn. It exits when the bus
// closes the stream or stop is closed, and returns the event it failed to
// write, if any.
func (h *ConsumerSocketHandler) writePump(consumerID string, conn *websocket.Conn, events <-chan *consumer.Event, stop <-chan struct{}) *consumer.Event {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	hello := &consumer.Event{
		Name:      EventAttached,
		Data:      map[string]any{"consumerId": consumerID},
		EmittedAt: time.Now().UTC(),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		return nil
	}

	for {
		select {
		case <-stop:
			return nil
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(h.writeTimeout),
				)
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Warn("consumer socket write failed", "consumer_id", consumerID, "event", ev.Name, "error", err)
				return ev
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return nil
			}
		}
	}
}

func (h *ConsumerSocketHandler) register(id string, conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[id]; exists {
		return false
	}
	h.conns[id] = conn
	return true
}

func (h *ConsumerSocketHandler) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

func (h *ConsumerSocketHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(h.writeTimeout),
	)
	_ = conn.Close()
}

// Count returns the number of attached sockets.
func (h *ConsumerSocketHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every attached socket. Their consumers detach as the read
// loops exit.
func (h *ConsumerSocketHandler) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
	}
}

func isWebSocketOriginAllowed(r *http.Request, allowedOrigins []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}
