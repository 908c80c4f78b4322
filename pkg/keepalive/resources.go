package keepalive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/securecall/callrelay/pkg/logger"
)

// RedisPresence advertises that this relay is reachable by holding a key with
// a TTL equal to the session lifetime.
type RedisPresence struct {
	client redis.Cmdable
	key    string
	value  string
}

// NewRedisPresence creates a RedisPresence resource.
func NewRedisPresence(client redis.Cmdable, key, value string) *RedisPresence {
	if key == "" {
		key = "callrelay:presence"
	}
	return &RedisPresence{client: client, key: key, value: value}
}

// Name implements Resource.
func (p *RedisPresence) Name() string { return "redis_presence" }

// Acquire sets the presence key with ttl.
func (p *RedisPresence) Acquire(ctx context.Context, ttl time.Duration) error {
	if err := p.client.Set(ctx, p.key, p.value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", p.key, err)
	}
	return nil
}

// Release deletes the presence key.
func (p *RedisPresence) Release(ctx context.Context) error {
	if err := p.client.Del(ctx, p.key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", p.key, err)
	}
	return nil
}

// ProbeFunc checks that the delivery path is still reachable.
type ProbeFunc func(ctx context.Context) error

// Heartbeat periodically probes the delivery path while held. The loop stops
// on Release or once ttl has elapsed, whichever comes first.
type Heartbeat struct {
	probe    ProbeFunc
	interval time.Duration
	clock    clockwork.Clock
	logger   logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a Heartbeat resource.
func NewHeartbeat(probe ProbeFunc, interval time.Duration, clock clockwork.Clock, l logger.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Heartbeat{
		probe:    probe,
		interval: interval,
		clock:    clock,
		logger:   logger.OrGlobal(l).Component("keepalive.heartbeat"),
	}
}

// Name implements Resource.
func (h *Heartbeat) Name() string { return "heartbeat" }

// Acquire probes once and then starts the heartbeat loop.
func (h *Heartbeat) Acquire(ctx context.Context, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		select {
		case <-h.done:
			// Previous loop ran out its lifetime.
			h.cancel()
			h.cancel, h.done = nil, nil
		default:
			return nil
		}
	}
	if err := h.probe(ctx); err != nil {
		return fmt.Errorf("initial probe failed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.loop(loopCtx, ttl, h.done)
	return nil
}

// Release stops the heartbeat loop and waits for it to exit.
func (h *Heartbeat) Release(ctx context.Context) error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel, h.done = nil, nil
	h.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Heartbeat) loop(ctx context.Context, ttl time.Duration, done chan struct{}) {
	defer close(done)

	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()
	deadline := h.clock.After(ttl)

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			h.logger.Debug("heartbeat reached its lifetime")
			return
		case <-ticker.Chan():
			probeCtx, cancel := context.WithTimeout(ctx, h.interval)
			err := h.probe(probeCtx)
			cancel()
			if err != nil {
				metricsRecorder().RecordResourceFailure(h.Name())
				h.logger.Warn("heartbeat probe failed", "error", err)
			}
		}
	}
}
