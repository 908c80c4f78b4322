package consumer

import (
	"context"
	"fmt"
	"sync"
)

const busLocal = "local"

// LocalBus is an in-process Bus backed by Go channels.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
	hooks       []func()
	undelivered []func([]*Event)
	bufferSize  int
	closed      bool
}

// NewLocalBus creates a LocalBus whose consumer streams hold bufferSize events.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &LocalBus{
		subscribers: make(map[string]chan *Event),
		bufferSize:  bufferSize,
	}
}

// Emit sends ev to every attached consumer whose stream has room. It fails
// with UnavailableError when no stream accepted it.
func (b *LocalBus) Emit(_ context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		metricsRecorder().RecordEmit(busLocal, ev.Name, "closed")
		return &UnavailableError{Reason: "bus closed"}
	}
	if len(b.subscribers) == 0 {
		metricsRecorder().RecordEmit(busLocal, ev.Name, "no_consumer")
		return &UnavailableError{Reason: "no consumer attached"}
	}

	accepted := 0
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
			accepted++
		default:
		}
	}
	if accepted == 0 {
		metricsRecorder().RecordEmit(busLocal, ev.Name, "stream_full")
		return &UnavailableError{Reason: "consumer stream full"}
	}
	metricsRecorder().RecordEmit(busLocal, ev.Name, "sent")
	return nil
}

// Attach registers a consumer stream.
func (b *LocalBus) Attach(_ context.Context, consumerID string) (<-chan *Event, error) {
	if consumerID == "" {
		return nil, fmt.Errorf("consumer id cannot be empty")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("consumer bus is closed")
	}
	if _, exists := b.subscribers[consumerID]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("consumer %s already attached", consumerID)
	}

	ch := make(chan *Event, b.bufferSize)
	b.subscribers[consumerID] = ch
	count := len(b.subscribers)
	hooks := append([]func(){}, b.hooks...)
	b.mu.Unlock()

	metricsRecorder().SetAttachedConsumers(busLocal, count)
	for _, fn := range hooks {
		fn()
	}
	return ch, nil
}

// Detach removes the consumer and closes its stream. Events still queued in
// the stream are reported as undelivered along with unsent.
func (b *LocalBus) Detach(consumerID string, unsent ...*Event) error {
	b.mu.Lock()
	ch, ok := b.subscribers[consumerID]
	if !ok {
		b.mu.Unlock()
		reportUndelivered(b.undeliveredHooks(), unsent)
		return nil
	}

	delete(b.subscribers, consumerID)
	left := drain(ch)
	close(ch)
	count := len(b.subscribers)
	hooks := append([]func([]*Event){}, b.undelivered...)
	b.mu.Unlock()

	metricsRecorder().SetAttachedConsumers(busLocal, count)
	reportUndelivered(hooks, append(unsent, left...))
	return nil
}

// Ready reports whether any attached consumer has room in its stream.
func (b *LocalBus) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	for _, ch := range b.subscribers {
		if len(ch) < cap(ch) {
			return true
		}
	}
	return false
}

// OnUndelivered registers fn to receive events that never reached a consumer.
// It runs outside the bus lock.
func (b *LocalBus) OnUndelivered(fn func([]*Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.undelivered = append(b.undelivered, fn)
}

func (b *LocalBus) undeliveredHooks() []func([]*Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]func([]*Event){}, b.undelivered...)
}

// OnAttach registers fn to run after every Attach, outside the bus lock.
func (b *LocalBus) OnAttach(fn func()) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// Close shuts down the bus and closes all consumer streams. Queued events are
// reported as undelivered.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	var left []*Event
	for id, ch := range b.subscribers {
		left = append(left, drain(ch)...)
		close(ch)
		delete(b.subscribers, id)
	}
	hooks := append([]func([]*Event){}, b.undelivered...)
	b.mu.Unlock()

	metricsRecorder().SetAttachedConsumers(busLocal, 0)
	reportUndelivered(hooks, left)
	return nil
}

// Healthy returns true if the bus is not closed.
func (b *LocalBus) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
