package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const busRedis = "redis"

// RedisBus is a Bus backed by Redis Pub/Sub, for consumers attached to a
// different process than the one ingesting signals.
type RedisBus struct {
	client       redis.UniversalClient
	channel      string
	bufferSize   int
	probeTimeout time.Duration

	mu          sync.RWMutex
	subscribers map[string]*redisSubscription
	hooks       []func()
	undelivered []func([]*Event)
	closed      bool
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan *Event
	cancel context.CancelFunc
	done   chan struct{}
	// unsent holds the event forward was blocked on when it stopped.
	unsent *Event
}

// NewRedisBus creates a Redis-backed Bus publishing on channelPrefix+"events".
func NewRedisBus(client redis.UniversalClient, channelPrefix string, bufferSize int) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "callrelay:consumer:"
	}
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &RedisBus{
		client:       client,
		channel:      channelPrefix + "events",
		bufferSize:   bufferSize,
		probeTimeout: 500 * time.Millisecond,
		subscribers:  make(map[string]*redisSubscription),
	}
}

// Channel returns the Pub/Sub channel name.
func (b *RedisBus) Channel() string {
	return b.channel
}

// Emit publishes ev. Zero receivers is reported as UnavailableError.
func (b *RedisBus) Emit(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event cannot be nil")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		metricsRecorder().RecordEmit(busRedis, ev.Name, "closed")
		return &UnavailableError{Reason: "bus closed"}
	}
	b.mu.RUnlock()

	data, err := json.Marshal(ev)
	if err != nil {
		metricsRecorder().RecordEmit(busRedis, ev.Name, "marshal_failed")
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	receivers, err := b.client.Publish(ctx, b.channel, data).Result()
	if err != nil {
		metricsRecorder().RecordEmit(busRedis, ev.Name, "publish_failed")
		return &UnavailableError{Reason: fmt.Sprintf("publish failed: %v", err)}
	}
	if receivers == 0 {
		metricsRecorder().RecordEmit(busRedis, ev.Name, "no_consumer")
		return &UnavailableError{Reason: "no consumer subscribed"}
	}
	metricsRecorder().RecordEmit(busRedis, ev.Name, "sent")
	return nil
}

// Attach subscribes a local consumer to the Pub/Sub channel.
func (b *RedisBus) Attach(ctx context.Context, consumerID string) (<-chan *Event, error) {
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

	// The subscription outlives the attach request.
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pubsub := b.client.Subscribe(subCtx, b.channel)
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		_ = pubsub.Close()
		b.mu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	ch := make(chan *Event, b.bufferSize)
	sub := &redisSubscription{pubsub: pubsub, ch: ch, cancel: cancel, done: make(chan struct{})}
	b.subscribers[consumerID] = sub
	count := len(b.subscribers)
	hooks := append([]func(){}, b.hooks...)
	b.mu.Unlock()

	go b.forward(subCtx, sub)

	metricsRecorder().SetAttachedConsumers(busRedis, count)
	for _, fn := range hooks {
		fn()
	}
	return ch, nil
}

// forward copies Pub/Sub messages into the consumer stream. A full stream
// applies backpressure to the subscription rather than dropping messages.
func (b *RedisBus) forward(ctx context.Context, sub *redisSubscription) {
	defer func() {
		_ = sub.pubsub.Close()
		close(sub.done)
	}()

	redisCh := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				metricsRecorder().RecordEmit(busRedis, "unknown", "decode_failed")
				continue
			}
			select {
			case sub.ch <- &ev:
			case <-ctx.Done():
				sub.unsent = &ev
				return
			}
		}
	}
}

// stop ends the subscription and closes its stream, returning the events
// that never reached the consumer.
func (sub *redisSubscription) stop() []*Event {
	sub.cancel()
	<-sub.done
	left := drain(sub.ch)
	if sub.unsent != nil {
		left = append(left, sub.unsent)
	}
	close(sub.ch)
	return left
}

// Detach cancels the consumer's subscription and closes its stream. Events
// still queued in the stream are reported as undelivered along with unsent.
func (b *RedisBus) Detach(consumerID string, unsent ...*Event) error {
	b.mu.Lock()
	sub, ok := b.subscribers[consumerID]
	if ok {
		delete(b.subscribers, consumerID)
	}
	count := len(b.subscribers)
	hooks := append([]func([]*Event){}, b.undelivered...)
	b.mu.Unlock()

	if !ok {
		reportUndelivered(hooks, unsent)
		return nil
	}

	left := sub.stop()
	metricsRecorder().SetAttachedConsumers(busRedis, count)
	reportUndelivered(hooks, append(unsent, left...))
	return nil
}

// Ready reports whether any process has a consumer subscribed to the channel.
func (b *RedisBus) Ready() bool {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return false
	}
	local := len(b.subscribers)
	b.mu.RUnlock()

	if local > 0 {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.probeTimeout)
	defer cancel()
	counts, err := b.client.PubSubNumSub(ctx, b.channel).Result()
	if err != nil {
		return false
	}
	return counts[b.channel] > 0
}

// OnAttach registers fn to run after every local Attach.
func (b *RedisBus) OnAttach(fn func()) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
}

// OnUndelivered registers fn to receive events that reached this process
// but never a local consumer.
func (b *RedisBus) OnUndelivered(fn func([]*Event)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.undelivered = append(b.undelivered, fn)
}

// Close shuts down all subscriptions and the bus.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs = append(subs, sub)
		delete(b.subscribers, id)
	}
	hooks := append([]func([]*Event){}, b.undelivered...)
	b.mu.Unlock()

	var left []*Event
	for _, sub := range subs {
		left = append(left, sub.stop()...)
	}
	metricsRecorder().SetAttachedConsumers(busRedis, 0)
	reportUndelivered(hooks, left)
	return nil
}

// Healthy checks if the Redis connection is alive.
func (b *RedisBus) Healthy() bool {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return false
	}
	b.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.probeTimeout)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}
