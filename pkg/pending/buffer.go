// Package pending holds signals that could not be delivered because the
// consumer was not ready, and owns their retry timers.
//
// The buffer keeps at most one entry per channel. Each channel is a single
// logical actor guarded by its own mutex; channels never block each other.
package pending

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/signal"
)

// Entry is a snapshot of a buffered signal.
type Entry struct {
	Signal      *signal.Signal
	Key         signal.DedupKey
	Attempts    int
	NextRetryAt time.Time
	MaxAttempts int
}

// RetryHandler is invoked when a retry timer fires for the current entry.
//
// Both methods run while the channel is locked and must not call back into the
// Buffer.
type RetryHandler interface {
	// Redeliver attempts delivery and reports whether it succeeded.
	Redeliver(entry *Entry) bool
	// Exhausted is called once the entry has been removed after its last attempt.
	Exhausted(entry *Entry, err *RetryExhaustedError)
}

// Options configures a Buffer.
type Options struct {
	Policy      RetryPolicy
	DedupWindow time.Duration
	Clock       clockwork.Clock
	Handler     RetryHandler
	Logger      logger.Logger
}

type slot struct {
	mu    sync.Mutex
	entry *state
}

type state struct {
	Entry
	armed uint64
	timer clockwork.Timer
}

// Buffer is the pending signal buffer.
type Buffer struct {
	policy  RetryPolicy
	window  time.Duration
	clock   clockwork.Clock
	handler RetryHandler
	logger  logger.Logger

	slots map[signal.Channel]*slot
	gen   atomic.Uint64
	depth atomic.Int64
}

// NewBuffer creates a Buffer.
func NewBuffer(opts Options) (*Buffer, error) {
	if opts.Policy == (RetryPolicy{}) {
		opts.Policy = DefaultRetryPolicy()
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = signal.DefaultDedupWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Handler == nil {
		opts.Handler = nopHandler{}
	}

	b := &Buffer{
		policy:  opts.Policy,
		window:  opts.DedupWindow,
		clock:   opts.Clock,
		handler: opts.Handler,
		logger:  logger.OrGlobal(opts.Logger).Component("pending"),
		slots:   make(map[signal.Channel]*slot, len(signal.Channels)),
	}
	for _, ch := range signal.Channels {
		b.slots[ch] = &slot{}
	}
	return b, nil
}

// Policy returns the retry policy in use.
func (b *Buffer) Policy() RetryPolicy {
	return b.policy
}

// Offer stores sig as the pending entry of its channel. Any entry already on
// that channel is disarmed and returned so the caller can clean up after it.
func (b *Buffer) Offer(sig *signal.Signal) *Entry {
	if sig == nil {
		return nil
	}
	ch := sig.Channel()
	s := b.slots[ch]

	s.mu.Lock()
	defer s.mu.Unlock()

	var superseded *Entry
	if s.entry != nil {
		b.disarm(s.entry)
		snap := s.entry.Entry
		superseded = &snap
		metricsRecorder().RecordSuperseded(string(ch))
		b.logger.Debug("pending entry superseded",
			"channel", ch,
			"previous", snap.Key.String(),
			"next", sig.SourceID(),
		)
	} else {
		b.setOccupied(ch, true)
	}

	s.entry = &state{Entry: Entry{
		Signal:      sig,
		Key:         signal.KeyFor(sig, b.window),
		MaxAttempts: b.policy.MaxAttempts,
	}}
	return superseded
}

// ScheduleRetry arms the retry timer of the channel's current entry, replacing
// any timer already armed.
func (b *Buffer) ScheduleRetry(ch signal.Channel, delay time.Duration) error {
	s, ok := b.slots[ch]
	if !ok {
		return &NotPendingError{Channel: ch}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry == nil {
		return &NotPendingError{Channel: ch}
	}
	b.disarm(s.entry)
	b.arm(ch, s.entry, delay)
	return nil
}

// Cancel removes the channel's entry and disarms its timer. It returns the
// removed entry, or nil when the channel was already empty.
func (b *Buffer) Cancel(ch signal.Channel) *Entry {
	return b.CancelIf(ch, nil)
}

// CancelIf removes the channel's entry only if match accepts it. A nil match
// accepts any entry.
func (b *Buffer) CancelIf(ch signal.Channel, match func(Entry) bool) *Entry {
	s, ok := b.slots[ch]
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry == nil {
		return nil
	}
	if match != nil && !match(s.entry.Entry) {
		return nil
	}
	return b.remove(ch, s)
}

// DrainAll empties every channel and returns the buffered entries ordered by
// the time their signals were received. Attempts are preserved so a caller
// that puts an entry back with Restore keeps its retry budget.
func (b *Buffer) DrainAll() []Entry {
	for _, ch := range signal.Channels {
		b.slots[ch].mu.Lock()
	}
	defer func() {
		for i := len(signal.Channels) - 1; i >= 0; i-- {
			b.slots[signal.Channels[i]].mu.Unlock()
		}
	}()

	drained := make([]Entry, 0, len(signal.Channels))
	for _, ch := range signal.Channels {
		s := b.slots[ch]
		if s.entry == nil {
			continue
		}
		drained = append(drained, *b.remove(ch, s))
	}

	sort.SliceStable(drained, func(i, j int) bool {
		return drained[i].Signal.ReceivedAt().Before(drained[j].Signal.ReceivedAt())
	})
	return drained
}

// Restore puts a drained entry back with its attempt count and arms its timer
// for the next attempt. It reports false, leaving the buffer unchanged, when
// the channel is already occupied or the entry has no attempts left.
func (b *Buffer) Restore(e Entry) bool {
	if e.Signal == nil {
		return false
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = b.policy.MaxAttempts
	}
	if e.Attempts >= e.MaxAttempts {
		return false
	}
	ch := e.Signal.Channel()
	s := b.slots[ch]

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry != nil {
		return false
	}
	b.setOccupied(ch, true)
	e.NextRetryAt = time.Time{}
	s.entry = &state{Entry: e}
	b.arm(ch, s.entry, b.policy.Delay(e.Attempts+1))
	return true
}

// Get returns a snapshot of the channel's entry.
func (b *Buffer) Get(ch signal.Channel) (Entry, bool) {
	s, ok := b.slots[ch]
	if !ok {
		return Entry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry == nil {
		return Entry{}, false
	}
	return s.entry.Entry, true
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	return int(b.depth.Load())
}

// arm must be called with the slot locked.
func (b *Buffer) arm(ch signal.Channel, st *state, delay time.Duration) {
	gen := b.gen.Add(1)
	st.armed = gen
	st.NextRetryAt = b.clock.Now().Add(delay)
	st.timer = b.clock.AfterFunc(delay, func() {
		b.fire(ch, gen)
	})
}

// disarm must be called with the slot locked.
func (b *Buffer) disarm(st *state) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.armed = 0
}

// remove must be called with the slot locked.
func (b *Buffer) remove(ch signal.Channel, s *slot) *Entry {
	b.disarm(s.entry)
	snap := s.entry.Entry
	s.entry = nil
	b.setOccupied(ch, false)
	return &snap
}

func (b *Buffer) setOccupied(ch signal.Channel, occupied bool) {
	if occupied {
		b.depth.Add(1)
		metricsRecorder().SetPendingDepth(string(ch), 1)
		return
	}
	b.depth.Add(-1)
	metricsRecorder().SetPendingDepth(string(ch), 0)
}

func (b *Buffer) fire(ch signal.Channel, gen uint64) {
	s := b.slots[ch]

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entry
	if st == nil || st.armed != gen {
		// Cancelled or superseded while the timer was in flight.
		metricsRecorder().RecordRetryFire(string(ch), OutcomeStale)
		b.logger.Debug("discarding stale retry fire", "channel", ch)
		return
	}
	st.timer = nil
	st.armed = 0
	st.Attempts++

	snap := st.Entry
	if b.redeliver(&snap) {
		b.remove(ch, s)
		metricsRecorder().RecordRetryFire(string(ch), OutcomeDelivered)
		return
	}

	if st.Attempts >= st.MaxAttempts {
		removed := b.remove(ch, s)
		metricsRecorder().RecordRetryFire(string(ch), OutcomeExhausted)
		b.exhausted(removed, &RetryExhaustedError{Key: removed.Key, Attempts: removed.Attempts})
		return
	}

	b.arm(ch, st, b.policy.Delay(st.Attempts+1))
	metricsRecorder().RecordRetryFire(string(ch), OutcomeRearmed)
	b.logger.Debug("retry re-armed",
		"channel", ch,
		"key", st.Key.String(),
		"attempts", st.Attempts,
		"next_retry_at", st.NextRetryAt,
	)
}

func (b *Buffer) redeliver(entry *Entry) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in retry handler", "key", entry.Key.String(), "panic", r)
			ok = false
		}
	}()
	return b.handler.Redeliver(entry)
}

func (b *Buffer) exhausted(entry *Entry, err *RetryExhaustedError) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in exhaustion handler", "key", entry.Key.String(), "panic", r)
		}
	}()
	b.handler.Exhausted(entry, err)
}

type nopHandler struct{}

func (nopHandler) Redeliver(*Entry) bool                  { return false }
func (nopHandler) Exhausted(*Entry, *RetryExhaustedError) {}
