package pending

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/signal"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

type recordingHandler struct {
	mu         sync.Mutex
	deliver    bool
	redelivers []Entry
	exhausted  []*RetryExhaustedError
}

func (h *recordingHandler) Redeliver(entry *Entry) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redelivers = append(h.redelivers, *entry)
	return h.deliver
}

func (h *recordingHandler) Exhausted(_ *Entry, err *RetryExhaustedError) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exhausted = append(h.exhausted, err)
}

func (h *recordingHandler) redeliverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.redelivers)
}

func (h *recordingHandler) exhaustedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.exhausted)
}

func newTestBuffer(t *testing.T, h RetryHandler) (*Buffer, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	b, err := NewBuffer(Options{Clock: clock, Handler: h, Logger: logger.Nop()})
	require.NoError(t, err)
	return b, clock
}

func incomingCall(t *testing.T, from string, at time.Time) *signal.Signal {
	t.Helper()
	sig, err := signal.Classify(signal.Raw{Kind: "incoming_call", SourceID: from}, at)
	require.NoError(t, err)
	return sig
}

func missedCall(t *testing.T, from string, at time.Time) *signal.Signal {
	t.Helper()
	sig, err := signal.Classify(signal.Raw{Kind: "missed_call", SourceID: from}, at)
	require.NoError(t, err)
	return sig
}

func waitForTimers(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n))
}

func TestBuffer_OfferAndSupersede(t *testing.T) {
	b, _ := newTestBuffer(t, &recordingHandler{})

	assert.Nil(t, b.Offer(incomingCall(t, "alice", t0)))
	assert.Equal(t, 1, b.Len())

	superseded := b.Offer(incomingCall(t, "dave", t0.Add(time.Second)))
	require.NotNil(t, superseded)
	assert.Equal(t, "alice", superseded.Signal.SourceID())
	assert.Equal(t, 1, b.Len())

	entry, ok := b.Get(signal.ChannelCalls)
	require.True(t, ok)
	assert.Equal(t, "dave", entry.Signal.SourceID())
	assert.Equal(t, 0, entry.Attempts)
	assert.Equal(t, 2, entry.MaxAttempts)
	assert.Equal(t, "incoming_call:dave", entry.Key.String())
}

func TestBuffer_ChannelsAreIndependent(t *testing.T) {
	b, _ := newTestBuffer(t, &recordingHandler{})

	b.Offer(incomingCall(t, "alice", t0))
	assert.Nil(t, b.Offer(missedCall(t, "bob", t0)))
	assert.Equal(t, 2, b.Len())

	_, ok := b.Get(signal.ChannelMessages)
	assert.False(t, ok)
}

func TestBuffer_ScheduleRetryWithoutEntry(t *testing.T) {
	b, _ := newTestBuffer(t, &recordingHandler{})

	err := b.ScheduleRetry(signal.ChannelCalls, time.Second)
	require.Error(t, err)
	assert.True(t, IsNotPending(err))
}

func TestBuffer_RetryDelivers(t *testing.T) {
	h := &recordingHandler{deliver: true}
	b, clock := newTestBuffer(t, h)

	b.Offer(incomingCall(t, "alice", t0))
	require.NoError(t, b.ScheduleRetry(signal.ChannelCalls, b.Policy().Delay(1)))

	entry, _ := b.Get(signal.ChannelCalls)
	assert.Equal(t, t0.Add(1500*time.Millisecond), entry.NextRetryAt)

	clock.Advance(1500 * time.Millisecond)

	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.redeliverCount())
	assert.Equal(t, 0, h.exhaustedCount())
	assert.Equal(t, 1, h.redelivers[0].Attempts)
}

func TestBuffer_RetryExhausts(t *testing.T) {
	h := &recordingHandler{deliver: false}
	b, clock := newTestBuffer(t, h)

	b.Offer(missedCall(t, "bob", t0))
	require.NoError(t, b.ScheduleRetry(signal.ChannelMissedCalls, b.Policy().Delay(1)))

	clock.Advance(1500 * time.Millisecond)
	require.Eventually(t, func() bool { return h.redeliverCount() == 1 }, time.Second, 5*time.Millisecond)
	waitForTimers(t, clock, 1)

	entry, ok := b.Get(signal.ChannelMissedCalls)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, clock.Now().Add(2*time.Second), entry.NextRetryAt)

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return h.exhaustedCount() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 2, h.redeliverCount())
	assert.Equal(t, 2, h.exhausted[0].Attempts)
	assert.True(t, IsRetryExhausted(h.exhausted[0]))
}

func TestBuffer_CancelDisarms(t *testing.T) {
	h := &recordingHandler{deliver: true}
	b, clock := newTestBuffer(t, h)

	b.Offer(incomingCall(t, "alice", t0))
	require.NoError(t, b.ScheduleRetry(signal.ChannelCalls, time.Second))

	removed := b.Cancel(signal.ChannelCalls)
	require.NotNil(t, removed)
	assert.Nil(t, b.Cancel(signal.ChannelCalls), "cancel is idempotent")

	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return h.redeliverCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_CancelIf(t *testing.T) {
	b, _ := newTestBuffer(t, &recordingHandler{})
	b.Offer(incomingCall(t, "alice", t0))

	bySource := func(source string) func(Entry) bool {
		return func(e Entry) bool { return e.Signal.SourceID() == source }
	}

	assert.Nil(t, b.CancelIf(signal.ChannelCalls, bySource("dave")))
	assert.Equal(t, 1, b.Len())

	removed := b.CancelIf(signal.ChannelCalls, bySource("alice"))
	require.NotNil(t, removed)
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_StaleFireIsDiscarded(t *testing.T) {
	h := &recordingHandler{deliver: true}
	b, _ := newTestBuffer(t, h)

	b.Offer(incomingCall(t, "alice", t0))
	require.NoError(t, b.ScheduleRetry(signal.ChannelCalls, time.Second))

	s := b.slots[signal.ChannelCalls]
	s.mu.Lock()
	staleGen := s.entry.armed
	s.mu.Unlock()

	// Supersede without rescheduling, then deliver the old timer's callback.
	b.Offer(incomingCall(t, "dave", t0.Add(time.Second)))
	b.fire(signal.ChannelCalls, staleGen)

	assert.Equal(t, 0, h.redeliverCount())
	entry, ok := b.Get(signal.ChannelCalls)
	require.True(t, ok)
	assert.Equal(t, "dave", entry.Signal.SourceID())
	assert.Equal(t, 0, entry.Attempts)
}

func TestBuffer_DrainAllFIFO(t *testing.T) {
	h := &recordingHandler{deliver: true}
	b, clock := newTestBuffer(t, h)

	msg, err := signal.Classify(signal.Raw{
		Kind:     "message",
		SourceID: "carol",
		Payload:  map[string]string{"message": "hi"},
	}, t0.Add(2*time.Second))
	require.NoError(t, err)

	b.Offer(msg)
	b.Offer(missedCall(t, "bob", t0))
	b.Offer(incomingCall(t, "alice", t0.Add(time.Second)))
	require.NoError(t, b.ScheduleRetry(signal.ChannelCalls, time.Second))

	drained := b.DrainAll()
	require.Len(t, drained, 3)
	assert.Equal(t, "bob", drained[0].Signal.SourceID())
	assert.Equal(t, "alice", drained[1].Signal.SourceID())
	assert.Equal(t, "carol", drained[2].Signal.SourceID())
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.DrainAll())

	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return h.redeliverCount() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestBuffer_RestoreKeepsAttempts(t *testing.T) {
	h := &recordingHandler{}
	b, clock := newTestBuffer(t, h)

	b.Offer(missedCall(t, "bob", t0))
	require.NoError(t, b.ScheduleRetry(signal.ChannelMissedCalls, b.Policy().Delay(1)))
	clock.Advance(b.Policy().Delay(1))
	require.Eventually(t, func() bool { return h.redeliverCount() == 1 }, time.Second, 5*time.Millisecond)

	drained := b.DrainAll()
	require.Len(t, drained, 1)
	assert.Equal(t, 1, drained[0].Attempts)

	require.True(t, b.Restore(drained[0]))
	entry, ok := b.Get(signal.ChannelMissedCalls)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Attempts)
	assert.Equal(t, t0.Add(b.Policy().Delay(1)+b.Policy().Delay(2)), entry.NextRetryAt)

	// The restored entry has one attempt left under the default policy.
	clock.Advance(b.Policy().Delay(2))
	require.Eventually(t, func() bool { return h.exhaustedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.Len())
}

func TestBuffer_RestoreRefusals(t *testing.T) {
	b, _ := newTestBuffer(t, &recordingHandler{})

	spent := Entry{Signal: missedCall(t, "bob", t0), Attempts: 2, MaxAttempts: 2}
	assert.False(t, b.Restore(spent))
	assert.Equal(t, 0, b.Len())

	b.Offer(missedCall(t, "carol", t0))
	assert.False(t, b.Restore(Entry{Signal: missedCall(t, "bob", t0), MaxAttempts: 2}))
	entry, ok := b.Get(signal.ChannelMissedCalls)
	require.True(t, ok)
	assert.Equal(t, "carol", entry.Signal.SourceID())

	assert.False(t, b.Restore(Entry{}))
}

func TestBuffer_ConcurrentOffersArmOneTimer(t *testing.T) {
	h := &recordingHandler{deliver: true}
	b, clock := newTestBuffer(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sig := incomingCall(t, "caller", t0.Add(time.Duration(i)*time.Millisecond))
			b.Offer(sig)
			_ = b.ScheduleRetry(signal.ChannelCalls, time.Second)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, b.Len())
	clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return h.redeliverCount() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, 1, h.redeliverCount())
}

func TestBuffer_HandlerPanicIsContained(t *testing.T) {
	b, clock := newTestBuffer(t, panicHandler{})

	b.Offer(incomingCall(t, "alice", t0))
	require.NoError(t, b.ScheduleRetry(signal.ChannelCalls, time.Second))

	clock.Advance(time.Second)
	waitForTimers(t, clock, 1)

	entry, ok := b.Get(signal.ChannelCalls)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Attempts)
}

type panicHandler struct{}

func (panicHandler) Redeliver(*Entry) bool                  { panic("boom") }
func (panicHandler) Exhausted(*Entry, *RetryExhaustedError) {}

func TestRetryPolicy_Delay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 1500*time.Millisecond, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(5))
	assert.Equal(t, p.Delay(1), p.Delay(0))
}

func TestRetryPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultRetryPolicy().Validate())

	bad := []RetryPolicy{
		{MaxAttempts: 0, InitialDelay: time.Second, Multiplier: 1, MaxDelay: time.Second},
		{MaxAttempts: 1, InitialDelay: 0, Multiplier: 1, MaxDelay: time.Second},
		{MaxAttempts: 1, InitialDelay: 2 * time.Second, Multiplier: 1, MaxDelay: time.Second},
		{MaxAttempts: 1, InitialDelay: time.Second, Multiplier: 0.5, MaxDelay: time.Second},
	}
	for _, p := range bad {
		assert.Error(t, p.Validate())
	}

	_, err := NewBuffer(Options{Policy: bad[0]})
	assert.Error(t, err)
}
