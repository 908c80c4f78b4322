// Package reconciler decides, for every ingested signal, whether it is
// delivered to the consumer directly, buffered for retry, or escalated to a
// user-visible alert.
//
// Lock order is lane (per channel) → pending slot → presenter. Retry fires run
// under the pending slot lock and never take a lane lock.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/securecall/callrelay/pkg/alert"
	"github.com/securecall/callrelay/pkg/consumer"
	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/pending"
	"github.com/securecall/callrelay/pkg/signal"
)

const tracerName = "github.com/securecall/callrelay/pkg/reconciler"

// DefaultRecentCapacity bounds the number of (kind, source) pairs remembered
// for duplicate suppression.
const DefaultRecentCapacity = 4096

// Readiness reports whether a consumer can accept an event right now.
type Readiness interface {
	Ready() bool
}

// Emitter hands events to the consumer without blocking.
type Emitter interface {
	Emit(ctx context.Context, ev *consumer.Event) error
}

// Presenter presents and withdraws user-visible alerts.
type Presenter interface {
	Present(ctx context.Context, sig *signal.Signal) (alert.Handle, error)
	Active(key signal.DedupKey) bool
	DismissKey(ctx context.Context, key signal.DedupKey) error
}

// Gate optionally suppresses direct delivery while the keep-alive session is
// not held.
type Gate interface {
	Held() bool
}

// Options configures a Reconciler.
type Options struct {
	Readiness      Readiness
	Emitter        Emitter
	Presenter      Presenter
	Gate           Gate
	Policy         pending.RetryPolicy
	DedupWindow    time.Duration
	RecentCapacity int
	Clock          clockwork.Clock
	Logger         logger.Logger
}

type recentSignal struct {
	firstSeen   time.Time
	fingerprint string
}

// Reconciler is the delivery state machine.
type Reconciler struct {
	readiness Readiness
	emitter   Emitter
	presenter Presenter
	gate      Gate
	window    time.Duration
	clock     clockwork.Clock
	logger    logger.Logger
	tracer    trace.Tracer

	buffer *pending.Buffer
	lanes  map[signal.Channel]*sync.Mutex

	recentMu sync.Mutex
	recent   *lru.Cache[signal.DedupKey, recentSignal]

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Reconciler.
func New(opts Options) (*Reconciler, error) {
	if opts.Readiness == nil {
		return nil, fmt.Errorf("readiness is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}
	if opts.Presenter == nil {
		return nil, fmt.Errorf("presenter is required")
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = signal.DefaultDedupWindow
	}
	if opts.RecentCapacity <= 0 {
		opts.RecentCapacity = DefaultRecentCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	recent, err := lru.New[signal.DedupKey, recentSignal](opts.RecentCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create recent signal cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Reconciler{
		readiness: opts.Readiness,
		emitter:   opts.Emitter,
		presenter: opts.Presenter,
		gate:      opts.Gate,
		window:    opts.DedupWindow,
		clock:     opts.Clock,
		logger:    logger.OrGlobal(opts.Logger).Component("reconciler"),
		tracer:    otel.Tracer(tracerName),
		lanes:     make(map[signal.Channel]*sync.Mutex, len(signal.Channels)),
		recent:    recent,
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, ch := range signal.Channels {
		r.lanes[ch] = &sync.Mutex{}
	}

	buffer, err := pending.NewBuffer(pending.Options{
		Policy:      opts.Policy,
		DedupWindow: opts.DedupWindow,
		Clock:       opts.Clock,
		Handler:     retryHandler{r: r},
		Logger:      opts.Logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	r.buffer = buffer
	return r, nil
}

// Ingest classifies raw and runs it through the state machine. The only error
// returned is a *signal.MalformedSignalError; every other failure is absorbed.
func (r *Reconciler) Ingest(ctx context.Context, raw signal.Raw) (d Decision, err error) {
	now := r.clock.Now()
	requestID := logger.RequestIDFrom(ctx)

	ctx, span := r.tracer.Start(ctx, "reconciler.ingest",
		trace.WithAttributes(
			attribute.String("signal.kind", raw.Kind),
			attribute.String("signal.source", raw.SourceID),
			attribute.String("callrelay.request_id", requestID),
		),
	)
	defer func() {
		d.RequestID = requestID
		span.SetAttributes(attribute.String("decision.state", string(d.State)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "panic while reconciling signal", "panic", p, "kind", raw.Kind, "from", raw.SourceID)
			d = Decision{State: StateDropped}
			err = nil
		}
	}()

	sig, err := signal.Classify(raw, now)
	if err != nil {
		r.logger.WarnContext(ctx, "dropping malformed signal", "error", err)
		metricsRecorder().RecordDecision(raw.Kind, string(StateRejected))
		return Decision{State: StateRejected}, err
	}

	d = r.reconcile(ctx, sig, now)
	metricsRecorder().RecordDecision(string(sig.Kind()), string(d.State))
	r.logger.InfoContext(ctx, "signal reconciled",
		"kind", sig.Kind(),
		"from", sig.SourceID(),
		"state", d.State,
		"alerted", d.HandleID != "",
	)
	return d, nil
}

func (r *Reconciler) reconcile(ctx context.Context, sig *signal.Signal, now time.Time) Decision {
	lane := r.lanes[sig.Channel()]
	lane.Lock()
	defer lane.Unlock()

	key := signal.KeyFor(sig, r.window)
	d := Decision{Key: key.String()}

	if sig.Kind() != signal.KindIncomingCall && r.duplicate(sig, now) {
		d.State = StateDuplicate
		return d
	}
	return r.route(ctx, sig, now)
}

// route delivers sig directly when the consumer is ready and otherwise buffers
// or escalates it. The caller holds the signal's lane.
func (r *Reconciler) route(ctx context.Context, sig *signal.Signal, now time.Time) Decision {
	key := signal.KeyFor(sig, r.window)
	d := Decision{Key: key.String()}

	if r.consumerReady() {
		err := r.emitter.Emit(ctx, consumer.EventFor(sig, now))
		if err == nil {
			d.State = StateDeliveredDirect
			return d
		}
		r.logger.WarnContext(ctx, "direct delivery failed, falling back", "key", key.String(), "error", err)
	}

	if sig.Kind() == signal.KindMessage {
		d.HandleID = r.present(ctx, sig)
		if d.HandleID == "" {
			d.State = StateDropped
			return d
		}
		d.State = StateEscalated
		return d
	}

	if superseded := r.buffer.Offer(sig); superseded != nil {
		r.release(ctx, sig, superseded)
	}
	if err := r.buffer.ScheduleRetry(sig.Channel(), r.buffer.Policy().Delay(1)); err != nil {
		r.logger.ErrorContext(ctx, "failed to schedule retry", "key", key.String(), "error", err)
	}
	d.State = StateBuffered
	d.HandleID = r.present(ctx, sig)
	return d
}

// Requeue takes back events a consumer accepted but never received, such as
// those left in a stream when the consumer detached, and routes them again.
// They keep the time they were first emitted and skip duplicate suppression.
// It returns the number of events taken back.
func (r *Reconciler) Requeue(ctx context.Context, evs []*consumer.Event) (requeued int) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "panic while requeueing undelivered events", "panic", p)
		}
	}()

	for _, ev := range evs {
		raw, ok := consumer.RawFromEvent(ev)
		if !ok {
			continue
		}
		at := ev.EmittedAt
		if at.IsZero() {
			at = r.clock.Now()
		}
		sig, err := signal.Classify(raw, at)
		if err != nil {
			r.logger.WarnContext(ctx, "cannot requeue undelivered event", "event", ev.Name, "error", err)
			continue
		}

		if r.ctx.Err() != nil {
			r.present(ctx, sig)
			requeued++
			continue
		}

		lane := r.lanes[sig.Channel()]
		lane.Lock()
		var d Decision
		if r.newerPending(sig) && !r.consumerReady() {
			// A newer signal owns the channel; the older one only gets its alert.
			d = Decision{Key: signal.KeyFor(sig, r.window).String(), State: StateEscalated}
			if d.HandleID = r.present(ctx, sig); d.HandleID == "" {
				d.State = StateDropped
			}
		} else {
			d = r.route(ctx, sig, r.clock.Now())
		}
		lane.Unlock()

		metricsRecorder().RecordDecision(string(sig.Kind()), string(d.State))
		r.logger.InfoContext(ctx, "undelivered event requeued",
			"kind", sig.Kind(),
			"from", sig.SourceID(),
			"state", d.State,
		)
		requeued++
	}
	return requeued
}

func (r *Reconciler) newerPending(sig *signal.Signal) bool {
	e, ok := r.buffer.Get(sig.Channel())
	return ok && e.Signal.ReceivedAt().After(sig.ReceivedAt())
}

// release cleans up after an entry displaced from the buffer. Only one call
// context can ring at a time, so a different caller's ringing alert is withdrawn.
func (r *Reconciler) release(ctx context.Context, next *signal.Signal, superseded *pending.Entry) {
	if next.Kind() != signal.KindIncomingCall {
		return
	}
	if superseded.Key.Identity() == signal.KeyFor(next, r.window).Identity() {
		return
	}
	r.logger.InfoContext(ctx, "call superseded by a different caller",
		"previous", superseded.Signal.SourceID(),
		"next", next.SourceID(),
	)
	if err := r.presenter.DismissKey(ctx, superseded.Key); err != nil {
		r.logger.WarnContext(ctx, "failed to dismiss superseded call alert", "key", superseded.Key.String(), "error", err)
	}
}

// duplicate reports whether sig repeats a signal seen within the dedup window.
// The window is anchored on the first occurrence.
func (r *Reconciler) duplicate(sig *signal.Signal, now time.Time) bool {
	id := signal.KeyFor(sig, r.window).Identity()
	fp := fingerprint(sig)

	r.recentMu.Lock()
	defer r.recentMu.Unlock()

	if prev, ok := r.recent.Get(id); ok && prev.fingerprint == fp && now.Sub(prev.firstSeen) < r.window {
		return true
	}
	r.recent.Add(id, recentSignal{firstSeen: now, fingerprint: fp})
	return false
}

// fingerprint distinguishes different messages from the same sender.
func fingerprint(sig *signal.Signal) string {
	if sig.Kind() == signal.KindMessage {
		return sig.PayloadValue(signal.PayloadMessage)
	}
	return ""
}

func (r *Reconciler) consumerReady() bool {
	if r.gate != nil && !r.gate.Held() {
		return false
	}
	return r.readiness.Ready()
}

// present returns the alert handle id, or "" when presentation failed.
func (r *Reconciler) present(ctx context.Context, sig *signal.Signal) string {
	h, err := r.presenter.Present(ctx, sig)
	if err != nil {
		r.logger.ErrorContext(ctx, "alert presentation failed, signal may be lost",
			"kind", sig.Kind(),
			"from", sig.SourceID(),
			"error", err,
		)
		metricsRecorder().RecordAlertFailure(string(sig.Kind()))
		return ""
	}
	return h.ID
}

// ConsumerReady flushes every buffered signal to the consumer in the order they
// were received. A signal that still cannot be emitted is buffered again with
// the flush counted as one of its attempts, so repeated flushes cannot postpone
// escalation; one whose attempts are spent is escalated instead. A newer signal
// that took the channel in the meantime wins. It returns the number of signals
// delivered.
func (r *Reconciler) ConsumerReady(ctx context.Context) (delivered int) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "panic while flushing pending signals", "panic", p)
		}
	}()

	ctx, span := r.tracer.Start(ctx, "reconciler.consumer_ready")
	defer span.End()

	for _, e := range r.buffer.DrainAll() {
		if r.consumerReady() {
			if err := r.emitter.Emit(ctx, consumer.EventFor(e.Signal, r.clock.Now())); err == nil {
				delivered++
				metricsRecorder().RecordDecision(string(e.Signal.Kind()), string(StateDeliveredDirect))
				continue
			}
		}
		e.Attempts++
		r.rebuffer(ctx, e)
	}

	span.SetAttributes(attribute.Int("signals.delivered", delivered))
	if delivered > 0 {
		r.logger.InfoContext(ctx, "flushed pending signals", "delivered", delivered)
	}
	return delivered
}

func (r *Reconciler) rebuffer(ctx context.Context, e pending.Entry) {
	lane := r.lanes[e.Signal.Channel()]
	lane.Lock()
	defer lane.Unlock()

	if _, taken := r.buffer.Get(e.Signal.Channel()); taken {
		return
	}
	if r.buffer.Restore(e) {
		return
	}
	r.escalate(ctx, &e, &pending.RetryExhaustedError{Key: e.Key, Attempts: e.Attempts})
}

// escalate gives up on delivery and makes sure the signal is alerted.
func (r *Reconciler) escalate(ctx context.Context, e *pending.Entry, cause *pending.RetryExhaustedError) {
	metricsRecorder().RecordDecision(string(e.Signal.Kind()), string(StateEscalated))
	r.logger.InfoContext(ctx, "escalating to alert", "key", e.Key.String(), "reason", cause.Error())

	if r.ctx.Err() != nil || r.presenter.Active(e.Key) {
		return
	}
	r.present(ctx, e.Signal)
}

// CancelCall drops a ringing call from sourceID: its pending entry is removed
// and its alert withdrawn. It reports whether a pending entry was removed.
func (r *Reconciler) CancelCall(ctx context.Context, sourceID string) bool {
	lane := r.lanes[signal.ChannelCalls]
	lane.Lock()
	defer lane.Unlock()

	removed := r.buffer.CancelIf(signal.ChannelCalls, func(e pending.Entry) bool {
		return e.Signal.SourceID() == sourceID
	})

	key := signal.DedupKey{Kind: signal.KindIncomingCall, SourceID: sourceID}
	if err := r.presenter.DismissKey(ctx, key); err != nil {
		r.logger.WarnContext(ctx, "failed to dismiss cancelled call alert", "from", sourceID, "error", err)
	}
	if removed != nil {
		r.logger.InfoContext(ctx, "pending call cancelled", "from", sourceID)
	}
	return removed != nil
}

// Pending returns a snapshot of the channel's buffered entry.
func (r *Reconciler) Pending(ch signal.Channel) (pending.Entry, bool) {
	return r.buffer.Get(ch)
}

// PendingCount returns the number of buffered signals.
func (r *Reconciler) PendingCount() int {
	return r.buffer.Len()
}

// Close stops every retry timer. Buffered signals are discarded; their alerts
// stay with the renderer.
func (r *Reconciler) Close() int {
	r.cancel()
	dropped := r.buffer.DrainAll()
	if len(dropped) > 0 {
		r.logger.Warn("discarding pending signals on shutdown", "count", len(dropped))
	}
	return len(dropped)
}

// retryHandler runs under the pending slot lock.
type retryHandler struct {
	r *Reconciler
}

func (h retryHandler) Redeliver(e *pending.Entry) bool {
	r := h.r
	if r.ctx.Err() != nil {
		return false
	}
	if !r.consumerReady() {
		r.logger.Debug("consumer still not ready", "key", e.Key.String(), "attempt", e.Attempts)
		return false
	}
	if err := r.emitter.Emit(r.ctx, consumer.EventFor(e.Signal, r.clock.Now())); err != nil {
		r.logger.Debug("retry emission failed", "key", e.Key.String(), "attempt", e.Attempts, "error", err)
		return false
	}
	metricsRecorder().RecordDecision(string(e.Signal.Kind()), string(StateDeliveredDirect))
	r.logger.Info("buffered signal delivered", "key", e.Key.String(), "attempt", e.Attempts)
	return true
}

func (h retryHandler) Exhausted(e *pending.Entry, cause *pending.RetryExhaustedError) {
	h.r.escalate(h.r.ctx, e, cause)
}
