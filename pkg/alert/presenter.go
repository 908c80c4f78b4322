package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/signal"
)

// DefaultCapacity bounds how many alerts are tracked as active at once.
const DefaultCapacity = 1024

// Options configures a Presenter.
type Options struct {
	Renderer    Renderer
	Clock       clockwork.Clock
	DedupWindow time.Duration
	Capacity    int
	Logger      logger.Logger
}

type activeAlert struct {
	handle    Handle
	channel   signal.Channel
	expiresAt time.Time
}

// Presenter issues alert commands to a Renderer and tracks which alerts are
// still showing. Presentation is idempotent per DedupKey: presenting the same
// key again while its alert is active replaces the content under the same handle.
type Presenter struct {
	renderer Renderer
	clock    clockwork.Clock
	window   time.Duration
	logger   logger.Logger

	mu    sync.Mutex
	byKey *lru.Cache[signal.DedupKey, *activeAlert]
	byID  map[string]*activeAlert
}

// NewPresenter creates a Presenter.
func NewPresenter(opts Options) (*Presenter, error) {
	if opts.Renderer == nil {
		return nil, fmt.Errorf("alert renderer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = signal.DefaultDedupWindow
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}

	p := &Presenter{
		renderer: opts.Renderer,
		clock:    opts.Clock,
		window:   opts.DedupWindow,
		logger:   logger.OrGlobal(opts.Logger).Component("alert"),
		byID:     make(map[string]*activeAlert),
	}

	// Evicted alerts are forgotten, not withdrawn; the renderer owns their lifetime.
	cache, err := lru.NewWithEvict(opts.Capacity, func(_ signal.DedupKey, a *activeAlert) {
		delete(p.byID, a.handle.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alert cache: %w", err)
	}
	p.byKey = cache
	return p, nil
}

// KeyFor returns the dedup key the presenter uses for sig.
func (p *Presenter) KeyFor(sig *signal.Signal) signal.DedupKey {
	return signal.KeyFor(sig, p.window)
}

// Present renders an alert for sig and returns its handle.
func (p *Presenter) Present(ctx context.Context, sig *signal.Signal) (Handle, error) {
	if sig == nil {
		return Handle{}, fmt.Errorf("signal cannot be nil")
	}
	key := p.KeyFor(sig)
	now := p.clock.Now()

	p.mu.Lock()
	a, replacing := p.lookup(key, now)
	if !replacing {
		a = &activeAlert{
			handle:  Handle{ID: uuid.NewString(), Key: key},
			channel: sig.Channel(),
		}
		p.byKey.Add(key, a)
		p.byID[a.handle.ID] = a
	}
	cmd := CommandFor(sig, key, a.handle.ID)
	if cmd.Timeout > 0 {
		a.expiresAt = now.Add(cmd.Timeout)
	}
	p.mu.Unlock()

	if err := p.renderer.Render(ctx, cmd); err != nil {
		if !replacing {
			p.forget(a)
		}
		metricsRecorder().RecordAlert(string(cmd.Channel), ActionFailed)
		return Handle{}, fmt.Errorf("present %s: %w", key, err)
	}

	action := ActionPresented
	if replacing {
		action = ActionReplaced
	}
	metricsRecorder().RecordAlert(string(cmd.Channel), action)
	p.logger.DebugContext(ctx, "alert presented",
		"handle_id", a.handle.ID,
		"key", key.String(),
		"replaced", replacing,
	)
	return a.handle, nil
}

// Dismiss withdraws the alert. Dismissing an unknown or already dismissed
// handle is a no-op.
func (p *Presenter) Dismiss(ctx context.Context, h Handle) error {
	return p.DismissID(ctx, h.ID)
}

// DismissID withdraws the alert with the given handle id.
func (p *Presenter) DismissID(ctx context.Context, id string) error {
	p.mu.Lock()
	a, ok := p.byID[id]
	if ok {
		p.removeLocked(a)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return p.withdraw(ctx, a)
}

// DismissKey withdraws the active alert for key, if any.
func (p *Presenter) DismissKey(ctx context.Context, key signal.DedupKey) error {
	p.mu.Lock()
	a, ok := p.byKey.Peek(key)
	if ok {
		p.removeLocked(a)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return p.withdraw(ctx, a)
}

// Active reports whether an alert for key is still showing.
func (p *Presenter) Active(key signal.DedupKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.lookup(key, p.clock.Now())
	return ok
}

// Len returns the number of active alerts.
func (p *Presenter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byKey.Len()
}

// lookup must be called with p.mu held. Expired alerts are dropped on access.
func (p *Presenter) lookup(key signal.DedupKey, now time.Time) (*activeAlert, bool) {
	a, ok := p.byKey.Get(key)
	if !ok {
		return nil, false
	}
	if !a.expiresAt.IsZero() && !now.Before(a.expiresAt) {
		p.removeLocked(a)
		metricsRecorder().RecordAlert(string(a.channel), ActionExpired)
		return nil, false
	}
	return a, true
}

func (p *Presenter) removeLocked(a *activeAlert) {
	p.byKey.Remove(a.handle.Key)
	delete(p.byID, a.handle.ID)
}

func (p *Presenter) forget(a *activeAlert) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.byKey.Peek(a.handle.Key); ok && cur == a {
		p.removeLocked(a)
	}
}

func (p *Presenter) withdraw(ctx context.Context, a *activeAlert) error {
	if err := p.renderer.Withdraw(ctx, a.handle.ID); err != nil {
		metricsRecorder().RecordAlert(string(a.channel), ActionFailed)
		return fmt.Errorf("dismiss %s: %w", a.handle.ID, err)
	}
	metricsRecorder().RecordAlert(string(a.channel), ActionDismissed)
	return nil
}
