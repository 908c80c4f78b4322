// Package lifecycle maps host process lifecycle events onto keep-alive and
// delivery operations. It holds no platform state of its own.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/securecall/callrelay/pkg/keepalive"
	"github.com/securecall/callrelay/pkg/logger"
)

// Event is a host lifecycle transition.
type Event string

const (
	EventBoot        Event = "boot"
	EventRestart     Event = "restart"
	EventTaskRemoved Event = "task_removed"
	EventLowMemory   Event = "low_memory"
	EventResume      Event = "resume"
	EventLogin       Event = "login"
	EventLogout      Event = "logout"
	EventShutdown    Event = "shutdown"
)

// Events lists every supported event.
var Events = []Event{
	EventBoot, EventRestart, EventTaskRemoved, EventLowMemory,
	EventResume, EventLogin, EventLogout, EventShutdown,
}

// ParseEvent parses an event name.
func ParseEvent(s string) (Event, error) {
	ev := Event(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Events {
		if ev == known {
			return ev, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle event %q", s)
}

// DefaultResumeDelay is how long the consumer is given to re-attach after a
// resume before buffered signals are flushed.
const DefaultResumeDelay = 1500 * time.Millisecond

// KeepAlive is the keep-alive control surface.
type KeepAlive interface {
	Start(ctx context.Context) (keepalive.Status, error)
	Stop(ctx context.Context) error
}

// Flusher delivers buffered signals once the consumer is back.
type Flusher interface {
	ConsumerReady(ctx context.Context) int
}

// Action is what the handler did in response to an event.
type Action string

const (
	ActionStarted        Action = "keepalive_started"
	ActionStopped        Action = "keepalive_stopped"
	ActionSkipped        Action = "skipped_unauthenticated"
	ActionFlushScheduled Action = "flush_scheduled"
	ActionNone           Action = "none"
)

// Outcome describes how an event was handled.
type Outcome struct {
	Event     Event             `json:"event"`
	Action    Action            `json:"action"`
	KeepAlive *keepalive.Status `json:"keepAlive,omitempty"`
}

// Options configures a Handler.
type Options struct {
	KeepAlive   KeepAlive
	Flusher     Flusher
	ResumeDelay time.Duration
	Clock       clockwork.Clock
	Logger      logger.Logger
}

// Handler reacts to lifecycle events.
type Handler struct {
	keepAlive   KeepAlive
	flusher     Flusher
	resumeDelay time.Duration
	clock       clockwork.Clock
	logger      logger.Logger

	mu    sync.Mutex
	flush clockwork.Timer
}

// NewHandler creates a Handler.
func NewHandler(opts Options) (*Handler, error) {
	if opts.KeepAlive == nil {
		return nil, fmt.Errorf("keep-alive is required")
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Handler{
		keepAlive:   opts.KeepAlive,
		flusher:     opts.Flusher,
		resumeDelay: opts.ResumeDelay,
		clock:       opts.Clock,
		logger:      logger.OrGlobal(opts.Logger).Component("lifecycle"),
	}, nil
}

// Handle applies ev. Keep-alive refusals for missing credentials are an
// outcome, not an error.
func (h *Handler) Handle(ctx context.Context, ev Event) (Outcome, error) {
	out := Outcome{Event: ev, Action: ActionNone}
	h.logger.InfoContext(ctx, "lifecycle event", "event", ev)

	switch ev {
	case EventBoot, EventRestart, EventTaskRemoved, EventLogin:
		// The process keeps serving after task removal; make sure the session is up.
		status, err := h.keepAlive.Start(ctx)
		out.KeepAlive = &status
		switch {
		case keepalive.IsNotAuthenticated(err):
			out.Action = ActionSkipped
		case err != nil:
			return out, fmt.Errorf("start keep-alive on %s: %w", ev, err)
		default:
			out.Action = ActionStarted
		}
	case EventLogout, EventShutdown:
		if err := h.keepAlive.Stop(ctx); err != nil {
			return out, fmt.Errorf("stop keep-alive on %s: %w", ev, err)
		}
		h.cancelFlush()
		out.Action = ActionStopped
	case EventLowMemory:
		h.logger.WarnContext(ctx, "low memory reported, keep-alive continues")
	case EventResume:
		if h.flusher != nil {
			h.scheduleFlush()
			out.Action = ActionFlushScheduled
		}
	default:
		return out, fmt.Errorf("unknown lifecycle event %q", ev)
	}
	return out, nil
}

// scheduleFlush replaces any flush already waiting.
func (h *Handler) scheduleFlush() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.flush != nil {
		h.flush.Stop()
	}
	h.flush = h.clock.AfterFunc(h.resumeDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if n := h.flusher.ConsumerReady(ctx); n > 0 {
			h.logger.Info("flushed pending signals after resume", "delivered", n)
		}
	})
}

func (h *Handler) cancelFlush() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.flush != nil {
		h.flush.Stop()
		h.flush = nil
	}
}
