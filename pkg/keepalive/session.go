// Package keepalive holds the resources that keep the delivery path reachable
// while the consumer is backgrounded. A session lives for a bounded time and
// is only ever renewed by its owner.
package keepalive

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/securecall/callrelay/pkg/logger"
)

const (
	// DefaultCeiling is the session lifetime used when none is configured.
	DefaultCeiling = 6 * time.Hour
	// MaxCeiling is the longest lifetime a session may be configured with.
	MaxCeiling = 12 * time.Hour
)

// Start outcomes reported to metrics.
const (
	OutcomeHeld             = "held"
	OutcomeNotHeld          = "not_held"
	OutcomeAlreadyHeld      = "already_held"
	OutcomeNotAuthenticated = "not_authenticated"
	OutcomeError            = "error"
)

// Authenticator reports whether a session credential is present.
type Authenticator interface {
	Authenticated(ctx context.Context) (bool, error)
}

// Resource is something held for the lifetime of a session.
type Resource interface {
	Name() string
	// Acquire holds the resource for at most ttl.
	Acquire(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// State of a session.
type State string

const (
	StateIdle    State = "idle"
	StateHeld    State = "held"
	StateNotHeld State = "not_held"
	StateExpired State = "expired"
)

// Status is a snapshot of the session.
type Status struct {
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Resources []string  `json:"resources,omitempty"`
}

// Options configures a Session.
type Options struct {
	Authenticator Authenticator
	Resources     []Resource
	Ceiling       time.Duration
	Clock         clockwork.Clock
	Logger        logger.Logger
}

// Session is the keep-alive session. Start and Stop are idempotent and safe to
// call concurrently; callers serialize on the session and a later caller
// observes the state the earlier one applied.
type Session struct {
	auth      Authenticator
	resources []Resource
	ceiling   time.Duration
	clock     clockwork.Clock
	logger    logger.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	expiresAt time.Time
	held      []Resource
	expiry    clockwork.Timer
	gen       uint64
}

// NewSession creates a Session.
func NewSession(opts Options) (*Session, error) {
	if opts.Authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if opts.Ceiling == 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Ceiling < 0 || opts.Ceiling > MaxCeiling {
		return nil, fmt.Errorf("keep-alive ceiling must be in (0, %s], got %s", MaxCeiling, opts.Ceiling)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Session{
		auth:      opts.Authenticator,
		resources: opts.Resources,
		ceiling:   opts.Ceiling,
		clock:     opts.Clock,
		logger:    logger.OrGlobal(opts.Logger).Component("keepalive"),
		state:     StateIdle,
	}, nil
}

// Start acquires every resource for the session ceiling. Without credentials
// it returns a NotAuthenticatedError and touches nothing. A resource failure
// is not an error: the session is reported as not held.
func (s *Session) Start(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.state == StateHeld {
		if now.Before(s.expiresAt) {
			metricsRecorder().RecordKeepAliveStart(OutcomeAlreadyHeld)
			return s.statusLocked(), nil
		}
		_ = s.releaseLocked(ctx, StateExpired)
	}

	ok, err := s.auth.Authenticated(ctx)
	if err != nil {
		metricsRecorder().RecordKeepAliveStart(OutcomeError)
		return s.statusLocked(), fmt.Errorf("failed to check credentials: %w", err)
	}
	if !ok {
		metricsRecorder().RecordKeepAliveStart(OutcomeNotAuthenticated)
		s.logger.InfoContext(ctx, "keep-alive not started: no stored credentials")
		return s.statusLocked(), &NotAuthenticatedError{}
	}

	s.startedAt = now
	s.expiresAt = now.Add(s.ceiling)

	acquired := make([]Resource, 0, len(s.resources))
	for _, res := range s.resources {
		if err := res.Acquire(ctx, s.ceiling); err != nil {
			failure := &ResourceAcquisitionFailedError{Resource: res.Name(), Err: err}
			metricsRecorder().RecordResourceFailure(res.Name())
			s.logger.WarnContext(ctx, "keep-alive degraded", "error", failure)
			_ = releaseAll(ctx, s.logger, acquired)
			s.held = nil
			s.state = StateNotHeld
			metricsRecorder().RecordKeepAliveStart(OutcomeNotHeld)
			metricsRecorder().SetKeepAliveHeld(false)
			return s.statusLocked(), nil
		}
		acquired = append(acquired, res)
	}

	s.held = acquired
	s.state = StateHeld
	s.gen++
	gen := s.gen
	s.expiry = s.clock.AfterFunc(s.ceiling, func() {
		s.expire(gen)
	})

	metricsRecorder().RecordKeepAliveStart(OutcomeHeld)
	metricsRecorder().SetKeepAliveHeld(true)
	s.logger.InfoContext(ctx, "keep-alive held",
		"resources", len(acquired),
		"expires_at", s.expiresAt,
	)
	return s.statusLocked(), nil
}

// Stop releases every held resource and leaves the session idle. Nothing is
// released when the session is not held. Release failures are reported but
// the session is stopped regardless.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateHeld {
		s.state = StateIdle
		return nil
	}
	err := s.releaseLocked(ctx, StateIdle)
	s.logger.InfoContext(ctx, "keep-alive stopped")
	return err
}

// Renew restarts the session with a fresh lifetime.
func (s *Session) Renew(ctx context.Context) (Status, error) {
	if err := s.Stop(ctx); err != nil {
		s.logger.WarnContext(ctx, "release before renewal failed", "error", err)
	}
	return s.Start(ctx)
}

// IsExpired reports whether the session lifetime has run out at now.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExpired {
		return true
	}
	return s.state == StateHeld && !now.Before(s.expiresAt)
}

// Held reports whether the session currently holds its resources.
func (s *Session) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateHeld && s.clock.Now().Before(s.expiresAt)
}

// State returns a snapshot of the session.
func (s *Session) State() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.state != StateHeld {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.releaseLocked(ctx, StateExpired)
	s.logger.Info("keep-alive expired, owner must renew", "started_at", s.startedAt)
}

// releaseLocked must be called with s.mu held.
func (s *Session) releaseLocked(ctx context.Context, next State) error {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.gen++
	err := releaseAll(ctx, s.logger, s.held)
	s.held = nil
	s.state = next
	metricsRecorder().SetKeepAliveHeld(false)
	return err
}

func (s *Session) statusLocked() Status {
	st := Status{State: s.state}
	if s.state == StateIdle {
		return st
	}
	st.StartedAt = s.startedAt
	st.ExpiresAt = s.expiresAt
	for _, res := range s.held {
		st.Resources = append(st.Resources, res.Name())
	}
	return st
}

// releaseAll releases in reverse acquisition order.
func releaseAll(ctx context.Context, l logger.Logger, held []Resource) error {
	var errs []error
	for i := len(held) - 1; i >= 0; i-- {
		if err := held[i].Release(ctx); err != nil {
			l.WarnContext(ctx, "failed to release keep-alive resource", "resource", held[i].Name(), "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", held[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
