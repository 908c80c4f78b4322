// Package api provides HTTP API server components.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/securecall/callrelay/config"
	"github.com/securecall/callrelay/pkg/api/handlers"
	"github.com/securecall/callrelay/pkg/api/middleware"
	"github.com/securecall/callrelay/pkg/api/response"
	"github.com/securecall/callrelay/pkg/logger"
)

// Handlers holds all HTTP handlers. Nil handlers leave their routes unmounted.
type Handlers struct {
	// Signals handles ingestion and call cancellation
	Signals *handlers.SignalHandler

	// KeepAlive handles keep-alive session control
	KeepAlive *handlers.KeepAliveHandler

	// Session handles credentials and the push registration token
	Session *handlers.SessionHandler

	// Lifecycle handles host lifecycle notifications
	Lifecycle *handlers.LifecycleHandler

	// Alerts handles alert dismissal
	Alerts *handlers.AlertHandler

	// Consumer attaches consumers over websocket
	Consumer *handlers.ConsumerSocketHandler

	// Health handles health check endpoints
	Health *handlers.HealthHandler

	// Metrics is the optional metrics recorder
	Metrics middleware.MetricsRecorder
}

// NewRouter creates a new chi router with middleware and routes.
func NewRouter(cfg *config.Config, log logger.Logger, h *Handlers) chi.Router {
	log = logger.OrGlobal(log)
	r := chi.NewRouter()

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Tracing(middleware.DefaultTracingOptions()))

	if h.Metrics != nil {
		r.Use(middleware.Metrics(h.Metrics))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotFound, response.ErrCodeNotFound, "Route not found", middleware.GetRequestID(r.Context()))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, response.ErrCodeMethodNotAllowed, "Method not allowed", middleware.GetRequestID(r.Context()))
	})

	RegisterRoutes(r, cfg, h)

	return r
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(r chi.Router, cfg *config.Config, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Server.RateLimit.Enabled {
			r.Use(middleware.RateLimit(middleware.NewRateLimiter(middleware.RateLimitConfig{
				RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
				Burst:             cfg.Server.RateLimit.Burst,
				IdleTTL:           10 * time.Minute,
			})))
		}
		if cfg.Server.HTTP.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.Server.HTTP.RequestTimeout))
		}

		if h.Signals != nil {
			r.Route("/signals", func(r chi.Router) {
				r.Post("/", h.Signals.Ingest)
				r.Post("/cancel", h.Signals.CancelCall)
			})
		}

		if h.KeepAlive != nil {
			r.Route("/keepalive", func(r chi.Router) {
				r.Get("/", h.KeepAlive.Status)
				r.Post("/start", h.KeepAlive.Start)
				r.Post("/stop", h.KeepAlive.Stop)
				r.Post("/renew", h.KeepAlive.Renew)
			})
		}

		if h.Session != nil {
			r.Put("/session", h.Session.Login)
			r.Delete("/session", h.Session.Logout)
			r.Put("/registration-token", h.Session.PutRegistrationToken)
			r.Get("/registration-token", h.Session.GetRegistrationToken)
		}

		if h.Lifecycle != nil {
			r.Post("/lifecycle/{event}", h.Lifecycle.Notify)
		}

		if h.Alerts != nil {
			r.Delete("/alerts/{id}", h.Alerts.Dismiss)
		}
	})

	// The socket manages its own deadlines and is not rate limited.
	if h.Consumer != nil {
		r.Get("/ws/consumer", h.Consumer.ServeHTTP)
	}

	// Health check routes (not versioned)
	if h.Health != nil {
		r.Get("/health", h.Health.Health)
		r.Get("/ready", h.Health.Ready)
		r.Get("/status", h.Health.Status)
	}
}
