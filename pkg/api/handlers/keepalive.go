package handlers

import (
	"context"
	"net/http"

	"github.com/securecall/callrelay/pkg/api/response"
	"github.com/securecall/callrelay/pkg/keepalive"
	"github.com/securecall/callrelay/pkg/logger"
)

// KeepAliveController controls the keep-alive session.
type KeepAliveController interface {
	Start(ctx context.Context) (keepalive.Status, error)
	Stop(ctx context.Context) error
	Renew(ctx context.Context) (keepalive.Status, error)
	State() keepalive.Status
}

// KeepAliveHandler handles keep-alive endpoints.
type KeepAliveHandler struct {
	session KeepAliveController
	logger  logger.Logger
}

// NewKeepAliveHandler creates a new keep-alive handler.
func NewKeepAliveHandler(session KeepAliveController, log logger.Logger) *KeepAliveHandler {
	return &KeepAliveHandler{
		session: session,
		logger:  logger.OrGlobal(log).Component("api"),
	}
}

// Start handles POST /api/v1/keepalive/start. Without stored credentials the
// session is refused with 409.
func (h *KeepAliveHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := h.session.Start(ctx)
	if err != nil {
		if !keepalive.IsNotAuthenticated(err) {
			h.logger.ErrorContext(ctx, "keep-alive start failed", "error", err)
		}
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, status)
}

// Renew handles POST /api/v1/keepalive/renew.
func (h *KeepAliveHandler) Renew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status, err := h.session.Renew(ctx)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, status)
}

// Stop handles POST /api/v1/keepalive/stop.
func (h *KeepAliveHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.session.Stop(ctx); err != nil {
		h.logger.WarnContext(ctx, "keep-alive stop reported errors", "error", err)
	}

	response.JSON(w, http.StatusOK, h.session.State())
}

// Status handles GET /api/v1/keepalive.
func (h *KeepAliveHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, h.session.State())
}
