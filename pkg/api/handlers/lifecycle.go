package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/securecall/callrelay/pkg/api/response"
	"github.com/securecall/callrelay/pkg/lifecycle"
	"github.com/securecall/callrelay/pkg/logger"
)

// LifecycleDispatcher applies host lifecycle events.
type LifecycleDispatcher interface {
	Handle(ctx context.Context, ev lifecycle.Event) (lifecycle.Outcome, error)
}

// LifecycleHandler handles lifecycle endpoints.
type LifecycleHandler struct {
	dispatcher LifecycleDispatcher
	logger     logger.Logger
}

// NewLifecycleHandler creates a new lifecycle handler.
func NewLifecycleHandler(dispatcher LifecycleDispatcher, log logger.Logger) *LifecycleHandler {
	return &LifecycleHandler{
		dispatcher: dispatcher,
		logger:     logger.OrGlobal(log).Component("api"),
	}
}

// Notify handles POST /api/v1/lifecycle/{event}.
func (h *LifecycleHandler) Notify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ev, err := lifecycle.ParseEvent(chi.URLParam(r, "event"))
	if err != nil {
		response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeBadRequest, err.Error(),
			map[string]any{"supported": lifecycle.Events}, getRequestID(ctx))
		return
	}

	out, err := h.dispatcher.Handle(ctx, ev)
	if err != nil {
		h.logger.ErrorContext(ctx, "lifecycle event failed", "event", ev, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, out)
}
