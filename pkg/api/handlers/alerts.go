package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/securecall/callrelay/pkg/api/response"
	"github.com/securecall/callrelay/pkg/logger"
)

// AlertDismisser withdraws presented alerts by handle id.
type AlertDismisser interface {
	DismissID(ctx context.Context, id string) error
}

// AlertHandler handles alert endpoints.
type AlertHandler struct {
	alerts AlertDismisser
	logger logger.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(alerts AlertDismisser, log logger.Logger) *AlertHandler {
	return &AlertHandler{
		alerts: alerts,
		logger: logger.OrGlobal(log).Component("api"),
	}
}

// Dismiss handles DELETE /api/v1/alerts/{id}. Unknown ids succeed.
func (h *AlertHandler) Dismiss(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if id == "" {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Alert ID is required", getRequestID(ctx))
		return
	}

	if err := h.alerts.DismissID(ctx, id); err != nil {
		// The alert is forgotten either way; the renderer failed to withdraw it.
		h.logger.WarnContext(ctx, "alert withdraw failed", "alert_id", id, "error", err)
		response.Error(w, http.StatusBadGateway, response.ErrCodeRendererFailed, "Failed to withdraw alert", getRequestID(ctx))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
