package handlers

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/securecall/callrelay/pkg/api/response"
	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/reconciler"
	"github.com/securecall/callrelay/pkg/signal"
)

// Ingester runs signals through delivery reconciliation.
type Ingester interface {
	Ingest(ctx context.Context, raw signal.Raw) (reconciler.Decision, error)
	CancelCall(ctx context.Context, sourceID string) bool
}

// SignalRequest is the ingestion body. Either the structured fields or Data,
// a flat push data map, are set; Data wins when both are present.
type SignalRequest struct {
	Type    string            `json:"type"`
	From    string            `json:"from"`
	IsVideo bool              `json:"isVideo,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// Raw converts the request into an unvalidated signal.
func (req SignalRequest) Raw() signal.Raw {
	if req.Data != nil {
		return signal.RawFromData(req.Data)
	}
	return signal.Raw{
		Kind:     req.Type,
		SourceID: req.From,
		IsVideo:  req.IsVideo,
		Payload:  req.Payload,
	}
}

// CancelCallRequest identifies the caller whose ringing call ended.
type CancelCallRequest struct {
	From string `json:"from" validate:"required"`
}

// CancelCallResponse reports whether a buffered call was withdrawn.
type CancelCallResponse struct {
	Cancelled bool `json:"cancelled"`
}

// SignalHandler handles signal ingestion endpoints.
type SignalHandler struct {
	ingester     Ingester
	logger       logger.Logger
	validator    *validator.Validate
	maxBodyBytes int64
}

// NewSignalHandler creates a new signal handler.
func NewSignalHandler(ingester Ingester, log logger.Logger, maxBodyBytes int64) *SignalHandler {
	return &SignalHandler{
		ingester:     ingester,
		logger:       logger.OrGlobal(log).Component("api"),
		validator:    newValidator(),
		maxBodyBytes: maxBodyBytes,
	}
}

// Ingest handles POST /api/v1/signals. A classified signal is always accepted
// with 202 and the reconciliation decision; only malformed input is refused.
func (h *SignalHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SignalRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		h.logger.WarnContext(ctx, "failed to decode signal", "error", err)
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", getRequestID(ctx))
		return
	}

	decision, err := h.ingester.Ingest(ctx, req.Raw())
	if err != nil {
		if signal.IsMalformedSignal(err) {
			response.Error(w, http.StatusBadRequest, response.ErrCodeMalformedSignal, err.Error(), getRequestID(ctx))
			return
		}
		h.logger.ErrorContext(ctx, "signal ingestion failed", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusAccepted, decision)
}

// CancelCall handles POST /api/v1/signals/cancel.
func (h *SignalHandler) CancelCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CancelCallRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", getRequestID(ctx))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ValidationFailed(w, err, getRequestID(ctx))
		return
	}

	cancelled := h.ingester.CancelCall(ctx, req.From)
	response.JSON(w, http.StatusOK, CancelCallResponse{Cancelled: cancelled})
}
