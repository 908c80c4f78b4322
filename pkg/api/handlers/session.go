package handlers

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/securecall/callrelay/pkg/api/response"
	"github.com/securecall/callrelay/pkg/lifecycle"
	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/storage"
)

// LoginRequest carries the credentials of the signed-in user.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=256"`
	Token    string `json:"token" validate:"required,max=4096"`
}

// RegistrationTokenRequest carries the push registration token.
type RegistrationTokenRequest struct {
	Token string `json:"token" validate:"required,max=4096"`
}

// RegistrationTokenResponse is the stored push registration token.
type RegistrationTokenResponse struct {
	Token     string    `json:"token"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionHandler stores credentials and the push registration token and
// translates login and logout into lifecycle events.
type SessionHandler struct {
	store        storage.Store
	dispatcher   LifecycleDispatcher
	clock        clockwork.Clock
	logger       logger.Logger
	validator    *validator.Validate
	maxBodyBytes int64
}

// SessionOptions configures a SessionHandler.
type SessionOptions struct {
	Store        storage.Store
	Dispatcher   LifecycleDispatcher
	Clock        clockwork.Clock
	Logger       logger.Logger
	MaxBodyBytes int64
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(opts SessionOptions) *SessionHandler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &SessionHandler{
		store:        opts.Store,
		dispatcher:   opts.Dispatcher,
		clock:        opts.Clock,
		logger:       logger.OrGlobal(opts.Logger).Component("api"),
		validator:    newValidator(),
		maxBodyBytes: opts.MaxBodyBytes,
	}
}

// Login handles PUT /api/v1/session. The credentials are stored before the
// login event runs so that the keep-alive session sees them.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req LoginRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", getRequestID(ctx))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ValidationFailed(w, err, getRequestID(ctx))
		return
	}

	creds := &storage.Credentials{
		Username:  req.Username,
		Token:     req.Token,
		UpdatedAt: h.clock.Now().UTC(),
	}
	if err := h.store.SaveCredentials(ctx, creds); err != nil {
		h.logger.ErrorContext(ctx, "failed to store credentials", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	h.dispatch(w, r, lifecycle.EventLogin)
}

// Logout handles DELETE /api/v1/session. The keep-alive session is stopped
// before the credentials are cleared.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	out, err := h.dispatcher.Handle(ctx, lifecycle.EventLogout)
	if err != nil {
		h.logger.WarnContext(ctx, "logout did not stop keep-alive cleanly", "error", err)
	}

	if err := h.store.ClearCredentials(ctx); err != nil {
		h.logger.ErrorContext(ctx, "failed to clear credentials", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, out)
}

func (h *SessionHandler) dispatch(w http.ResponseWriter, r *http.Request, ev lifecycle.Event) {
	ctx := r.Context()

	out, err := h.dispatcher.Handle(ctx, ev)
	if err != nil {
		h.logger.ErrorContext(ctx, "lifecycle event failed", "event", ev, "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, out)
}

// PutRegistrationToken handles PUT /api/v1/registration-token.
func (h *SessionHandler) PutRegistrationToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req RegistrationTokenRequest
	if err := decodeJSON(w, r, h.maxBodyBytes, &req); err != nil {
		response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, "Invalid request body", getRequestID(ctx))
		return
	}
	if err := h.validator.Struct(&req); err != nil {
		response.ValidationFailed(w, err, getRequestID(ctx))
		return
	}

	token := &storage.RegistrationToken{Token: req.Token, UpdatedAt: h.clock.Now().UTC()}
	if err := h.store.SaveRegistrationToken(ctx, token); err != nil {
		h.logger.ErrorContext(ctx, "failed to store registration token", "error", err)
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetRegistrationToken handles GET /api/v1/registration-token.
func (h *SessionHandler) GetRegistrationToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, err := h.store.RegistrationToken(ctx)
	if err != nil {
		response.HandleError(w, err, getRequestID(ctx))
		return
	}

	response.JSON(w, http.StatusOK, RegistrationTokenResponse{
		Token:     token.Token,
		UpdatedAt: token.UpdatedAt,
	})
}
