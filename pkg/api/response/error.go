package response

import (
	"errors"
	"net/http"

	"github.com/securecall/callrelay/pkg/consumer"
	"github.com/securecall/callrelay/pkg/keepalive"
	"github.com/securecall/callrelay/pkg/signal"
	"github.com/securecall/callrelay/pkg/storage"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeMalformedSignal    = "MALFORMED_SIGNAL"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeRendererFailed     = "RENDERER_FAILED"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// Common errors
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("request timeout")
)

// HTTPStatusFromError maps sentinel and domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), storage.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput), signal.IsMalformedSignal(err):
		return http.StatusBadRequest
	case keepalive.IsNotAuthenticated(err):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable), consumer.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromError returns the error code for err.
func ErrorCodeFromError(err error) string {
	switch {
	case signal.IsMalformedSignal(err):
		return ErrCodeMalformedSignal
	case keepalive.IsNotAuthenticated(err):
		return ErrCodeNotAuthenticated
	default:
		return ErrorCodeFromStatus(HTTPStatusFromError(err))
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusTooManyRequests:
		return ErrCodeRateLimited
	case http.StatusBadGateway:
		return ErrCodeRendererFailed
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes the response matching err. Internal errors are not echoed.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal server error"
	}
	Error(w, status, ErrorCodeFromError(err), msg, requestID)
}
