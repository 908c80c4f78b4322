package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/securecall/callrelay/pkg/logger"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// RequestID tags every request with a correlation id. A push gateway that
// retries a delivery with the same X-Request-ID keeps its id, so both attempts
// and their reconciliation decisions share it in logs, spans and responses.
// Ids that are too long or not printable ASCII are replaced.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if !validRequestID(id) {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
		})
	}
}

// GetRequestID returns the correlation id of the request ctx belongs to.
func GetRequestID(ctx context.Context) string {
	return logger.RequestIDFrom(ctx)
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}
