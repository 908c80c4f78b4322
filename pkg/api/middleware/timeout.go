package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context. Handlers pass the context to every
// blocking call, so an expired deadline surfaces as their own error response.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
