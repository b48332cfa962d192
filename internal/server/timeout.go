package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware enforces a request deadline via context cancellation.
// Handlers must check context.Done() cooperatively. It is applied to the
// JSON API routes only; SSE observer connections are exempt because they are
// deliberately unbounded in lifetime.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
