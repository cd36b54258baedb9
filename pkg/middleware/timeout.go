package middleware

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Timeout bounds each request's context by timeout unless the caller already
// set an earlier deadline.
func Timeout(timeout time.Duration, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if deadline, ok := r.Context().Deadline(); ok && time.Until(deadline) <= timeout {
				next.ServeHTTP(w, r)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()

			logger.Debug("Applied handler timeout",
				zap.String("path", r.URL.Path),
				zap.Duration("timeout", timeout),
			)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Chain applies middleware so the first listed runs outermost
func Chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
