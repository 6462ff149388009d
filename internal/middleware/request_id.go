package middleware

import (
	"net/http"

	"github.com/lyralabs/companion-gateway/internal/logger"
)

const (
	// RequestIDHeader is the HTTP header for the request ID.
	RequestIDHeader = "X-Request-ID"
)

// RequestID returns a middleware that assigns each request a unique ID,
// honoring one supplied by the caller.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = logger.GenerateRequestID()
			}

			ctx := logger.WithRequestID(r.Context(), requestID)
			r = r.WithContext(ctx)

			w.Header().Set(RequestIDHeader, requestID)

			next.ServeHTTP(w, r)
		})
	}
}
