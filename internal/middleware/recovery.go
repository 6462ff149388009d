package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/lyralabs/companion-gateway/internal/logger"
)

// Recovery returns a middleware that converts panics into 500 responses.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log := logger.FromContext(r.Context(), "recovery")
					log.Error("panic recovered", logger.Fields{
						"panic":  rec,
						"method": r.Method,
						"path":   r.URL.Path,
						"stack":  string(debug.Stack()),
					})

					WriteJSON(w, http.StatusInternalServerError, map[string]string{
						"error":      "internal_error",
						"message":    "An internal error occurred.",
						"request_id": logger.GetRequestID(r.Context()),
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
