package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

// Middleware creates a request admission middleware backed by limiter.
// The limiter is consulted once per inbound request; on rejection the
// request is terminated with 429 Too Many Requests before any business
// logic executes. Logging, metrics, and response formatting all happen
// here rather than in the limiter.
func Middleware(limiter *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)

			admitted := limiter.Admit(key)
			metrics.RecordRateLimitCheck()
			metrics.SetRateLimitBuckets(limiter.Len())

			if admitted {
				next.ServeHTTP(w, r)
				return
			}

			retryAfter := limiter.RetryAfter(key)
			metrics.RecordRateLimitRejected(keyKind(key), r.URL.Path)

			logger.FromContext(r.Context(), "ratelimit").Warn("request rejected", logger.Fields{
				"key":         key,
				"path":        r.URL.Path,
				"method":      r.Method,
				"retry_after": retryAfter.Seconds(),
			})

			writeRejection(w, limiter.Burst(), retryAfter)
		})
	}
}

// keyKind returns the key namespace ("user" or "ip") for metric labels,
// keeping the full key out of label cardinality.
func keyKind(key string) string {
	if idx := strings.Index(key, ":"); idx != -1 {
		return key[:idx]
	}
	return "unknown"
}

// writeRejection writes the 429 response with retry hints.
func writeRejection(w http.ResponseWriter, burst int, retryAfter time.Duration) {
	seconds := int(retryAfter.Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(burst))
	if seconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.WriteHeader(http.StatusTooManyRequests)

	resp := map[string]interface{}{
		"error":   "rate_limit_exceeded",
		"message": "Too many requests. Please try again later.",
	}
	if seconds > 0 {
		resp["retry_after"] = seconds
	}

	_ = json.NewEncoder(w).Encode(resp)
}
