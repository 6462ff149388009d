package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/lyralabs/companion-gateway/internal/auth"
)

// ClientKey derives the stable rate limit key for a request.
// Requests carrying a validated session are keyed by user ID so limits
// follow the account across addresses; everything else is keyed by the
// resolved client IP.
func ClientKey(r *http.Request) string {
	if user, ok := auth.GetUserContext(r.Context()); ok && user.UserID != "" {
		return "user:" + user.UserID
	}
	return "ip:" + clientIP(r)
}

// clientIP resolves the caller's address, preferring proxy headers over
// the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// First entry is the original client.
		if idx := strings.Index(xff, ","); idx != -1 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
