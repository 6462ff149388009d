package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

// Middleware provides session authentication middleware.
type Middleware struct {
	config      *config.AuthConfig
	logger      *logger.ComponentLogger
	validator   *TokenValidator
	publicPaths []string
	enabled     bool
}

// NewMiddleware creates a new authentication middleware. Requests whose
// path matches one of publicPaths (prefix match) bypass validation.
func NewMiddleware(cfg *config.AuthConfig, publicPaths []string) (*Middleware, error) {
	m := &Middleware{
		config:      cfg,
		logger:      logger.Get().WithComponent("auth.middleware"),
		publicPaths: publicPaths,
		enabled:     cfg.Enabled,
	}

	if !cfg.Enabled {
		return m, nil
	}

	validator, err := NewTokenValidator(cfg)
	if err != nil {
		return nil, err
	}
	m.validator = validator

	return m, nil
}

// Handler returns the middleware handler.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || m.isPublicPath(r.URL.Path) {
			metrics.RecordAuthAttempt("bypass")
			next.ServeHTTP(w, r)
			return
		}

		tokenString, err := m.extractToken(r)
		if err != nil {
			m.rejectRequest(w, r, err)
			return
		}

		claims, err := m.validator.ValidateToken(tokenString)
		if err != nil {
			m.rejectRequest(w, r, err)
			return
		}

		metrics.RecordAuthAttempt("success")

		ctx := SetUserContext(r.Context(), NewUserContext(claims))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// isPublicPath reports whether the request path bypasses authentication.
func (m *Middleware) isPublicPath(path string) bool {
	for _, public := range m.publicPaths {
		if path == public || strings.HasPrefix(path, public+"/") {
			return true
		}
	}
	return false
}

// extractToken pulls the session token from the Authorization header,
// falling back to the session cookie.
func (m *Middleware) extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", &ValidationError{
				Code:    "invalid_token",
				Message: "Authorization header must use the Bearer scheme",
			}
		}
		return strings.TrimSpace(header[len(prefix):]), nil
	}

	cookie, err := r.Cookie(m.config.CookieName)
	if err != nil || cookie.Value == "" {
		return "", &ValidationError{
			Code:    "missing_token",
			Message: "A session token is required for this resource",
		}
	}
	return cookie.Value, nil
}

// rejectRequest writes a 401 response for a failed authentication.
func (m *Middleware) rejectRequest(w http.ResponseWriter, r *http.Request, err error) {
	code := "invalid_token"
	message := "Session token is invalid"

	var verr *ValidationError
	if errors.As(err, &verr) {
		code = verr.Code
		message = verr.Message
	}

	metrics.RecordAuthAttempt("failure")
	metrics.RecordAuthFailure(code)

	logger.FromContext(r.Context(), "auth").Warn("authentication failed", logger.Fields{
		"error":  code,
		"path":   r.URL.Path,
		"method": r.Method,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
