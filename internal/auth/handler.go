package auth

import (
	"encoding/json"
	"net/http"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
)

// tokenRequest is the body of a token issuance request.
type tokenRequest struct {
	APIKey string `json:"api_key"`
}

// tokenResponse is the body of a successful token issuance.
type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
	ExpiresAt int64  `json:"expires_at"`
}

// TokenHandler exchanges a configured API key for a session token.
type TokenHandler struct {
	config *config.AuthConfig
	issuer *TokenIssuer
	logger *logger.ComponentLogger
}

// NewTokenHandler creates the token issuance handler.
func NewTokenHandler(cfg *config.AuthConfig) (*TokenHandler, error) {
	issuer, err := NewTokenIssuer(cfg)
	if err != nil {
		return nil, err
	}

	return &TokenHandler{
		config: cfg,
		issuer: issuer,
		logger: logger.Get().WithComponent("auth.token"),
	}, nil
}

// ServeHTTP handles POST /auth/token.
func (h *TokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "Request body must include api_key")
		return
	}

	userID, ok := h.config.APIKeys[req.APIKey]
	if !ok {
		metrics.RecordAuthFailure("invalid_api_key")
		logger.FromContext(r.Context(), "auth.token").Warn("token request with unknown API key", nil)
		writeJSONError(w, http.StatusUnauthorized, "invalid_api_key", "The provided API key is not recognized")
		return
	}

	token, expiresAt, err := h.issuer.Issue(userID, nil)
	if err != nil {
		logger.FromContext(r.Context(), "auth.token").Error("token issuance failed", logger.Fields{
			"error": err.Error(),
		})
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "Failed to issue session token")
		return
	}

	metrics.RecordTokenIssued()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(h.config.TokenTTL.Seconds()),
		ExpiresAt: expiresAt.Unix(),
	})
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
	})
}
