package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
)

// ValidationError describes why a token was rejected.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Claims represents the session JWT claims.
type Claims struct {
	jwt.RegisteredClaims
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Roles     []string `json:"roles,omitempty"`
}

// TokenValidator validates session JWTs.
type TokenValidator struct {
	config    *config.AuthConfig
	logger    *logger.ComponentLogger
	publicKey *rsa.PublicKey
	hmacKey   []byte
}

// NewTokenValidator creates a new token validator.
func NewTokenValidator(cfg *config.AuthConfig) (*TokenValidator, error) {
	tv := &TokenValidator{
		config: cfg,
		logger: logger.Get().WithComponent("auth.validator"),
	}

	switch cfg.SigningAlgorithm {
	case "HS256":
		if cfg.SharedSecret == "" {
			return nil, fmt.Errorf("HS256 requires a shared secret")
		}
		tv.hmacKey = []byte(cfg.SharedSecret)
	case "RS256":
		if cfg.PublicKeyFile == "" {
			return nil, fmt.Errorf("RS256 requires a public key file")
		}
		key, err := loadRSAPublicKey(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load public key: %w", err)
		}
		tv.publicKey = key
	default:
		return nil, fmt.Errorf("unsupported signing algorithm: %s", cfg.SigningAlgorithm)
	}

	tv.logger.Info("token validator initialized", logger.Fields{
		"algorithm": cfg.SigningAlgorithm,
	})

	return tv, nil
}

// loadRSAPublicKey loads an RSA public key from a PEM file.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if pkcs1Key, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return pkcs1Key, nil
		}
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// ValidateToken validates a session token string and returns its claims.
func (tv *TokenValidator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(tv.config.ClockSkewTolerance),
		jwt.WithExpirationRequired(),
	}
	if tv.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		switch tv.config.SigningAlgorithm {
		case "HS256":
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return tv.hmacKey, nil
		case "RS256":
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return tv.publicKey, nil
		}
		return nil, fmt.Errorf("unsupported signing algorithm")
	}, opts...)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, &ValidationError{Code: "expired_token", Message: "Session token has expired"}
		case errors.Is(err, jwt.ErrTokenNotValidYet):
			return nil, &ValidationError{Code: "token_not_yet_valid", Message: "Session token is not valid yet"}
		default:
			return nil, &ValidationError{Code: "invalid_token", Message: "Session token is invalid"}
		}
	}

	if !token.Valid {
		return nil, &ValidationError{Code: "invalid_token", Message: "Session token is invalid"}
	}

	if claims.UserID == "" {
		return nil, &ValidationError{Code: "invalid_token", Message: "Session token is missing the user claim"}
	}

	return claims, nil
}

// TokenIssuer issues HS256 session tokens.
type TokenIssuer struct {
	config *config.AuthConfig
	logger *logger.ComponentLogger
}

// NewTokenIssuer creates a new token issuer. Issuance requires the HS256
// shared secret; RS256 deployments sign tokens elsewhere.
func NewTokenIssuer(cfg *config.AuthConfig) (*TokenIssuer, error) {
	if cfg.SigningAlgorithm != "HS256" {
		return nil, fmt.Errorf("token issuance requires HS256, have %s", cfg.SigningAlgorithm)
	}
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("token issuance requires a shared secret")
	}

	return &TokenIssuer{
		config: cfg,
		logger: logger.Get().WithComponent("auth.issuer"),
	}, nil
}

// Issue creates a signed session token for the given user.
func (ti *TokenIssuer) Issue(userID string, roles []string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ti.config.TokenTTL)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    ti.config.Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		UserID:    userID,
		SessionID: uuid.NewString(),
		Roles:     roles,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(ti.config.SharedSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}
