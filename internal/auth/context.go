package auth

import (
	"context"
)

// ContextKey is a type for context keys to avoid collisions.
type ContextKey string

const (
	// UserContextKey is the context key for user information.
	UserContextKey ContextKey = "auth_user"
)

// UserContext represents authenticated user information stored in the
// request context.
type UserContext struct {
	UserID    string
	SessionID string
	Roles     []string
	Claims    *Claims
}

// SetUserContext stores user context in the request context.
func SetUserContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserContext retrieves user context from the request context.
func GetUserContext(ctx context.Context) (*UserContext, bool) {
	user, ok := ctx.Value(UserContextKey).(*UserContext)
	return user, ok
}

// NewUserContext creates a user context from validated claims.
func NewUserContext(claims *Claims) *UserContext {
	return &UserContext{
		UserID:    claims.UserID,
		SessionID: claims.SessionID,
		Roles:     claims.Roles,
		Claims:    claims,
	}
}

// HasRole checks if the user has a specific role.
func (uc *UserContext) HasRole(role string) bool {
	for _, r := range uc.Roles {
		if r == role {
			return true
		}
	}
	return false
}
