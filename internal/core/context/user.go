// Package context provides request-scoped values extraction.
package context

import (
	"context"
)

// SystemUserID is recorded as the caller when no identity was supplied.
const SystemUserID = "system"

// UserContext contains the caller identity supplied by the external
// authentication layer. It is used for audit attribution only.
type UserContext struct {
	UserID string
	Email  string
	Roles  []string
}

type userContextKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(userContextKey{}).(*UserContext); ok {
		return v
	}
	return nil
}

// GetUserID returns user ID from context or empty string.
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// CallerID returns the caller identity for attribution, falling back to SystemUserID.
func CallerID(ctx context.Context) string {
	if uid := GetUserID(ctx); uid != "" {
		return uid
	}
	return SystemUserID
}
