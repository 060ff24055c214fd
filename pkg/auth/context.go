// Package auth carries the caller identity established by the upstream auth boundary.
// Tokens are verified before requests reach this service; handlers and services read
// the already-trusted user and organization from the request context.
package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type contextKey string

// IdentityKey is the context key for the request Identity.
const IdentityKey contextKey = "identity"

// Identity is the verified caller of a request.
type Identity struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity returns the Identity in ctx, if any.
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	return id, ok
}

// RequireIdentity returns the Identity in ctx or an error if the request is unauthenticated.
func RequireIdentity(ctx context.Context) (Identity, error) {
	id, ok := GetIdentity(ctx)
	if !ok || id.OrganizationID == uuid.Nil || id.UserID == uuid.Nil {
		return Identity{}, fmt.Errorf("identity not found in context")
	}
	return id, nil
}

// GetUserIDFromContext returns the caller's user id, or uuid.Nil.
func GetUserIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := GetIdentity(ctx)
	return id.UserID
}

// GetOrganizationIDFromContext returns the caller's organization id, or uuid.Nil.
func GetOrganizationIDFromContext(ctx context.Context) uuid.UUID {
	id, _ := GetIdentity(ctx)
	return id.OrganizationID
}
