// Package security carries caller identity and implements the permission and security-entity providers.
package security

import "context"

// SystemUserID identifies the built-in administrator every repository is seeded with.
const SystemUserID int64 = 1

// EveryoneID is the identity that grants to all authenticated callers are attached to.
const EveryoneID int64 = -1

type userContextKey struct{}

// WithUser returns a context carrying userID as the caller.
func WithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// WithSystemUser returns a context elevated to the system user.
func WithSystemUser(ctx context.Context) context.Context {
	return WithUser(ctx, SystemUserID)
}

// CurrentUser returns the caller carried by ctx.
func CurrentUser(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userContextKey{}).(int64)
	return userID, ok && userID != 0
}

// UserID returns the caller id, or 0 for an anonymous context.
func UserID(ctx context.Context) int64 {
	userID, _ := CurrentUser(ctx)
	return userID
}

// IsSystemUser reports whether ctx runs as the system user.
func IsSystemUser(ctx context.Context) bool {
	userID, ok := CurrentUser(ctx)
	return ok && userID == SystemUserID
}
