// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext and organization scoping checks

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject        string
	OrganizationID string // empty for admins spanning every organization
	Roles          []string
}

// IsAdmin returns true if the identity has the admin role.
func (a *AuthContext) IsAdmin() bool {
	for _, r := range a.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// CanAccess reports whether the identity may see instances of org.
func (a *AuthContext) CanAccess(org string) bool {
	if a.IsAdmin() && a.OrganizationID == "" {
		return true
	}
	return a.OrganizationID != "" && a.OrganizationID == org
}

// Scope returns the organization list queries must be narrowed to. Empty
// means every organization.
func (a *AuthContext) Scope() string {
	if a.IsAdmin() && a.OrganizationID == "" {
		return ""
	}
	return a.OrganizationID
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

// MustFromContext retrieves the AuthContext from the context, panicking if not present.
func MustFromContext(ctx context.Context) *AuthContext {
	auth := FromContext(ctx)
	if auth == nil {
		panic("auth: AuthContext not found in context")
	}
	return auth
}
