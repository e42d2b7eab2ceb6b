// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Reads the bearer token from the Authorization header or access_token query

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// anonymousAdmin is attached to every request when authentication is off.
var anonymousAdmin = &AuthContext{Subject: "anonymous", Roles: []string{RoleAdmin}}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken finds the token of r. Browsers cannot set headers on
// EventSource or WebSocket requests, so access_token is accepted as a query
// parameter too.
func requestToken(r *http.Request) (string, string) {
	if h := r.Header.Get("Authorization"); h != "" {
		return extractBearerToken(h)
	}
	if q := r.URL.Query().Get("access_token"); q != "" {
		return q, ""
	}
	return "", "missing authorization header"
}

func writeAuthError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": msg})
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates
// JWT tokens and adds the AuthContext to the request context. A nil verifier
// disables authentication and every request acts as an admin.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), anonymousAdmin)))
				return
			}

			token, errMsg := requestToken(r)
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", errMsg)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("rejected api token", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "error", err)
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			authCtx := &AuthContext{
				Subject:        claims.Subject,
				OrganizationID: claims.OrganizationID,
				Roles:          []string{claims.Role},
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdminHTTP creates an HTTP middleware that requires the admin role.
// Must be used after HTTPAuthMiddleware.
func RequireAdminHTTP() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
				return
			}

			if !authCtx.IsAdmin() {
				writeAuthError(w, http.StatusForbidden, "forbidden", "admin role required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
