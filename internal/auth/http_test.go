// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header and query tokens, rejection responses, disabled auth and the admin gate

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func captureAuth(got **AuthContext) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier := newTestVerifier(t)
	token, _ := verifier.Generate("user-123", "org-1", "", time.Hour)

	tests := []struct {
		name  string
		setup func(r *http.Request)
		url   string
	}{
		{
			name:  "authorization header",
			url:   "/api/instances",
			setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) },
		},
		{
			name:  "access_token query",
			url:   "/api/instances/i-1/events?access_token=" + token,
			setup: func(r *http.Request) {},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got *AuthContext
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier, nil)(captureAuth(&got)).ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got == nil || got.Subject != "user-123" || got.OrganizationID != "org-1" {
				t.Errorf("auth context = %+v", got)
			}
		})
	}
}

func TestHTTPAuthMiddleware_Rejects(t *testing.T) {
	verifier := newTestVerifier(t)
	expired, _ := verifier.Generate("user-123", "org-1", "", -time.Minute)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage token", "Bearer nope"},
		{"expired token", "Bearer " + expired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })

			req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			HTTPAuthMiddleware(verifier, nil)(handler).ServeHTTP(rec, req)

			if called {
				t.Error("handler called for rejected request")
			}
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != "unauthorized" || body["message"] == "" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestHTTPAuthMiddleware_Disabled(t *testing.T) {
	var got *AuthContext
	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(nil, nil)(captureAuth(&got)).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got == nil || !got.IsAdmin() || got.Scope() != "" {
		t.Errorf("auth context = %+v, want anonymous admin", got)
	}
}

func TestRequireAdminHTTP(t *testing.T) {
	tests := []struct {
		name string
		auth *AuthContext
		want int
	}{
		{"no auth", nil, http.StatusUnauthorized},
		{"member", &AuthContext{Subject: "u", OrganizationID: "org-1", Roles: []string{RoleMember}}, http.StatusForbidden},
		{"admin", &AuthContext{Subject: "ops", Roles: []string{RoleAdmin}}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/reconcile", nil)
			if tt.auth != nil {
				req = req.WithContext(WithAuth(req.Context(), tt.auth))
			}
			rec := httptest.NewRecorder()
			RequireAdminHTTP()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			})).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
