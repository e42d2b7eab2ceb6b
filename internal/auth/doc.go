// Package auth provides API authentication for pairline.
//
// # Tokens
//
// API clients authenticate with HS256 JWTs signed with auth.jwt_secret:
//
//   - sub: the caller, recorded in logs
//   - org: the organization whose instances the caller may see
//   - role: "member" (default) or "admin"
//
// An admin token without org spans every organization and may trigger
// reconciliation sweeps. Tokens are minted with `pairline token`.
//
// # Transport
//
// The token is read from the Authorization header ("Bearer <token>"). Push
// streams opened from a browser cannot set headers, so the access_token
// query parameter is accepted as well.
//
// When no secret is configured authentication is disabled and every request
// acts as an anonymous admin.
package auth
