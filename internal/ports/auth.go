package ports

// Package ports defines interfaces (hexagonal ports) for auth-related behavior.
// Implementations live in internal/adapters; orchestration in internal/service.

import (
	"context"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
)

// CredentialStore persists the credential triple of one browsing context,
// identified by an opaque context key.
type CredentialStore interface {
	// Save writes token, roles and user together, overwriting prior values.
	Save(ctx context.Context, key string, creds domainauth.Credentials) error
	// Load reads the triple back. Each field may be independently absent.
	// A stored user that cannot be decoded clears the whole triple and is
	// reported as an empty result, not an error.
	Load(ctx context.Context, key string) (domainauth.Credentials, error)
	// Clear removes all three fields. Clearing an empty context is not an error.
	Clear(ctx context.Context, key string) error
	// Available reports whether durable storage can be reached.
	Available(ctx context.Context) bool
}

// LoginRequest carries the credentials submitted on the login surface.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is the token and roles granted by the backend.
type LoginResponse struct {
	Token string
	Roles []domainauth.Role
}

// AuthBackend is the medical backend's authentication surface.
type AuthBackend interface {
	Login(ctx context.Context, req LoginRequest) (LoginResponse, error)
	// Logout invalidates token on the backend. Callers treat it as advisory.
	Logout(ctx context.Context, token string) error
	// FetchUser returns the profile of username, authorized with token.
	FetchUser(ctx context.Context, token, username string) (domainauth.BackendUser, error)
}

// TokenSource resolves the bearer token for an outbound request context.
type TokenSource interface {
	TokenFor(ctx context.Context) (string, error)
}
