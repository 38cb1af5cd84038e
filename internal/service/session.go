package service

import (
	"slices"
	"sync"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
)

// Session is the in-memory mirror of one browsing context's credentials,
// hydrated once per request (or CLI command) by SessionManager.Open.
// Reads never perform I/O. Only SessionManager mutates it.
type Session struct {
	key string

	mu          sync.RWMutex
	creds       domainauth.Credentials
	unavailable bool
}

// NewSession returns a mirror for key holding creds. Used by callers that
// already hold the triple, and by tests.
func NewSession(key string, creds domainauth.Credentials) *Session {
	return &Session{key: key, creds: creds}
}

// Key returns the browsing-context key.
func (s *Session) Key() string { return s.key }

// IsAuthenticated reports whether a token is present.
func (s *Session) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Token != ""
}

// Token returns the bearer token, or "".
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Token
}

// Roles returns a copy of the granted roles.
func (s *Session) Roles() []domainauth.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.creds.Roles)
}

// HasRole reports whether r was granted.
func (s *Session) HasRole(r domainauth.Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.HasRole(r)
}

// CurrentUser returns a copy of the profile, or nil when it is not loaded.
// A nil user on an authenticated session means "profile not yet loaded",
// not "anonymous".
func (s *Session) CurrentUser() *domainauth.UserEssentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.User == nil {
		return nil
	}
	u := *s.creds.User
	return &u
}

// ProfileLoaded reports whether the profile is present.
func (s *Session) ProfileLoaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.User != nil
}

// LoginName returns the username the session logged in with, or "" when it
// is unknown.
func (s *Session) LoginName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Username
}

// StorageAvailable reports whether durable storage could be read when the
// session was opened. When false the session is anonymous by necessity and
// authorization decisions should be deferred.
func (s *Session) StorageAvailable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.unavailable
}

func (s *Session) set(creds domainauth.Credentials) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = creds
}

func (s *Session) snapshot() domainauth.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = domainauth.Credentials{}
}
