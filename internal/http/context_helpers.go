package httpx

import (
	"context"

	"github.com/santeplus/medportal/internal/service"
)

// sessionKey is an unexported context key type to avoid collisions across packages.
// Centralized in this file so all handlers/middleware use the same key.
type sessionKey struct{}

// SetSessionInContext returns a child context that carries the given session.
// If session is nil, the original ctx is returned unchanged.
func SetSessionInContext(ctx context.Context, session *service.Session) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionKey{}, session)
}

// GetSessionFromContext returns the session placed by LoadSession and a
// boolean indicating presence.
func GetSessionFromContext(ctx context.Context) (*service.Session, bool) {
	if session, ok := ctx.Value(sessionKey{}).(*service.Session); ok && session != nil {
		return session, true
	}
	return nil, false
}

// IsAnonymous reports whether the request context has no authenticated session.
func IsAnonymous(ctx context.Context) bool {
	s, ok := GetSessionFromContext(ctx)
	return !ok || !s.IsAuthenticated()
}
