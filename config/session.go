package config

import (
	"fmt"
	"strings"
	"time"
)

// StoreKind selects the credential storage backend.
type StoreKind string

const (
	// StoreKindMemory keeps credentials in process memory (single instance, dev).
	StoreKindMemory StoreKind = "memory"
	// StoreKindRedis keeps credentials in Redis.
	StoreKindRedis StoreKind = "redis"
	// StoreKindPostgres keeps credentials in the browser_credentials table.
	StoreKindPostgres StoreKind = "postgres"
	// StoreKindNone disables storage; every request is anonymous and guard
	// decisions are deferred.
	StoreKindNone StoreKind = "none"
)

// UnmarshalText implements encoding.TextUnmarshaler for StoreKind.
func (k *StoreKind) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch StoreKind(v) {
	case StoreKindMemory, StoreKindRedis, StoreKindPostgres, StoreKindNone:
		*k = StoreKind(v)
		return nil
	default:
		return fmt.Errorf("invalid StoreKind: %q (valid options: memory, redis, postgres, none)", v)
	}
}

// SessionConfig controls where credentials live and how browsing contexts
// are identified.
type SessionConfig struct {
	// Store selects the storage backend.
	Store StoreKind `env:"SESSION_STORE" envDefault:"redis"`

	// TTL is the storage lifetime for credentials whose token carries no expiry.
	TTL time.Duration `env:"SESSION_TTL" envDefault:"12h"`

	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `env:"SESSION_KEY_PREFIX" envDefault:"medportal:ctx:"`

	// CookieName names the browsing-context cookie.
	CookieName string `env:"SESSION_COOKIE_NAME" envDefault:"medportal_ctx"`
}

// Sanitize applies guardrails to session configuration values.
func (s *SessionConfig) Sanitize() {
	if s.Store == "" {
		s.Store = StoreKindRedis
	}
	if s.TTL < time.Minute {
		s.TTL = time.Minute
	}
	if s.KeyPrefix = strings.TrimSpace(s.KeyPrefix); s.KeyPrefix == "" {
		s.KeyPrefix = "medportal:ctx:"
	}
	if s.CookieName = strings.TrimSpace(s.CookieName); s.CookieName == "" {
		s.CookieName = "medportal_ctx"
	}
}
