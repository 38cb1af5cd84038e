package credstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/ports"
)

// MemoryStore keeps credentials in process memory. Entries expire at the
// credentials' ExpiresAt (or after the default TTL) and are dropped lazily.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

var _ ports.CredentialStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store. ttl <= 0 disables expiry for
// credentials without an ExpiresAt.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With("component", "memory_credential_store"),
	}
}

func (m *MemoryStore) Save(_ context.Context, key string, creds domainauth.Credentials) error {
	if key == "" {
		return errors.New("context key cannot be empty")
	}
	rec, err := Encode(creds)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{rec: rec, expires: expiry(creds.ExpiresAt, m.ttl, m.now())}
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, key string) (domainauth.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return domainauth.Credentials{}, nil
	}
	if !e.expires.IsZero() && !m.now().Before(e.expires) {
		delete(m.entries, key)
		return domainauth.Credentials{}, nil
	}
	creds, err := Decode(e.rec)
	if err != nil {
		delete(m.entries, key)
		m.logger.WarnContext(ctx, "cleared corrupt credentials", "ctx_key", key, "error", err)
		return domainauth.Credentials{}, nil
	}
	if !e.expires.IsZero() {
		creds.ExpiresAt = e.expires
	}
	return creds, nil
}

func (m *MemoryStore) Clear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Available(context.Context) bool { return true }

// PutRecord stores a raw record, bypassing encoding. Used to seed fixtures.
func (m *MemoryStore) PutRecord(key string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{rec: rec}
}

// Len returns the number of stored contexts, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// expiry picks the storage deadline: the token's own expiry when known,
// otherwise now+ttl, otherwise none.
func expiry(tokenExp time.Time, ttl time.Duration, now time.Time) time.Time {
	if !tokenExp.IsZero() && tokenExp.After(now) {
		return tokenExp
	}
	if ttl > 0 {
		return now.Add(ttl)
	}
	return time.Time{}
}

// TTL returns the storage lifetime for creds from now, using fallback when
// the token expiry is unknown or already past.
func TTL(creds domainauth.Credentials, fallback time.Duration, now time.Time) time.Duration {
	if d := expiry(creds.ExpiresAt, fallback, now); !d.IsZero() {
		return d.Sub(now)
	}
	return 0
}
