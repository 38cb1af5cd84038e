// Package redis provides Redis-based adapters for the medportal front-end.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/santeplus/medportal/internal/adapters/credstore"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	"github.com/santeplus/medportal/internal/ports"
)

// DefaultPrefix namespaces credential keys.
const DefaultPrefix = "medportal:ctx:"

const pingTimeout = 500 * time.Millisecond

// CredentialStore keeps each context's triple as string keys,
// <prefix>{<context key>}:auth_token (and auth_roles, current_user,
// auth_username), written in one MULTI/EXEC and sharing a TTL derived from
// the token's expiry. The hash tag keeps the keys in one cluster slot.
type CredentialStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

var _ ports.CredentialStore = (*CredentialStore)(nil)

// CredentialStoreOptions configures NewCredentialStore.
type CredentialStoreOptions struct {
	Prefix string
	// TTL applies when the token carries no usable expiry.
	TTL    time.Duration
	Logger *slog.Logger
}

// NewCredentialStore creates a Redis-backed credential store.
func NewCredentialStore(client redis.UniversalClient, opts CredentialStoreOptions) *CredentialStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		logger: logger.With("component", "redis_credential_store"),
	}
}

type credentialKeys struct {
	token, roles, user, username string
}

func (k credentialKeys) all() []string { return []string{k.token, k.roles, k.user, k.username} }

func (s *CredentialStore) keys(key string) credentialKeys {
	base := s.prefix + "{" + key + "}:"
	return credentialKeys{
		token:    base + domainauth.KeyToken,
		roles:    base + domainauth.KeyRoles,
		user:     base + domainauth.KeyCurrentUser,
		username: base + domainauth.KeyUsername,
	}
}

func (s *CredentialStore) Save(ctx context.Context, key string, creds domainauth.Credentials) error {
	if key == "" {
		return errors.New("context key cannot be empty")
	}
	rec, err := credstore.Encode(creds)
	if err != nil {
		return err
	}
	ttl := credstore.TTL(creds, s.ttl, time.Now())
	k := s.keys(key)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		setOrDel(ctx, pipe, k.token, rec.Token, ttl)
		setOrDel(ctx, pipe, k.roles, rec.Roles, ttl)
		setOrDel(ctx, pipe, k.user, rec.User, ttl)
		setOrDel(ctx, pipe, k.username, rec.Username, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save credentials: %w", err)
	}
	return nil
}

func setOrDel(ctx context.Context, pipe redis.Pipeliner, key, val string, ttl time.Duration) {
	if val == "" {
		pipe.Del(ctx, key)
		return
	}
	pipe.Set(ctx, key, val, ttl)
}

func (s *CredentialStore) Load(ctx context.Context, key string) (domainauth.Credentials, error) {
	if key == "" {
		return domainauth.Credentials{}, nil
	}
	k := s.keys(key)

	vals, err := s.client.MGet(ctx, k.all()...).Result()
	if err != nil {
		return domainauth.Credentials{}, fmt.Errorf("redis load credentials: %w", err)
	}
	rec := credstore.Record{Token: str(vals, 0), Roles: str(vals, 1), User: str(vals, 2), Username: str(vals, 3)}
	if rec.Empty() {
		return domainauth.Credentials{}, nil
	}

	creds, err := credstore.Decode(rec)
	if err != nil {
		s.logger.WarnContext(ctx, "clearing corrupt credentials", "ctx_key", key, "error", err)
		if clearErr := s.Clear(ctx, key); clearErr != nil {
			return domainauth.Credentials{}, fmt.Errorf("clear corrupt credentials: %w", clearErr)
		}
		return domainauth.Credentials{}, nil
	}

	if ttl, ttlErr := s.client.PTTL(ctx, k.token).Result(); ttlErr == nil && ttl > 0 {
		creds.ExpiresAt = time.Now().Add(ttl)
	}
	return creds, nil
}

func str(vals []any, i int) string {
	if i >= len(vals) {
		return ""
	}
	v, _ := vals[i].(string)
	return v
}

// Clear deletes every key of the context with a single DEL.
func (s *CredentialStore) Clear(ctx context.Context, key string) error {
	if key == "" {
		return nil // Nothing to delete
	}
	if err := s.client.Del(ctx, s.keys(key).all()...).Err(); err != nil {
		return fmt.Errorf("redis clear credentials: %w", err)
	}
	return nil
}

// Available pings Redis with a short deadline.
func (s *CredentialStore) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err() == nil
}

// Purge deletes every credential key under the prefix and returns how many
// keys were removed. Used by the admin CLI.
func (s *CredentialStore) Purge(ctx context.Context) (int64, error) {
	var removed int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 500).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis purge: %w", err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}
