package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/santeplus/medportal/internal/adapters/credstore"
	"github.com/santeplus/medportal/internal/data/pgxutil"
	domainauth "github.com/santeplus/medportal/internal/domain/auth"
	apperrors "github.com/santeplus/medportal/internal/errors"
	"github.com/santeplus/medportal/internal/ports"
)

// CredentialRepo stores one row per browsing context in browser_credentials.
// A row always holds a whole triple, so save and clear are single statements.
type CredentialRepo struct {
	DB     *sql.DB
	TTL    time.Duration
	Time   TimeProvider
	Logger *slog.Logger
}

var _ ports.CredentialStore = (*CredentialRepo)(nil)

// NewCredentialRepo creates a new credential repository.
func NewCredentialRepo(db *sql.DB, ttl time.Duration, logger *slog.Logger) *CredentialRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialRepo{
		DB:     db,
		TTL:    ttl,
		Time:   &RealTimeProvider{},
		Logger: logger.With("component", "pg_credential_store"),
	}
}

const credentialColumns = `context_key, auth_token, auth_roles, current_user_json, auth_username, expires_at`

type credentialRow struct {
	ContextKey string         `db:"context_key"`
	Token      string         `db:"auth_token"`
	Roles      sql.NullString `db:"auth_roles"`
	User       sql.NullString `db:"current_user_json"`
	Username   sql.NullString `db:"auth_username"`
	ExpiresAt  sql.NullTime   `db:"expires_at"`
}

func (r credentialRow) record() credstore.Record {
	return credstore.Record{Token: r.Token, Roles: r.Roles.String, User: r.User.String, Username: r.Username.String}
}

// Save upserts the triple. Saving credentials without a token removes the row.
func (r *CredentialRepo) Save(ctx context.Context, key string, creds domainauth.Credentials) error {
	if key == "" {
		return errors.New("context key cannot be empty")
	}
	if creds.Token == "" {
		return r.Clear(ctx, key)
	}
	rec, err := credstore.Encode(creds)
	if err != nil {
		return err
	}

	var expires sql.NullTime
	now := r.Time.Now()
	if ttl := credstore.TTL(creds, r.TTL, now); ttl > 0 {
		expires = sql.NullTime{Time: now.Add(ttl), Valid: true}
	}

	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO browser_credentials (`+credentialColumns+`, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (context_key) DO UPDATE SET
			auth_token = EXCLUDED.auth_token,
			auth_roles = EXCLUDED.auth_roles,
			current_user_json = EXCLUDED.current_user_json,
			auth_username = EXCLUDED.auth_username,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		key, rec.Token, nullString(rec.Roles), nullString(rec.User), nullString(rec.Username), expires)
	if err != nil {
		return fmt.Errorf("save credentials: %w", apperrors.MapDBError(err))
	}
	return nil
}

// Load reads the triple. Expired and corrupt rows are deleted and read as empty.
func (r *CredentialRepo) Load(ctx context.Context, key string) (domainauth.Credentials, error) {
	if key == "" {
		return domainauth.Credentials{}, nil
	}

	var row credentialRow
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `SELECT `+credentialColumns+` FROM browser_credentials WHERE context_key = $1`, key)
		if err != nil {
			return err
		}
		defer rows.Close()
		row, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[credentialRow])
		return err
	})
	if err != nil {
		mapped := apperrors.MapDBError(err)
		if apperrors.IsNotFound(mapped) {
			return domainauth.Credentials{}, nil
		}
		return domainauth.Credentials{}, fmt.Errorf("load credentials: %w", mapped)
	}

	if row.ExpiresAt.Valid && !r.Time.Now().Before(row.ExpiresAt.Time) {
		return domainauth.Credentials{}, r.Clear(ctx, key)
	}

	creds, err := credstore.Decode(row.record())
	if err != nil {
		r.Logger.WarnContext(ctx, "clearing corrupt credentials", "ctx_key", key, "error", err)
		return domainauth.Credentials{}, r.Clear(ctx, key)
	}
	if row.ExpiresAt.Valid {
		creds.ExpiresAt = row.ExpiresAt.Time
	}
	return creds, nil
}

// Clear deletes the row for key.
func (r *CredentialRepo) Clear(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM browser_credentials WHERE context_key = $1`, key); err != nil {
		return fmt.Errorf("clear credentials: %w", apperrors.MapDBError(err))
	}
	return nil
}

// Available reports whether the database answers a ping.
func (r *CredentialRepo) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.DB.PingContext(ctx) == nil
}

// PurgeExpired deletes rows whose expiry has passed, at most batchSize rows
// per statement. batchSize <= 0 deletes them in one statement.
func (r *CredentialRepo) PurgeExpired(ctx context.Context, batchSize int) (int64, error) {
	now := r.Time.Now()
	if batchSize <= 0 {
		return r.exec(ctx, `DELETE FROM browser_credentials WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	}

	const q = `
		DELETE FROM browser_credentials
		WHERE context_key IN (
			SELECT context_key FROM browser_credentials
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			LIMIT $2
		)`
	var total int64
	for {
		n, err := r.exec(ctx, q, now, batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// Purge deletes every row.
func (r *CredentialRepo) Purge(ctx context.Context) (int64, error) {
	return r.exec(ctx, `DELETE FROM browser_credentials`)
}

func (r *CredentialRepo) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperrors.MapDBError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
