// Package pgxutil reaches the native pgx connection behind a database/sql
// pool so repositories can use pgx row helpers such as CollectOneRow.
package pgxutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
)

// ErrNotPgx is returned when the pool was not opened with the pgx driver.
var ErrNotPgx = errors.New("pgxutil: driver connection is not *stdlib.Conn")

// WithPgxConn borrows one pooled connection and runs fn with its *pgx.Conn.
// The connection returns to the pool when fn returns.
func WithPgxConn(ctx context.Context, db *sql.DB, fn func(*pgx.Conn) error) error {
	if db == nil {
		return errors.New("pgxutil: nil database")
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() { _ = conn.Close() }()

	return conn.Raw(func(dc any) error {
		std, ok := dc.(*stdlib.Conn)
		if !ok {
			return ErrNotPgx
		}
		return fn(std.Conn())
	})
}
