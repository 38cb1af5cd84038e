package errors

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps database errors to AppError instances.
// It handles the error patterns the credential tables can produce:
// - sql.ErrNoRows / pgx.ErrNoRows → NotFound
// - Undefined table (migrations not applied) → Unavailable
// - Connection-class failures → Unavailable
// - Context timeouts/cancellations → Timeout/Canceled
//
// If the error is not a recognized database error, it returns the original error.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &AppError{
			Code:    ErrCodeTimeout,
			Message: "database request timed out",
			Cause:   err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &AppError{
			Code:    ErrCodeCanceled,
			Message: "database request was canceled",
			Cause:   err,
		}
	}

	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return &AppError{
			Code:    ErrCodeNotFound,
			Message: "record not found",
			Cause:   err,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return &AppError{
			Code:    ErrCodeUnavailable,
			Message: "database unreachable",
			Cause:   err,
		}
	}

	return err
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UndefinedTable:
		return &AppError{
			Code:    ErrCodeUnavailable,
			Message: "credential table missing; run migrations",
			Cause:   pgErr,
		}
	case pgerrcode.IsConnectionException(pgErr.Code),
		pgerrcode.IsInsufficientResources(pgErr.Code),
		pgErr.Code == pgerrcode.AdminShutdown,
		pgErr.Code == pgerrcode.CannotConnectNow:
		return &AppError{
			Code:    ErrCodeUnavailable,
			Message: "database unavailable",
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.QueryCanceled:
		return &AppError{
			Code:    ErrCodeTimeout,
			Message: "database request timed out",
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "record already exists",
			Cause:   pgErr,
		}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "database error",
			Cause:   pgErr,
		}
	}
}
