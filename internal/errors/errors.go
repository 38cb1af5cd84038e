package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a category of application error.
type ErrorCode string

const (
	// ErrCodeUnauthenticated indicates the caller has no usable session.
	ErrCodeUnauthenticated ErrorCode = "unauthenticated"
	// ErrCodeInvalidCredentials indicates the backend rejected the supplied credentials.
	ErrCodeInvalidCredentials ErrorCode = "invalid_credentials"
	// ErrCodeForbidden indicates the backend refused an authenticated request.
	ErrCodeForbidden ErrorCode = "forbidden"
	// ErrCodeUnavailable indicates a dependency (backend, storage) could not be reached.
	ErrCodeUnavailable ErrorCode = "unavailable"
	// ErrCodeConflict indicates the operation clashes with one already in progress.
	ErrCodeConflict ErrorCode = "conflict"
	// ErrCodeNotFound indicates a resource was not found.
	ErrCodeNotFound ErrorCode = "not_found"
	// ErrCodeValidation indicates invalid input data.
	ErrCodeValidation ErrorCode = "validation"
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "internal"
	// ErrCodeTimeout indicates a timeout occurred.
	ErrCodeTimeout ErrorCode = "timeout"
	// ErrCodeCanceled indicates the operation was canceled.
	ErrCodeCanceled ErrorCode = "canceled"
)

// AppError represents a structured application error with a code, message, and optional cause.
// It supports error wrapping and unwrapping for use with errors.Is and errors.As.
type AppError struct {
	// Code categorizes the error type
	Code ErrorCode
	// Message is a human-readable error message
	Message string
	// Cause is the underlying error that caused this error (optional)
	Cause error
	// Field is the specific field that caused the error (optional, for validation errors)
	Field string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code and message.
// This lets package-level sentinel AppErrors be matched after wrapping.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) || t == nil {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message && t.Cause == nil
}

// New creates an AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Unauthenticated creates a new Unauthenticated error.
func Unauthenticated(message string) *AppError {
	return New(ErrCodeUnauthenticated, message)
}

// InvalidCredentials creates a new InvalidCredentials error.
func InvalidCredentials(message string) *AppError {
	return New(ErrCodeInvalidCredentials, message)
}

// Unavailable creates a new Unavailable error.
func Unavailable(message string) *AppError {
	return New(ErrCodeUnavailable, message)
}

// Conflict creates a new Conflict error.
func Conflict(message string) *AppError {
	return New(ErrCodeConflict, message)
}

// NotFound creates a new NotFound error.
func NotFound(message string) *AppError {
	return New(ErrCodeNotFound, message)
}

// NotFoundf creates a new NotFound error with formatted message.
func NotFoundf(format string, args ...any) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// Validation creates a new Validation error.
func Validation(message string) *AppError {
	return New(ErrCodeValidation, message)
}

// ValidationField creates a new Validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// Internal creates a new Internal error.
func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// Wrap wraps an existing error with an AppError, preserving the cause.
func Wrap(err error, code ErrorCode, message string) *AppError {
	if err == nil {
		return nil
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an existing error with an AppError and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// isCode checks if an error has a specific error code.
func isCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsUnauthenticated checks if an error is an Unauthenticated error.
func IsUnauthenticated(err error) bool {
	return isCode(err, ErrCodeUnauthenticated)
}

// IsInvalidCredentials checks if an error is an InvalidCredentials error.
func IsInvalidCredentials(err error) bool {
	return isCode(err, ErrCodeInvalidCredentials)
}

// IsForbidden checks if an error is a Forbidden error.
func IsForbidden(err error) bool {
	return isCode(err, ErrCodeForbidden)
}

// IsUnavailable checks if an error is an Unavailable error.
func IsUnavailable(err error) bool {
	return isCode(err, ErrCodeUnavailable)
}

// IsConflict checks if an error is a Conflict error.
func IsConflict(err error) bool {
	return isCode(err, ErrCodeConflict)
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	return isCode(err, ErrCodeNotFound)
}

// IsValidation checks if an error is a Validation error.
func IsValidation(err error) bool {
	return isCode(err, ErrCodeValidation)
}

// IsTimeout checks if an error is a Timeout error.
func IsTimeout(err error) bool {
	return isCode(err, ErrCodeTimeout)
}

// GetCode returns the ErrorCode from an error, or empty string if not an AppError.
func GetCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetField returns the Field from an error, or empty string if not an AppError or no field set.
func GetField(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Field
	}
	return ""
}
