// Package errors defines the sentinel errors shared by the index engine, the
// key-value backends and the service surfaces, plus an AppError wrapper that
// carries an HTTP status for the query API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCorruptBlock       = errors.New("corrupt block")
	ErrNotFound           = errors.New("not found")
	ErrIOFailure          = errors.New("collection i/o failure")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrCacheOwnership     = errors.New("block cache owned by another list")
	ErrReadOnly           = errors.New("collection opened read-only")
	ErrNotOpen            = errors.New("collection not open")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInternal           = errors.New("internal error")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// IOFailure wraps a backend error so callers can match both ErrIOFailure and
// the original cause.
func IOFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrIOFailure, op, err)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrReadOnly):
		return http.StatusMethodNotAllowed
	case errors.Is(err, ErrCorruptBlock), errors.Is(err, ErrInvariantViolation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrIOFailure), errors.Is(err, ErrNotOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Is and As re-export the standard helpers so callers importing this package
// under the name "errors" do not also need the standard library package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
