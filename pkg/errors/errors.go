package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConnection      = errors.New("search engine unreachable")
	ErrIndexNotFound   = errors.New("index not found")
	ErrInvalidFilter   = errors.New("invalid filter")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrTransientQuery  = errors.New("transient query failure")
	ErrFatalExtraction = errors.New("extraction failed")
	ErrLeaseHeld       = errors.New("export lease held by another run")
)

const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInvalid     = 2
	ExitUnavailable = 3
	ExitExtraction  = 4
	ExitLeaseHeld   = 5
	ExitCancelled   = 130
)

type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// Transient wraps cause so that it matches ErrTransientQuery while keeping
// the cause reachable through errors.Is/As.
func Transient(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransientQuery, cause)
}

// IsTransient reports whether err is worth retrying with the same request.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientQuery)
}

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ExitCancelled
	case errors.Is(err, ErrInvalidFilter), errors.Is(err, ErrInvalidConfig):
		return ExitInvalid
	case errors.Is(err, ErrConnection), errors.Is(err, ErrIndexNotFound):
		return ExitUnavailable
	case errors.Is(err, ErrLeaseHeld):
		return ExitLeaseHeld
	case errors.Is(err, ErrFatalExtraction), errors.Is(err, ErrTransientQuery):
		return ExitExtraction
	default:
		return ExitFailure
	}
}
