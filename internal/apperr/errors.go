// Package apperr defines the error kinds shared by the stores, the messaging core and the transports.
// Callers match them with errors.Is; wrapped errors keep their cause.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrTransient        = errors.New("transient")
	ErrAlreadyExists    = errors.New("already exists")
)

// InvalidArgument formats a validation error.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func PermissionDenied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Transient marks a store I/O failure as safe to retry. nil stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Kind returns the sentinel err belongs to, or nil for unclassified errors.
func Kind(err error) error {
	for _, k := range []error{ErrInvalidArgument, ErrPermissionDenied, ErrNotFound, ErrAlreadyExists, ErrTransient} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
