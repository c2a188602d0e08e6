// Package evalerr defines the error classes shared by every stage of the
// depth export and evaluation pipeline. Nothing in this module retries or
// recovers: a wrapped error of any class halts the run.
package evalerr

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks invalid or conflicting options, detected before
	// any computation starts.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound marks a missing weights directory, manifest or input file.
	ErrNotFound = errors.New("not found")

	// ErrNumericDomain marks values outside the domain of a numeric
	// operation: non-positive disparity or depth, mismatched shapes.
	ErrNumericDomain = errors.New("numeric domain error")

	// ErrIO marks a failed write of a persisted artifact.
	ErrIO = errors.New("i/o error")
)

// Configf wraps ErrConfiguration with a formatted message.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// NotFoundf wraps ErrNotFound with a formatted message.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Domainf wraps ErrNumericDomain with a formatted message.
func Domainf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNumericDomain, fmt.Sprintf(format, args...))
}

// IO wraps err as ErrIO, keeping the underlying cause reachable via errors.Is/As.
func IO(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, op, err)
}

// ExitCode maps an error to the process exit status used by the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfiguration):
		return 2
	case errors.Is(err, ErrNotFound):
		return 3
	case errors.Is(err, ErrNumericDomain):
		return 4
	case errors.Is(err, ErrIO):
		return 5
	default:
		return 1
	}
}
