// Package errdefs defines the error taxonomy shared by every scriptbox package.
//
// Errors are plain sentinels wrapped with context via fmt.Errorf("%w"), so callers
// classify failures with errors.Is or the Is* helpers below.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Error categories
var (
	// ErrNotFound covers missing projects, files, images, packages and releases.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a project id is reused without force.
	ErrAlreadyExists = errors.New("already exists")
	// ErrValidation covers unsatisfiable or unpublished specifiers and malformed tags.
	ErrValidation = errors.New("validation failed")
	// ErrConnection covers unreachable registries and non-404 registry failures.
	ErrConnection = errors.New("connection failed")
	// ErrExecution covers failed commands in strict mode and stopped containers.
	ErrExecution = errors.New("execution failed")
	// ErrEnvironment is returned when a required external tool is missing.
	ErrEnvironment = errors.New("environment not ready")
)

// NotFound returns an error wrapping ErrNotFound
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// AlreadyExists returns an error wrapping ErrAlreadyExists
func AlreadyExists(format string, args ...any) error {
	return wrap(ErrAlreadyExists, format, args...)
}

// Validation returns an error wrapping ErrValidation
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// Connection returns an error wrapping ErrConnection
func Connection(format string, args ...any) error {
	return wrap(ErrConnection, format, args...)
}

// Environment returns an error wrapping ErrEnvironment
func Environment(format string, args ...any) error {
	return wrap(ErrEnvironment, format, args...)
}

// Execution returns an error wrapping ErrExecution
func Execution(format string, args ...any) error {
	return wrap(ErrExecution, format, args...)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), kind)
}

// IsNotFound reports whether err is classified as ErrNotFound
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err is classified as ErrAlreadyExists
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// IsValidation reports whether err is classified as ErrValidation
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConnection reports whether err is classified as ErrConnection
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// IsExecution reports whether err is classified as ErrExecution
func IsExecution(err error) bool { return errors.Is(err, ErrExecution) }

// IsEnvironment reports whether err is classified as ErrEnvironment
func IsEnvironment(err error) bool { return errors.Is(err, ErrEnvironment) }

// ExecutionError is returned by shells running in strict mode when a command
// exits with a non-zero status.
type ExecutionError struct {
	Command  []string
	ExitCode int
	Output   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %q failed with exit code %d\n%s",
		strings.Join(e.Command, " "), e.ExitCode, e.Output)
}

// Unwrap classifies every ExecutionError as ErrExecution.
func (*ExecutionError) Unwrap() error {
	return ErrExecution
}
