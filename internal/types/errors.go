// Package types provides shared types and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Pool errors
	ErrPoolExhausted = errors.New("browser pool exhausted: no sessions available")
	ErrPoolClosed    = errors.New("browser pool is shut down")

	// Session errors
	ErrSessionUnavailable = errors.New("browser session unavailable")
	ErrLaunchFailed       = errors.New("browser launch failed")

	// Context errors
	ErrAcquireCanceled = errors.New("acquire canceled")

	// Source errors
	ErrSourceUnknown = errors.New("unknown source")
)

// PoolError provides detailed information about pool failures.
// It implements the error interface and supports error unwrapping.
type PoolError struct {
	Op      string // The operation that failed: "acquire", "initialize", "restart"
	Pool    string // The pool label the failure occurred in
	Session string // The session id, if the failure is session-scoped
	Err     error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	msg := "pool " + e.Pool + ": " + e.Op + " failed"
	if e.Session != "" {
		msg += " for session " + e.Session
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PoolError) Unwrap() error {
	return e.Err
}
