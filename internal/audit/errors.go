package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound signals that the requested batch or job does not exist.
	ErrNotFound = errors.New("audit record not found")
	// ErrInvalidTransition is returned when a job status update would regress.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrInvalidResult is returned when a status update misses its payload.
	ErrInvalidResult = errors.New("invalid job result")
	// ErrNoTargets is returned when a batch would be created without jobs.
	ErrNoTargets = errors.New("batch requires at least one target")
	// ErrConfiguration signals that the audit worker endpoint is not configured.
	ErrConfiguration = errors.New("audit worker endpoint not configured")
	// ErrUnauthorized signals a missing or invalid caller credential.
	ErrUnauthorized = errors.New("missing or invalid credentials")
)

// FaultError reports a coordinator-level failure: the run could not proceed
// at all, as opposed to a per-target dispatch failure.
type FaultError struct {
	Op  string
	Err error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Fault wraps err as a *FaultError for the named operation.
func Fault(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FaultError{Op: op, Err: err}
}
