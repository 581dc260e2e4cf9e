package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation means the task cannot be published as given
	ErrValidation = errors.New("invalid task")
	// ErrTransport covers connection and channel failures and broker nacks
	ErrTransport = errors.New("transport failure")
	// ErrSerialization means the payload could not be produced
	ErrSerialization = errors.New("cannot serialize task")
)

// SubmitError tags a publish failure with the pid of the task it was for
type SubmitError struct {
	PID string
	Op  string
	Err error
}

func (e *SubmitError) Error() string {
	if e.PID == "" {
		return fmt.Sprintf("submit %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("submit %s (pid %s): %v", e.Op, e.PID, e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// submitErr wraps cause so that errors.Is matches kind
func submitErr(pid, op string, kind, cause error) error {
	err := kind
	switch {
	case cause == nil:
	case errors.Is(cause, kind):
		err = cause
	default:
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &SubmitError{PID: pid, Op: op, Err: err}
}
