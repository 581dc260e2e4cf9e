package store

import (
	"errors"
	"fmt"

	"github.com/austindbirch/indexhook/internal/task"
)

var (
	// ErrNotFound is returned when a task id does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrOptimisticLock is returned when the stored version (or, for Claim,
	// the stored status) no longer matches what the caller read. Under
	// concurrent dequeue this means another worker got there first.
	ErrOptimisticLock = errors.New("optimistic lock conflict")

	// ErrInvalidTask is returned for tasks that cannot be stored.
	ErrInvalidTask = errors.New("invalid task")
)

// StoreError carries the operation and task that failed, wrapping the cause.
type StoreError struct {
	Op     string
	TaskID int64
	Err    error
}

func (e *StoreError) Error() string {
	if e.TaskID != 0 {
		return fmt.Sprintf("store %s task %d: %v", e.Op, e.TaskID, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err with the operation and task id
func NewStoreError(op string, id int64, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, TaskID: id, Err: err}
}

// IsConflict reports whether err means the task was modified concurrently
func IsConflict(err error) bool {
	return errors.Is(err, ErrOptimisticLock)
}

// ValidateTask checks the fields every backend requires before writing
func ValidateTask(t *task.Task) error {
	switch {
	case t == nil:
		return fmt.Errorf("%w: nil task", ErrInvalidTask)
	case t.PID == "":
		return fmt.Errorf("%w: empty pid", ErrInvalidTask)
	case !t.Status.Valid():
		return fmt.Errorf("%w: status %q", ErrInvalidTask, t.Status)
	}
	return nil
}
