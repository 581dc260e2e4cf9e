package task

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a lifecycle method is called on a
// task whose current status does not allow it.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Lifecycle applies status transitions and backoff to tasks. It holds no
// per-task state and is safe for concurrent use.
type Lifecycle struct {
	Retries int
	Now     func() time.Time
}

// NewLifecycle returns a Lifecycle using the wall clock
func NewLifecycle(retries int) Lifecycle {
	return Lifecycle{Retries: retries, Now: time.Now}
}

func (l Lifecycle) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l Lifecycle) schedule() Schedule {
	return Schedule{Threshold: l.Retries}
}

// MarkInProgress claims a NEW or FAILED task for processing and counts the attempt
func (l Lifecycle) MarkInProgress(t *Task) error {
	if t.Status != StatusNew && t.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusInProcess)
	}
	l.setStatus(t, StatusInProcess)
	t.TryCount++
	return nil
}

// MarkComplete finishes a task that is being processed
func (l Lifecycle) MarkComplete(t *Task) error {
	if t.Status != StatusInProcess {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, StatusComplete)
	}
	l.setStatus(t, StatusComplete)
	return nil
}

// MarkFailed records a failed attempt. Once the task has used up its retries
// the next eligible time is pushed out along the backoff schedule.
func (l Lifecycle) MarkFailed(t *Task) {
	l.setStatus(t, StatusFailed)
	if l.backoffDue(t, StatusFailed) {
		l.scheduleRetry(t)
	}
}

// MarkNew asks for the task to be retried right away. A task that has used up
// its retries is kept FAILED and put into backoff instead, so chronically
// failing tasks cannot loop.
func (l Lifecycle) MarkNew(t *Task) {
	l.setStatus(t, StatusNew)
	if l.backoffDue(t, StatusNew) {
		t.Status = StatusFailed
		l.scheduleRetry(t)
	}
}

func (l Lifecycle) setStatus(t *Task, s Status) {
	t.Status = s
	t.TaskModified = l.now()
}

// backoffDue is evaluated against the requested status, not the one the
// task held before the call.
func (l Lifecycle) backoffDue(t *Task, requested Status) bool {
	return l.schedule().Applies(t.TryCount) &&
		requested != StatusComplete &&
		requested != StatusInProcess
}

func (l Lifecycle) scheduleRetry(t *Task) {
	t.NextEligible = t.TaskModified.Add(l.schedule().Delay(t.TryCount))
}
