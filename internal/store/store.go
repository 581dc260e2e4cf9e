// Package store defines persistence for index tasks. Implementations live in
// the memory, postgres and redis subpackages and must all behave the same way:
// the version field is the only cross-worker synchronization.
package store

import (
	"context"
	"time"

	"github.com/austindbirch/indexhook/internal/task"
)

// TaskStore persists index tasks with optimistic concurrency.
//
// Every method returns copies; callers may mutate what they receive. Finders
// return an empty slice, not an error, when nothing matches.
type TaskStore interface {
	// Save inserts a task when its ID is zero and otherwise updates it if the
	// stored version still equals t.Version. The returned task carries the
	// assigned id and the incremented version. Priority is fixed when the
	// task is inserted; updates keep the stored value.
	Save(ctx context.Context, t *task.Task) (*task.Task, error)

	// Claim saves t only if the stored row still has status from and
	// t.Version. Dequeue workers use it to take ownership of a task.
	Claim(ctx context.Context, t *task.Task, from task.Status) (*task.Task, error)

	// Get returns the task with the given id or ErrNotFound.
	Get(ctx context.Context, id int64) (*task.Task, error)

	// FindEligible returns up to limit tasks with the given status whose try
	// count is below tryCountLimit and whose next eligible time is before now,
	// ordered by priority, then task modified time, then id. A limit of zero
	// or less means no limit.
	FindEligible(ctx context.Context, status task.Status, now time.Time, tryCountLimit, limit int) ([]*task.Task, error)

	FindByPID(ctx context.Context, pid string) ([]*task.Task, error)
	FindByPIDAndStatus(ctx context.Context, pid string, status task.Status) ([]*task.Task, error)

	// FindStale returns up to limit tasks in status whose task modified time
	// is before cutoff, oldest first.
	FindStale(ctx context.Context, status task.Status, cutoff time.Time, limit int) ([]*task.Task, error)

	Ping(ctx context.Context) error
	Close() error
}
