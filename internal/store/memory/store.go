// Package memory is an in-process TaskStore for tests and single-node
// development. Safe for concurrent use.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
)

var _ store.TaskStore = (*Store)(nil)

// Store keeps tasks in a map guarded by a mutex.
type Store struct {
	mu     sync.RWMutex
	tasks  map[int64]*task.Task
	nextID int64
}

// New returns an empty Store
func New() *Store {
	return &Store{tasks: make(map[int64]*task.Task)}
}

// Save inserts or version-checks and updates a task.
func (m *Store) Save(_ context.Context, t *task.Task) (*task.Task, error) {
	if err := store.ValidateTask(t); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.ID == 0 {
		m.nextID++
		cp := t.Clone()
		cp.ID = m.nextID
		cp.Version = 1
		m.tasks[cp.ID] = cp
		return cp.Clone(), nil
	}
	return m.update(t, "")
}

// Claim updates t only if the stored row is still in status from at t.Version.
func (m *Store) Claim(_ context.Context, t *task.Task, from task.Status) (*task.Task, error) {
	if err := store.ValidateTask(t); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.update(t, from)
}

// update must be called with mu held. An empty from skips the status check.
func (m *Store) update(t *task.Task, from task.Status) (*task.Task, error) {
	cur, ok := m.tasks[t.ID]
	if !ok {
		return nil, store.NewStoreError("save", t.ID, store.ErrNotFound)
	}
	if cur.Version != t.Version || (from != "" && cur.Status != from) {
		return nil, store.NewStoreError("save", t.ID, store.ErrOptimisticLock)
	}
	cp := t.Clone()
	cp.Version = cur.Version + 1
	cp.Priority = cur.Priority
	m.tasks[cp.ID] = cp
	return cp.Clone(), nil
}

// Get returns a copy of the task with id.
func (m *Store) Get(_ context.Context, id int64) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.NewStoreError("get", id, store.ErrNotFound)
	}
	return t.Clone(), nil
}

// FindEligible returns copies of the eligible tasks in dequeue order.
func (m *Store) FindEligible(_ context.Context, status task.Status, now time.Time, tryCountLimit, limit int) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneAll(store.FilterEligible(m.snapshot(), status, now, tryCountLimit, limit)), nil
}

func (m *Store) FindByPID(_ context.Context, pid string) ([]*task.Task, error) {
	return m.filter(func(t *task.Task) bool { return t.PID == pid }), nil
}

func (m *Store) FindByPIDAndStatus(_ context.Context, pid string, status task.Status) ([]*task.Task, error) {
	return m.filter(func(t *task.Task) bool { return t.PID == pid && t.Status == status }), nil
}

func (m *Store) FindStale(_ context.Context, status task.Status, cutoff time.Time, limit int) ([]*task.Task, error) {
	out := m.filter(func(t *task.Task) bool {
		return t.Status == status && t.TaskModified.Before(cutoff)
	})
	store.SortByModified(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of stored tasks
func (m *Store) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func (m *Store) snapshot() []*task.Task {
	out := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

func (m *Store) filter(keep func(*task.Task) bool) []*task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*task.Task, 0)
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func cloneAll(in []*task.Task) []*task.Task {
	out := make([]*task.Task, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}
