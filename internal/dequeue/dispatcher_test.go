package dequeue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/store/memory"
	"github.com/austindbirch/indexhook/internal/store/storetest"
	"github.com/austindbirch/indexhook/internal/task"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// clock is a settable time source shared by lifecycle and dispatcher
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(ts time.Time) {
	c.mu.Lock()
	c.now = ts
	c.mu.Unlock()
}

// recorder is a Submitter that remembers what it was given
type recorder struct {
	mu   sync.Mutex
	pids []string
	ids  map[int64]int
	err  func(*task.Task) error
}

func (r *recorder) Submit(_ context.Context, t *task.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ids == nil {
		r.ids = map[int64]int{}
	}
	r.pids = append(r.pids, t.PID)
	r.ids[t.ID]++
	if t.Status != task.StatusInProcess {
		return fmt.Errorf("submitted task in status %s", t.Status)
	}
	if r.err != nil {
		return r.err(t)
	}
	return nil
}

func newDispatcher(s store.TaskStore, sub Submitter, c *clock, cfg Config) *Dispatcher {
	d := NewDispatcher(s, sub, task.Lifecycle{Retries: 2, Now: c.Now}, cfg, nil)
	d.Now = c.Now
	return d
}

func seed(t *testing.T, s store.TaskStore, pid string, priority int, modified time.Time) *task.Task {
	t.Helper()
	saved, err := s.Save(context.Background(), storetest.NewTask(pid, priority, modified))
	require.NoError(t, err)
	return saved
}

func TestRunOnceSubmitsInPriorityOrder(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	sub := &recorder{}

	seed(t, st, "add-1", task.PriorityAdd, t0.Add(-3*time.Minute))
	seed(t, st, "update-1", task.PriorityUpdate, t0.Add(-2*time.Minute))
	seed(t, st, "rmap-update", task.PriorityUpdateResourceMap, t0.Add(-time.Minute))
	seed(t, st, "update-0", task.PriorityUpdate, t0.Add(-5*time.Minute))

	d := newDispatcher(st, sub, c, Config{Concurrency: 1})
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Eligible: 4, Claimed: 4, Submitted: 4}, stats)
	assert.Equal(t, []string{"rmap-update", "update-0", "update-1", "add-1"}, sub.pids)

	done, err := st.FindByPIDAndStatus(context.Background(), "update-0", task.StatusComplete)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, 1, done[0].TryCount)
	assert.Equal(t, 3, done[0].Version, "insert, claim, outcome")
}

func TestRunOnceFailureBacksOff(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	sub := &recorder{err: func(*task.Task) error { return errors.New("broker nack") }}
	d := newDispatcher(st, sub, c, Config{})
	ctx := context.Background()

	tk := seed(t, st, "flaky", task.PriorityAdd, t0.Add(-time.Minute))

	// First failure is below the retry threshold and is retried right away.
	stats, err := d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	got, err := st.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 1, got.TryCount)
	assert.True(t, got.NextEligible.IsZero())

	// Second failure reaches the threshold: 20 minutes of backoff.
	c.Set(t0.Add(time.Second))
	_, err = d.RunOnce(ctx)
	require.NoError(t, err)
	got, err = st.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TryCount)
	assert.Equal(t, t0.Add(time.Second+20*time.Minute), got.NextEligible)

	c.Set(t0.Add(10 * time.Minute))
	stats, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Eligible)

	c.Set(t0.Add(21 * time.Minute))
	stats, err = d.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Eligible)
	assert.Equal(t, 3, sub.ids[tk.ID])
}

func TestRunOnceHonoursTryCountLimit(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	sub := &recorder{}

	worn := storetest.NewTask("worn-out", task.PriorityAdd, t0.Add(-time.Hour))
	worn.Status = task.StatusFailed
	worn.TryCount = 5
	_, err := st.Save(context.Background(), worn)
	require.NoError(t, err)

	d := newDispatcher(st, sub, c, Config{TryCountLimit: 5})
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Eligible)
	assert.Empty(t, sub.pids)
}

func TestRunOnceBatchSize(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	sub := &recorder{}
	for i := 0; i < 5; i++ {
		seed(t, st, fmt.Sprintf("pid-%d", i), task.PriorityAdd, t0.Add(-time.Duration(10-i)*time.Minute))
	}
	failed := storetest.NewTask("failed-urgent", task.PriorityUpdateResourceMap, t0.Add(-time.Minute))
	failed.Status = task.StatusFailed
	failed.TryCount = 1
	_, err := st.Save(context.Background(), failed)
	require.NoError(t, err)

	d := newDispatcher(st, sub, c, Config{BatchSize: 3, Concurrency: 1})
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Eligible)
	assert.Equal(t, []string{"failed-urgent", "pid-0", "pid-1"}, sub.pids)
}

// conflictStore loses every claim
type conflictStore struct {
	store.TaskStore
}

func (c conflictStore) Claim(_ context.Context, t *task.Task, _ task.Status) (*task.Task, error) {
	return nil, store.NewStoreError("update", t.ID, store.ErrOptimisticLock)
}

func TestRunOnceLostClaimIsNotAnError(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	sub := &recorder{}
	seed(t, st, "contested", task.PriorityAdd, t0.Add(-time.Minute))

	d := newDispatcher(conflictStore{st}, sub, c, Config{})
	stats, err := d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Lost)
	assert.Zero(t, stats.Claimed)
	assert.Empty(t, sub.pids)
}

// brokenStore fails claims outright
type brokenStore struct {
	store.TaskStore
}

func (b brokenStore) Claim(context.Context, *task.Task, task.Status) (*task.Task, error) {
	return nil, errors.New("connection reset")
}

func TestRunOnceReportsStoreErrors(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	seed(t, st, "a", task.PriorityAdd, t0.Add(-time.Minute))
	seed(t, st, "b", task.PriorityAdd, t0.Add(-time.Minute))

	d := newDispatcher(brokenStore{st}, &recorder{}, c, Config{})
	stats, err := d.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, 2, stats.Eligible)
	assert.Zero(t, stats.Claimed)
}

func TestConcurrentDispatchersSubmitEachTaskOnce(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	sub := &recorder{}

	const n = 40
	for i := 0; i < n; i++ {
		seed(t, st, fmt.Sprintf("pid-%02d", i), task.PriorityAdd, t0.Add(-time.Minute))
	}

	var (
		wg   sync.WaitGroup
		lost atomic.Int64
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := newDispatcher(st, sub, c, Config{Concurrency: 4, BatchSize: n})
			stats, err := d.RunOnce(context.Background())
			if err != nil {
				t.Errorf("RunOnce() error = %v", err)
			}
			lost.Add(int64(stats.Lost))
		}()
	}
	wg.Wait()

	assert.Len(t, sub.ids, n)
	for id, count := range sub.ids {
		assert.Equal(t, 1, count, "task %d submitted %d times", id, count)
	}

	for i := 0; i < n; i++ {
		tasks, err := st.FindByPIDAndStatus(context.Background(), fmt.Sprintf("pid-%02d", i), task.StatusComplete)
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	st := memory.New()
	c := &clock{now: t0}
	sub := &recorder{}
	seed(t, st, "once", task.PriorityAdd, t0.Add(-time.Minute))

	d := newDispatcher(st, sub, c, Config{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		tasks, _ := st.FindByPIDAndStatus(context.Background(), "once", task.StatusComplete)
		return len(tasks) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 12, cfg.TryCountLimit)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
}
