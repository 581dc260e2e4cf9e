// Package storetest holds behaviour tests shared by every TaskStore backend.
package storetest

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
	"github.com/austindbirch/indexhook/internal/task"
)

// Factory returns an empty store for one subtest
type Factory func(t *testing.T) store.TaskStore

var base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// NewTask returns a NEW task for pid with the given priority
func NewTask(pid string, priority int, modified time.Time) *task.Task {
	return &task.Task{
		PID:            pid,
		FormatID:       "text/csv",
		Metadata:       []byte("<systemMetadata><identifier>" + pid + "</identifier></systemMetadata>"),
		ObjectPath:     "/objects/" + pid,
		SourceModified: modified.Add(-time.Hour),
		TaskModified:   modified,
		Priority:       priority,
		Status:         task.StatusNew,
	}
}

// Run exercises the full TaskStore contract against stores from newStore
func Run(t *testing.T, newStore Factory) {
	t.Run("SaveInsertAssignsIDAndVersion", func(t *testing.T) { testSaveInsert(t, newStore(t)) })
	t.Run("SaveUpdateIncrementsVersion", func(t *testing.T) { testSaveUpdate(t, newStore(t)) })
	t.Run("SaveKeepsPriority", func(t *testing.T) { testSaveKeepsPriority(t, newStore(t)) })
	t.Run("SaveStaleVersionConflicts", func(t *testing.T) { testSaveConflict(t, newStore(t)) })
	t.Run("SaveUnknownID", func(t *testing.T) { testSaveUnknown(t, newStore(t)) })
	t.Run("SaveRejectsInvalid", func(t *testing.T) { testSaveInvalid(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("FindEligibleOrdering", func(t *testing.T) { testEligibleOrdering(t, newStore(t)) })
	t.Run("FindEligibleTieBreak", func(t *testing.T) { testEligibleTieBreak(t, newStore(t)) })
	t.Run("FindEligibleFilters", func(t *testing.T) { testEligibleFilters(t, newStore(t)) })
	t.Run("FindEligibleBackoffWindow", func(t *testing.T) { testBackoffWindow(t, newStore(t)) })
	t.Run("FindEligibleLimit", func(t *testing.T) { testEligibleLimit(t, newStore(t)) })
	t.Run("FindEligibleEmpty", func(t *testing.T) { testEligibleEmpty(t, newStore(t)) })
	t.Run("FindByPID", func(t *testing.T) { testFindByPID(t, newStore(t)) })
	t.Run("FindStale", func(t *testing.T) { testFindStale(t, newStore(t)) })
	t.Run("ClaimCAS", func(t *testing.T) { testClaim(t, newStore(t)) })
	t.Run("ClaimRace", func(t *testing.T) { testClaimRace(t, newStore(t)) })
	t.Run("ReturnsCopies", func(t *testing.T) { testCopies(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

func save(t *testing.T, s store.TaskStore, tk *task.Task) *task.Task {
	t.Helper()
	saved, err := s.Save(context.Background(), tk)
	require.NoError(t, err)
	return saved
}

func pids(tasks []*task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.PID
	}
	return out
}

func testSaveInsert(t *testing.T, s store.TaskStore) {
	in := NewTask("urn:uuid:insert", task.PriorityAdd, base)
	saved := save(t, s, in)

	assert.NotZero(t, saved.ID)
	assert.Equal(t, 1, saved.Version)
	assert.Zero(t, in.ID, "caller's task must not be mutated")

	got, err := s.Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved.PID, got.PID)
	assert.Equal(t, saved.FormatID, got.FormatID)
	assert.Equal(t, saved.Metadata, got.Metadata)
	assert.Equal(t, saved.ObjectPath, got.ObjectPath)
	assert.Equal(t, saved.Priority, got.Priority)
	assert.Equal(t, saved.Status, got.Status)
	assert.True(t, saved.TaskModified.Equal(got.TaskModified))
	assert.True(t, saved.SourceModified.Equal(got.SourceModified))
	assert.True(t, got.NextEligible.IsZero() || got.NextEligible.Unix() == 0)

	second := save(t, s, NewTask("urn:uuid:insert", task.PriorityAdd, base))
	assert.NotEqual(t, saved.ID, second.ID, "pid is not unique across task history")
}

func testSaveUpdate(t *testing.T, s store.TaskStore) {
	saved := save(t, s, NewTask("urn:uuid:update", task.PriorityAdd, base))
	saved.Status = task.StatusFailed
	saved.TryCount = 3
	saved.NextEligible = base.Add(2 * time.Hour)

	updated := save(t, s, saved)
	assert.Equal(t, 2, updated.Version)

	got, err := s.Get(context.Background(), saved.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, 3, got.TryCount)
	assert.True(t, got.NextEligible.Equal(base.Add(2*time.Hour)), "next eligible %v", got.NextEligible)
	assert.Equal(t, 2, got.Version)
}

func testSaveKeepsPriority(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	saved := save(t, s, NewTask("urn:uuid:priority", task.PriorityAdd, base))
	saved.Priority = task.PriorityUpdateResourceMap
	saved.Status = task.StatusFailed

	updated := save(t, s, saved)
	assert.Equal(t, task.PriorityAdd, updated.Priority)

	claim := updated.Clone()
	claim.Status = task.StatusInProcess
	claim.Priority = task.PriorityNone
	claimed, err := s.Claim(ctx, claim, task.StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityAdd, claimed.Priority)

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, task.PriorityAdd, got.Priority)
	assert.Equal(t, task.StatusInProcess, got.Status)
}

func testSaveConflict(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	saved := save(t, s, NewTask("urn:uuid:conflict", task.PriorityAdd, base))

	a, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	b, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)

	a.Status = task.StatusInProcess
	_, err = s.Save(ctx, a)
	require.NoError(t, err)

	b.Status = task.StatusComplete
	_, err = s.Save(ctx, b)
	require.ErrorIs(t, err, store.ErrOptimisticLock)
	assert.True(t, store.IsConflict(err))

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProcess, got.Status, "stale write must not overwrite")
}

func testSaveUnknown(t *testing.T, s store.TaskStore) {
	tk := NewTask("urn:uuid:ghost", task.PriorityAdd, base)
	tk.ID = 987654
	tk.Version = 1
	_, err := s.Save(context.Background(), tk)
	require.Error(t, err)
	assert.True(t, store.IsConflict(err) || errors.Is(err, store.ErrNotFound), "got %v", err)
}

func testSaveInvalid(t *testing.T, s store.TaskStore) {
	_, err := s.Save(context.Background(), nil)
	require.ErrorIs(t, err, store.ErrInvalidTask)
	_, err = s.Save(context.Background(), NewTask("", task.PriorityAdd, base))
	require.ErrorIs(t, err, store.ErrInvalidTask)
}

func testGetNotFound(t *testing.T, s store.TaskStore) {
	_, err := s.Get(context.Background(), 424242)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testEligibleOrdering(t *testing.T, s store.TaskStore) {
	first := save(t, s, NewTask("p2-first", 2, base))
	second := save(t, s, NewTask("p2-second", 2, base.Add(time.Second)))
	urgent := save(t, s, NewTask("p1", 1, base.Add(2*time.Second)))

	got, err := s.FindEligible(context.Background(), task.StatusNew, base.Add(time.Hour), 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{urgent.ID, first.ID, second.ID}, []int64{got[0].ID, got[1].ID, got[2].ID})
}

func testEligibleTieBreak(t *testing.T, s store.TaskStore) {
	var want []string
	for i := 0; i < 4; i++ {
		pid := fmt.Sprintf("tie-%d", i)
		save(t, s, NewTask(pid, 2, base))
		want = append(want, pid)
	}
	got, err := s.FindEligible(context.Background(), task.StatusNew, base.Add(time.Hour), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, want, pids(got), "equal priority and time fall back to id order")
}

func testEligibleFilters(t *testing.T, s store.TaskStore) {
	now := base.Add(time.Hour)

	save(t, s, NewTask("eligible", 4, base))

	exhausted := NewTask("exhausted", 4, base)
	exhausted.TryCount = 5
	save(t, s, exhausted)

	waiting := NewTask("waiting", 4, base)
	waiting.NextEligible = now.Add(time.Minute)
	save(t, s, waiting)

	elapsed := NewTask("elapsed", 4, base.Add(time.Second))
	elapsed.NextEligible = now.Add(-time.Minute)
	save(t, s, elapsed)

	done := NewTask("done", 1, base)
	done.Status = task.StatusComplete
	save(t, s, done)

	got, err := s.FindEligible(context.Background(), task.StatusNew, now, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"eligible", "elapsed"}, pids(got))
	for _, tk := range got {
		assert.Less(t, tk.TryCount, 5)
		assert.True(t, tk.NextEligible.Before(now))
	}
}

func testBackoffWindow(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	failedAt := base
	lc := task.Lifecycle{Retries: 2, Now: func() time.Time { return failedAt }}

	tk := save(t, s, NewTask("urn:uuid:backoff", task.PriorityAdd, base.Add(-time.Hour)))
	tk.TryCount = 1
	require.NoError(t, lc.MarkInProgress(tk))
	lc.MarkFailed(tk)
	save(t, s, tk)

	early, err := s.FindEligible(ctx, task.StatusFailed, failedAt.Add(10*time.Minute), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, early)

	late, err := s.FindEligible(ctx, task.StatusFailed, failedAt.Add(21*time.Minute), 10, 0)
	require.NoError(t, err)
	require.Len(t, late, 1)
	assert.Equal(t, "urn:uuid:backoff", late[0].PID)
}

func testEligibleLimit(t *testing.T, s store.TaskStore) {
	for i := 0; i < 5; i++ {
		save(t, s, NewTask(fmt.Sprintf("lim-%d", i), 5-i, base))
	}
	got, err := s.FindEligible(context.Background(), task.StatusNew, base.Add(time.Hour), 10, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"lim-4", "lim-3"}, pids(got))
}

func testEligibleEmpty(t *testing.T, s store.TaskStore) {
	got, err := s.FindEligible(context.Background(), task.StatusFailed, base, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func testFindByPID(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	save(t, s, NewTask("urn:uuid:a", 4, base))
	done := NewTask("urn:uuid:a", 2, base)
	done.Status = task.StatusComplete
	save(t, s, done)
	save(t, s, NewTask("urn:uuid:b", 4, base))

	all, err := s.FindByPID(ctx, "urn:uuid:a")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	complete, err := s.FindByPIDAndStatus(ctx, "urn:uuid:a", task.StatusComplete)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, 2, complete[0].Priority)

	none, err := s.FindByPID(ctx, "urn:uuid:missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	none, err = s.FindByPIDAndStatus(ctx, "urn:uuid:b", task.StatusFailed)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testFindStale(t *testing.T, s store.TaskStore) {
	old := NewTask("stale", 4, base.Add(-2*time.Hour))
	old.Status = task.StatusInProcess
	save(t, s, old)

	fresh := NewTask("fresh", 4, base.Add(-time.Minute))
	fresh.Status = task.StatusInProcess
	save(t, s, fresh)

	save(t, s, NewTask("new-old", 4, base.Add(-3*time.Hour)))

	got, err := s.FindStale(context.Background(), task.StatusInProcess, base.Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, pids(got))
}

func testClaim(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	lc := task.Lifecycle{Retries: 2, Now: func() time.Time { return base }}
	saved := save(t, s, NewTask("urn:uuid:claim", 4, base))

	mine := saved.Clone()
	require.NoError(t, lc.MarkInProgress(mine))
	claimed, err := s.Claim(ctx, mine, task.StatusNew)
	require.NoError(t, err)
	assert.Equal(t, task.StatusInProcess, claimed.Status)
	assert.Equal(t, 1, claimed.TryCount)
	assert.Equal(t, saved.Version+1, claimed.Version)

	again := saved.Clone()
	require.NoError(t, lc.MarkInProgress(again))
	_, err = s.Claim(ctx, again, task.StatusNew)
	require.ErrorIs(t, err, store.ErrOptimisticLock)

	wrongStatus := claimed.Clone()
	_, err = s.Claim(ctx, wrongStatus, task.StatusFailed)
	require.ErrorIs(t, err, store.ErrOptimisticLock, "status mismatch at the current version is still a lost claim")
}

func testClaimRace(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	lc := task.Lifecycle{Retries: 2, Now: func() time.Time { return base }}
	saved := save(t, s, NewTask("urn:uuid:race", 4, base))

	const workers = 8
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mine := saved.Clone()
			if err := lc.MarkInProgress(mine); err != nil {
				t.Error(err)
				return
			}
			_, err := s.Claim(ctx, mine, task.StatusNew)
			switch {
			case err == nil:
				wins.Add(1)
			case store.IsConflict(err):
				losses.Add(1)
			default:
				t.Errorf("Claim() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(workers-1), losses.Load())
}

func testCopies(t *testing.T, s store.TaskStore) {
	ctx := context.Background()
	saved := save(t, s, NewTask("urn:uuid:copy", 4, base))
	saved.Status = task.StatusComplete
	saved.Metadata[0] = 'X'

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusNew, got.Status)
	assert.Equal(t, byte('<'), got.Metadata[0])
}
