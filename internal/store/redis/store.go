// Package redis implements store.TaskStore on Redis. Tasks are Hashes; each
// status has a Sorted Set scored for dequeue order and one scored by modified
// time; pids map to Sets of task ids. Updates are compare-and-set through
// WATCH/MULTI on the task Hash.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
)

var _ store.TaskStore = (*Store)(nil)

// scanBatch is how many ids FindEligible reads from a status set per round trip.
const scanBatch = 256

// Store is a Redis-backed TaskStore.
type Store struct {
	client goredis.UniversalClient
}

// New creates a Redis-backed store. The caller owns the client lifecycle
// unless Close is called.
func New(client goredis.UniversalClient) *Store {
	return &Store{client: client}
}

// Save inserts or version-checks and updates a task.
func (s *Store) Save(ctx context.Context, t *task.Task) (*task.Task, error) {
	if err := store.ValidateTask(t); err != nil {
		return nil, err
	}
	if t.ID == 0 {
		return s.insert(ctx, t)
	}
	return s.update(ctx, t, "")
}

// Claim updates t only if the stored task is still in status from at t.Version.
func (s *Store) Claim(ctx context.Context, t *task.Task, from task.Status) (*task.Task, error) {
	if err := store.ValidateTask(t); err != nil {
		return nil, err
	}
	return s.update(ctx, t, from)
}

func (s *Store) insert(ctx context.Context, t *task.Task) (*task.Task, error) {
	id, err := s.client.Incr(ctx, seqKey).Result()
	if err != nil {
		return nil, store.NewStoreError("insert", 0, err)
	}
	out := t.Clone()
	out.ID = id
	out.Version = 1

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, taskKey(id), taskToMap(out))
		index(ctx, pipe, out)
		return nil
	})
	if err != nil {
		return nil, store.NewStoreError("insert", id, err)
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, t *task.Task, from task.Status) (*task.Task, error) {
	key := taskKey(t.ID)
	var out *task.Task

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		cur, err := tx.HMGet(ctx, key, "version", "status", "pid", "priority").Result()
		if err != nil {
			return err
		}
		if cur[0] == nil {
			return store.ErrNotFound
		}
		version, err := strconv.Atoi(fmt.Sprint(cur[0]))
		if err != nil {
			return fmt.Errorf("decode version: %w", err)
		}
		oldStatus := task.Status(fmt.Sprint(cur[1]))
		oldPID := fmt.Sprint(cur[2])
		if version != t.Version || (from != "" && oldStatus != from) {
			return store.ErrOptimisticLock
		}

		priority, err := strconv.Atoi(fmt.Sprint(cur[3]))
		if err != nil {
			return fmt.Errorf("decode priority: %w", err)
		}

		next := t.Clone()
		next.Version = version + 1
		next.Priority = priority
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, taskToMap(next))
			pipe.ZRem(ctx, statusKey(oldStatus), member(next.ID))
			pipe.ZRem(ctx, modifiedKey(oldStatus), member(next.ID))
			if oldPID != next.PID {
				pipe.SRem(ctx, pidKey(oldPID), member(next.ID))
			}
			index(ctx, pipe, next)
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}, key)

	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, goredis.TxFailedErr):
		return nil, store.NewStoreError("update", t.ID, store.ErrOptimisticLock)
	default:
		return nil, store.NewStoreError("update", t.ID, err)
	}
}

// index adds t to its status, modified and pid sets.
func index(ctx context.Context, pipe goredis.Pipeliner, t *task.Task) {
	m := member(t.ID)
	pipe.ZAdd(ctx, statusKey(t.Status), goredis.Z{Score: eligibleScore(t), Member: m})
	pipe.ZAdd(ctx, modifiedKey(t.Status), goredis.Z{Score: float64(t.TaskModified.UnixMilli()), Member: m})
	pipe.SAdd(ctx, pidKey(t.PID), m)
}

// Get returns the task with id.
func (s *Store) Get(ctx context.Context, id int64) (*task.Task, error) {
	m, err := s.client.HGetAll(ctx, taskKey(id)).Result()
	if err != nil {
		return nil, store.NewStoreError("get", id, err)
	}
	if len(m) == 0 {
		return nil, store.NewStoreError("get", id, store.ErrNotFound)
	}
	t, err := mapToTask(m)
	if err != nil {
		return nil, store.NewStoreError("get", id, err)
	}
	return t, nil
}

// FindEligible walks the status set in score order. Once limit eligible tasks
// are held it stops at the first batch whose scores all sort after them.
func (s *Store) FindEligible(ctx context.Context, status task.Status, now time.Time, tryCountLimit, limit int) ([]*task.Task, error) {
	var candidates []*task.Task
	for offset := int64(0); ; offset += scanBatch {
		zs, err := s.client.ZRangeWithScores(ctx, statusKey(status), offset, offset+scanBatch-1).Result()
		if err != nil {
			return nil, store.NewStoreError("find eligible", 0, err)
		}
		if len(zs) == 0 {
			break
		}
		ids := make([]string, len(zs))
		for i, z := range zs {
			ids[i] = fmt.Sprint(z.Member)
		}
		tasks, err := s.load(ctx, ids)
		if err != nil {
			return nil, store.NewStoreError("find eligible", 0, err)
		}
		for _, t := range tasks {
			if t.Eligible(status, now, tryCountLimit) {
				candidates = append(candidates, t)
			}
		}
		if limit > 0 && len(candidates) >= limit {
			store.SortEligible(candidates)
			if zs[len(zs)-1].Score > eligibleScore(candidates[limit-1]) {
				break
			}
		}
		if len(zs) < scanBatch {
			break
		}
	}
	return store.FilterEligible(candidates, status, now, tryCountLimit, limit), nil
}

func (s *Store) FindByPID(ctx context.Context, pid string) ([]*task.Task, error) {
	return s.findByPID(ctx, pid, "")
}

func (s *Store) FindByPIDAndStatus(ctx context.Context, pid string, status task.Status) ([]*task.Task, error) {
	return s.findByPID(ctx, pid, status)
}

func (s *Store) findByPID(ctx context.Context, pid string, status task.Status) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, pidKey(pid)).Result()
	if err != nil {
		return nil, store.NewStoreError("find by pid", 0, err)
	}
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, store.NewStoreError("find by pid", 0, err)
	}
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) FindStale(ctx context.Context, status task.Status, cutoff time.Time, limit int) ([]*task.Task, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)}
	if limit > 0 {
		by.Count = int64(limit)
	}
	ids, err := s.client.ZRangeByScore(ctx, modifiedKey(status), by).Result()
	if err != nil {
		return nil, store.NewStoreError("find stale", 0, err)
	}
	tasks, err := s.load(ctx, ids)
	if err != nil {
		return nil, store.NewStoreError("find stale", 0, err)
	}
	out := make([]*task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status == status && t.TaskModified.Before(cutoff) {
			out = append(out, t)
		}
	}
	store.SortByModified(out)
	return out, nil
}

// load fetches task Hashes in one pipeline, skipping ids that vanished.
func (s *Store) load(ctx context.Context, ids []string) ([]*task.Task, error) {
	if len(ids) == 0 {
		return []*task.Task{}, nil
	}
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, keyPrefix+"task:"+id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(ids))
	for _, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			continue
		}
		t, err := mapToTask(m)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
