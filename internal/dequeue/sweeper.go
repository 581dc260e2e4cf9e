package dequeue

import (
	"context"
	"time"

	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
)

// Sweeper resets tasks left IN PROCESS by a worker that died mid-submit.
// They are marked FAILED so the backoff schedule decides when they run again.
type Sweeper struct {
	store      store.TaskStore
	lifecycle  task.Lifecycle
	staleAfter time.Duration
	batchSize  int
	interval   time.Duration
	logger     *logging.Logger

	Now func() time.Time
}

func NewSweeper(s store.TaskStore, lc task.Lifecycle, staleAfter, interval time.Duration, batchSize int, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Discard()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:      s,
		lifecycle:  lc,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		interval:   interval,
		logger:     logger,
		Now:        time.Now,
	}
}

// SweepOnce resets up to one batch of stale tasks and returns how many it reset.
// A task that moved on since it was read is left alone.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-s.staleAfter)
	stale, err := s.store.FindStale(ctx, task.StatusInProcess, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, t := range stale {
		next := t.Clone()
		s.lifecycle.MarkFailed(next)
		saved, err := s.store.Claim(ctx, next, task.StatusInProcess)
		if store.IsConflict(err) {
			continue
		}
		if err != nil {
			return reset, err
		}
		reset++
		metrics.RecordStaleReset()
		s.logger.WithContext(ctx).WithTask(saved.ID, saved.PID).WithFields(map[string]any{
			"stuck_since":    t.TaskModified,
			"try_count":      saved.TryCount,
			"next_execution": saved.NextEligible,
		}).Warn("Reset stale in-process task")
	}
	return reset, nil
}

// Run sweeps every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Plain().WithError(err).Error("Stale sweep failed")
			}
		}
	}
}
