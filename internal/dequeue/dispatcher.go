// Package dequeue moves eligible index tasks from the task store to the
// broker. Any number of dispatchers may share one store; each task is
// claimed by at most one of them through the store's compare-and-set.
package dequeue

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
	"github.com/austindbirch/indexhook/internal/tracing"
)

// Submitter hands a claimed task to the indexer. *messaging.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, t *task.Task) error
}

// Config tunes a Dispatcher
type Config struct {
	TryCountLimit int
	BatchSize     int
	Concurrency   int
	PollInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.TryCountLimit <= 0 {
		c.TryCountLimit = 12
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	return c
}

// Stats counts what one pass did
type Stats struct {
	Eligible  int
	Claimed   int
	Lost      int
	Submitted int
	Failed    int
}

// Dispatcher polls NEW and FAILED tasks, claims them, submits them and
// records the outcome.
type Dispatcher struct {
	store     store.TaskStore
	submitter Submitter
	lifecycle task.Lifecycle
	cfg       Config
	logger    *logging.Logger

	Now func() time.Time
}

// NewDispatcher wires a dispatcher. logger may be nil.
func NewDispatcher(s store.TaskStore, sub Submitter, lc task.Lifecycle, cfg Config, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		store:     s,
		submitter: sub,
		lifecycle: lc,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		Now:       time.Now,
	}
}

// RunOnce processes up to one batch of eligible tasks, most urgent first.
// A claim lost to another worker is not an error. Store failures are
// collected and returned after the batch finishes.
func (d *Dispatcher) RunOnce(ctx context.Context) (Stats, error) {
	now := d.Now()
	var stats Stats

	var batch []*task.Task
	for _, status := range []task.Status{task.StatusNew, task.StatusFailed} {
		tasks, err := d.store.FindEligible(ctx, status, now, d.cfg.TryCountLimit, d.cfg.BatchSize)
		if err != nil {
			return stats, err
		}
		metrics.UpdateEligible(string(status), len(tasks))
		batch = append(batch, tasks...)
	}
	store.SortEligible(batch)
	if len(batch) > d.cfg.BatchSize {
		batch = batch[:d.cfg.BatchSize]
	}
	stats.Eligible = len(batch)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for _, t := range batch {
		g.Go(func() error {
			out, err := d.process(gctx, t)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeLost:
				stats.Lost++
			case outcomeSubmitted:
				stats.Claimed++
				stats.Submitted++
			case outcomeFailed:
				stats.Claimed++
				stats.Failed++
			}
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return stats, errors.Join(errs...)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeLost
	outcomeSubmitted
	outcomeFailed
)

func (d *Dispatcher) process(ctx context.Context, t *task.Task) (outcome, error) {
	ctx, span := tracing.StartTaskSpan(ctx, "dequeue.process", t)
	defer span.End()
	log := d.logger.WithContext(ctx).WithTask(t.ID, t.PID)

	from := t.Status
	claim := t.Clone()
	if err := d.lifecycle.MarkInProgress(claim); err != nil {
		log.WithError(err).Warn("Eligible task cannot be claimed")
		return outcomeSkipped, nil
	}
	claimed, err := d.store.Claim(ctx, claim, from)
	if store.IsConflict(err) {
		metrics.RecordClaimConflict()
		tracing.AddSpanEvent(ctx, "claim.lost")
		log.Debug("Task already claimed")
		return outcomeLost, nil
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("Claim failed")
		return outcomeSkipped, err
	}
	metrics.RecordClaim(string(from))

	start := time.Now()
	subErr := d.submitter.Submit(ctx, claimed)
	result := outcomeSubmitted
	if subErr == nil {
		if err := d.lifecycle.MarkComplete(claimed); err != nil {
			return outcomeSkipped, err
		}
	} else {
		result = outcomeFailed
		d.lifecycle.MarkFailed(claimed)
		if claimed.NextEligible.After(claimed.TaskModified) {
			metrics.RecordBackoff()
		}
		tracing.SetSpanError(ctx, subErr)
	}

	// The outcome is recorded even if the caller gave up during the submit.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	saved, err := d.store.Save(sctx, claimed)
	if err != nil {
		if store.IsConflict(err) {
			log.Warn("Task changed while in process, outcome discarded")
			return result, nil
		}
		log.WithError(err).Error("Saving task outcome failed")
		return result, err
	}
	metrics.RecordTaskFinished(string(saved.Status))

	entry := log.WithStatus(string(saved.Status)).WithDuration("submit", time.Since(start))
	if subErr != nil {
		entry.WithError(subErr).WithFields(map[string]any{
			"try_count":      saved.TryCount,
			"next_execution": saved.NextEligible,
		}).Warn("Task submission failed")
	} else {
		entry.Info("Task submitted")
	}
	return result, nil
}

// Run polls until ctx is done. A full batch is followed by another pass
// right away; otherwise it waits for the poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		stats, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Plain().WithError(err).Error("Dequeue pass failed")
		}
		if stats.Eligible > 0 {
			d.logger.Plain().WithFields(map[string]any{
				"eligible":  stats.Eligible,
				"submitted": stats.Submitted,
				"failed":    stats.Failed,
				"lost":      stats.Lost,
			}).Debug("Dequeue pass finished")
		}

		next := d.cfg.PollInterval
		if err == nil && stats.Eligible >= d.cfg.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}
