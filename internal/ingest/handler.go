// Package ingest turns content change events read from NSQ into NEW index
// tasks.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/indexhook/internal/events"
	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
	"github.com/austindbirch/indexhook/internal/task"
	"github.com/austindbirch/indexhook/internal/tracing"
)

// ErrMalformed marks events that can never produce a task; they are not retried
var ErrMalformed = errors.New("malformed content event")

// Saver persists new tasks
type Saver interface {
	Save(ctx context.Context, t *task.Task) (*task.Task, error)
}

// Producer publishes to an NSQ topic. *nsq.Producer satisfies it.
type Producer interface {
	Publish(topic string, body []byte) error
}

// Handler consumes content events. Malformed events are finished, and
// dead-lettered when a DLQ producer is set; store failures are requeued.
type Handler struct {
	store      Saver
	classifier *task.Classifier
	dlq        Producer
	dlqTopic   string
	logger     *logging.Logger

	// RequeueDelay is the base delay before a failed message is redelivered.
	RequeueDelay time.Duration
}

// NewHandler returns a Handler saving into store. dlq may be nil.
func NewHandler(store Saver, classifier *task.Classifier, dlq Producer, dlqTopic string, logger *logging.Logger) *Handler {
	if classifier == nil {
		classifier = task.NewClassifier()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		store:        store,
		classifier:   classifier,
		dlq:          dlq,
		dlqTopic:     dlqTopic,
		logger:       logger,
		RequeueDelay: 5 * time.Second,
	}
}

// Process classifies ev and saves the resulting task. It returns nil, nil for
// events about reserved pids. Errors wrapping ErrMalformed are permanent.
func (h *Handler) Process(ctx context.Context, ev events.ContentEvent) (*task.Task, error) {
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	change, _ := task.ParseChangeType(ev.Change)

	var (
		t   *task.Task
		err error
	)
	if ev.Priority != nil && change != task.ChangeDelete {
		t, err = h.classifier.ClassifyWithPriority([]byte(ev.SysMeta), ev.ObjectPath, *ev.Priority)
	} else {
		t, err = h.classifier.Classify(change, []byte(ev.SysMeta), ev.ObjectPath)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if t == nil {
		metrics.RecordEventDropped("ignored")
		return nil, nil
	}

	saved, err := h.store.Save(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("save task for %s: %w", t.PID, err)
	}
	metrics.RecordTaskCreated(string(change))
	return saved, nil
}

// HandleMessage implements nsq.Handler
func (h *Handler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	defer func() {
		if !m.HasResponded() {
			h.logger.Plain().Warn("message had no response, finishing")
			m.Finish()
		}
	}()

	var ev events.ContentEvent
	if err := json.Unmarshal(m.Body, &ev); err != nil {
		h.logger.Plain().WithError(err).Error("bad content event payload")
		metrics.RecordEventDropped("malformed")
		dl := events.NewDeadLetter(events.ContentEvent{}, int(m.Attempts), err.Error(), "undecodable payload")
		dl.Raw = string(m.Body)
		h.deadLetter(context.Background(), dl)
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	ctx := tracing.ExtractHeaders(context.Background(), ev.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "generator.content_event",
		attribute.String("event_id", ev.EventID),
		attribute.String("change", ev.Change),
		attribute.Int("attempts", int(m.Attempts)),
	)
	defer span.End()

	t, err := h.Process(ctx, ev)
	switch {
	case err == nil && t == nil:
		tracing.AddSpanEvent(ctx, "event.ignored")
		h.logger.WithContext(ctx).WithField("event_id", ev.EventID).Debug("Event for reserved pid dropped")
		m.Finish()
	case err == nil:
		tracing.AddSpanEvent(ctx, "task.created")
		h.logger.WithContext(ctx).WithTask(t.ID, t.PID).WithFields(map[string]any{
			"event_id": ev.EventID,
			"priority": t.Priority,
		}).Info("Index task created")
		m.Finish()
	case errors.Is(err, ErrMalformed):
		tracing.SetSpanError(ctx, err)
		metrics.RecordEventDropped("malformed")
		h.logger.WithContext(ctx).WithField("event_id", ev.EventID).WithError(err).Warn("Rejecting content event")
		h.deadLetter(ctx, events.NewDeadLetter(ev, int(m.Attempts), err.Error(), "malformed content event"))
		m.Finish()
	default:
		tracing.SetSpanError(ctx, err)
		delay := h.requeueDelay(m.Attempts)
		h.logger.WithContext(ctx).WithField("event_id", ev.EventID).WithField("delay", delay.String()).
			WithError(err).Error("Task save failed, requeueing event")
		m.Requeue(delay)
	}
	return nil
}

// requeueDelay doubles per attempt up to one minute
func (h *Handler) requeueDelay(attempts uint16) time.Duration {
	d := h.RequeueDelay
	for i := uint16(1); i < attempts && d < time.Minute; i++ {
		d *= 2
	}
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

func (h *Handler) deadLetter(ctx context.Context, dl events.DeadLetter) {
	if h.dlq == nil || h.dlqTopic == "" {
		return
	}
	b, err := json.Marshal(dl)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("dlq encode failed")
		return
	}
	if err := h.dlq.Publish(h.dlqTopic, b); err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq", attribute.String("topic", h.dlqTopic))
}
