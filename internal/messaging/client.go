package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/indexhook/internal/connpool"
	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
	"github.com/austindbirch/indexhook/internal/task"
	"github.com/austindbirch/indexhook/internal/tracing"
)

// Header keys carried on every task message
const (
	HeaderNodeID     = "nodeId"
	HeaderFormatType = "formatType"
	HeaderPID        = "pid"
)

// UnknownNode is the nodeId header value when the metadata names no origin node
const UnknownNode = "unknown"

// DefaultQueue is the queue the search indexer consumes new tasks from
const DefaultQueue = "indexing.newTaskQueue"

// Client submits index tasks to the indexer's queue
type Client struct {
	pub    *Publisher
	queue  string
	logger *logging.Logger
}

// NewClient returns a Client publishing to queue through pub
func NewClient(pub *Publisher, queue string, logger *logging.Logger) *Client {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{pub: pub, queue: queue, logger: logger}
}

// Queue returns the target queue name
func (c *Client) Queue() string { return c.queue }

// Submit publishes t and returns once the broker has confirmed it. Failures are
// *SubmitError values carrying the task's pid and wrapping ErrValidation,
// ErrSerialization, ErrTransport or connpool.ErrExhausted. Submit makes
// exactly one attempt.
func (c *Client) Submit(ctx context.Context, t *task.Task) error {
	if t == nil {
		metrics.RecordSubmission("invalid", 0)
		return submitErr("", "validate", ErrValidation, errors.New("nil task"))
	}

	ctx, span := tracing.StartTaskSpan(ctx, "messaging.submit", t)
	defer span.End()

	msg, err := buildMessage(ctx, t)
	if err != nil {
		metrics.RecordSubmission("invalid", 0)
		tracing.SetSpanError(ctx, err)
		return err
	}

	start := time.Now()
	err = c.pub.Publish(ctx, c.queue, msg)
	elapsed := time.Since(start)
	metrics.RecordSubmission(outcome(err), elapsed)

	entry := c.logger.WithContext(ctx).WithTask(t.ID, t.PID).WithDuration("submit", elapsed)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		entry.WithError(err).Debug("Task submission failed")
		if errors.Is(err, connpool.ErrExhausted) {
			return &SubmitError{PID: t.PID, Op: "borrow", Err: err}
		}
		return submitErr(t.PID, "publish", ErrTransport, err)
	}
	tracing.AddSpanEvent(ctx, "task.confirmed")
	entry.Debug("Task submitted")
	return nil
}

// buildMessage derives the headers and payload for t
func buildMessage(ctx context.Context, t *task.Task) (Message, error) {
	md, err := t.SystemMetadata()
	if err != nil {
		return Message{}, submitErr(t.PID, "validate", ErrValidation, err)
	}
	body, err := json.Marshal(t)
	if err != nil {
		return Message{}, submitErr(t.PID, "serialize", ErrSerialization, err)
	}

	headers := tracing.InjectHeaders(ctx)
	headers[HeaderNodeID] = md.OriginNode(UnknownNode)
	headers[HeaderFormatType] = t.FormatID
	headers[HeaderPID] = t.PID

	return Message{Headers: headers, Body: body, ContentType: "application/json"}, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "acked"
	case errors.Is(err, ErrNack):
		return "nacked"
	case errors.Is(err, ErrConfirmTimeout):
		return "timeout"
	case errors.Is(err, connpool.ErrExhausted):
		return "exhausted"
	default:
		return "transport"
	}
}
