// Package messaging hands index tasks to the search indexer over RabbitMQ.
// Every publish waits for the broker's confirm before reporting success.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/connpool"
	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
)

// ErrNack is returned when the broker refuses to take responsibility for a message
var ErrNack = fmt.Errorf("%w: broker nacked message", ErrTransport)

// ErrConfirmTimeout is returned when no confirm arrives in time
var ErrConfirmTimeout = fmt.Errorf("%w: timed out waiting for confirm", ErrTransport)

// DefaultConfirmTimeout bounds the wait for a publisher confirm
const DefaultConfirmTimeout = 10 * time.Second

// Message is one outgoing broker message
type Message struct {
	Headers     map[string]string
	Body        []byte
	ContentType string
}

// NewPool builds the broker connection pool from cfg
func NewPool(dial Dialer, cfg config.Pool) (*connpool.Pool[Connection], error) {
	return connpool.New(connpool.Config[Connection]{
		Dial:          dial,
		Close:         func(c Connection) { _ = c.Close() },
		Alive:         func(c Connection) bool { return !c.IsClosed() },
		MaxTotal:      cfg.MaxTotal,
		MaxIdle:       cfg.MaxIdle,
		BorrowTimeout: cfg.BorrowTimeout,
	})
}

// Publisher publishes persistent messages to durable queues over pooled
// connections, one confirm-mode channel per message.
type Publisher struct {
	pool           *connpool.Pool[Connection]
	confirmTimeout time.Duration
	logger         *logging.Logger
}

// NewPublisher returns a Publisher borrowing connections from pool
func NewPublisher(pool *connpool.Pool[Connection], confirmTimeout time.Duration, logger *logging.Logger) *Publisher {
	if confirmTimeout <= 0 {
		confirmTimeout = DefaultConfirmTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Publisher{pool: pool, confirmTimeout: confirmTimeout, logger: logger}
}

// Publish sends msg to queue and blocks until the broker acks it, nacks it or
// the confirm timeout passes. The borrowed connection goes back to the pool on
// every path; a connection found closed afterwards is destroyed instead.
// There is no retry.
func (p *Publisher) Publish(ctx context.Context, queue string, msg Message) error {
	lease, err := p.pool.Borrow(ctx)
	if err != nil {
		if errors.Is(err, connpool.ErrExhausted) {
			return err
		}
		return fmt.Errorf("%w: borrow connection: %w", ErrTransport, err)
	}
	conn := lease.Value()
	defer func() {
		if conn.IsClosed() {
			p.pool.Destroy(lease)
		} else {
			p.pool.Return(lease)
		}
		st := p.pool.Stat()
		metrics.UpdatePool(st.Idle, st.Borrowed)
	}()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %w", ErrTransport, err)
	}
	defer ch.Close()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("%w: enable confirms: %w", ErrTransport, err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	// Durable, not auto-deleted, not exclusive: redeclaring never disturbs an existing queue.
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare queue %s: %w", ErrTransport, queue, err)
	}

	wctx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
	defer cancel()

	pub := amqp.Publishing{
		Headers:      toTable(msg.Headers),
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         msg.Body,
	}
	if err := ch.PublishWithContext(wctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("%w: publish: %w", ErrTransport, err)
	}

	select {
	case c, ok := <-confirms:
		if !ok {
			return fmt.Errorf("%w: channel closed before confirm", ErrTransport)
		}
		if !c.Ack {
			return ErrNack
		}
		p.logger.Plain().WithFields(map[string]any{
			"queue":        queue,
			"message_id":   pub.MessageId,
			"delivery_tag": c.DeliveryTag,
		}).Debug("Publish confirmed")
		return nil
	case <-wctx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrTransport, ctx.Err())
		}
		return ErrConfirmTimeout
	}
}

func toTable(h map[string]string) amqp.Table {
	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}
	return t
}
