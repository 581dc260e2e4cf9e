package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// broker scripts how fake channels answer publishes
type broker struct {
	mu        sync.Mutex
	published []amqp.Publishing
	queues    []string
	declared  []declaration

	ack          bool
	noConfirm    bool
	channelErr   error
	declareErr   error
	publishErr   error
	closeOnError bool

	dialDelay time.Duration

	dials    atomic.Int32
	channels atomic.Int32
}

type declaration struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	noWait     bool
}

func newBroker() *broker { return &broker{ack: true} }

func (b *broker) dial(context.Context) (Connection, error) {
	b.dials.Add(1)
	if b.dialDelay > 0 {
		time.Sleep(b.dialDelay)
	}
	return &fakeConn{broker: b}, nil
}

type fakeConn struct {
	broker *broker
	closed atomic.Bool
}

func (c *fakeConn) Channel() (Channel, error) {
	if c.closed.Load() {
		return nil, amqp.ErrClosed
	}
	if err := c.broker.channelErr; err != nil {
		if c.broker.closeOnError {
			c.closed.Store(true)
		}
		return nil, err
	}
	c.broker.channels.Add(1)
	return &fakeChannel{conn: c}, nil
}

func (c *fakeConn) IsClosed() bool { return c.closed.Load() }

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeChannel struct {
	conn      *fakeConn
	confirm   bool
	listeners []chan amqp.Confirmation
	tag       uint64
	closed    bool
}

func (ch *fakeChannel) Confirm(noWait bool) error {
	ch.confirm = true
	return nil
}

func (ch *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	ch.listeners = append(ch.listeners, c)
	return c
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	if b.declareErr != nil {
		return amqp.Queue{}, b.declareErr
	}
	b.mu.Lock()
	b.declared = append(b.declared, declaration{name, durable, autoDelete, exclusive, noWait})
	b.mu.Unlock()
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.conn.broker
	if !ch.confirm {
		return errors.New("channel not in confirm mode")
	}
	if b.publishErr != nil {
		if b.closeOnError {
			ch.conn.closed.Store(true)
		}
		return b.publishErr
	}
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.queues = append(b.queues, key)
	b.mu.Unlock()

	ch.tag++
	if b.noConfirm {
		return nil
	}
	for _, l := range ch.listeners {
		l <- amqp.Confirmation{DeliveryTag: ch.tag, Ack: b.ack}
	}
	return nil
}

func (ch *fakeChannel) Close() error {
	if !ch.closed {
		ch.closed = true
		for _, l := range ch.listeners {
			close(l)
		}
	}
	return nil
}

func (b *broker) lastPublished() amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[len(b.published)-1]
}
