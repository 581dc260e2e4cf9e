package messaging

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the slice of *amqp.Connection the publisher uses
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Channel is the slice of *amqp.Channel the publisher uses
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Dialer opens broker connections
type Dialer func(ctx context.Context) (Connection, error)

type amqpConn struct {
	*amqp.Connection
}

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP returns a Dialer for url. Each dial is bounded by timeout.
func DialAMQP(url string, timeout time.Duration) Dialer {
	return func(ctx context.Context) (Connection, error) {
		limit := timeout
		if d, ok := ctx.Deadline(); ok {
			if rem := time.Until(d); rem > 0 && rem < limit {
				limit = rem
			}
		}
		conn, err := amqp.DialConfig(url, amqp.Config{
			Dial:       amqp.DefaultDial(limit),
			Properties: amqp.Table{"connection_name": "indexhook-publisher"},
		})
		if err != nil {
			return nil, err
		}
		return amqpConn{conn}, nil
	}
}
