package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/messaging"
	"github.com/austindbirch/indexhook/internal/task"
)

// Stand-in for the search indexer in local setups: consumes the task queue,
// checks each message has the expected shape and acks it. FAIL_FIRST_N
// deliveries are rejected and requeued to simulate a flaky consumer.
func main() {
	cfg := config.FromEnv()
	failFirstN := 0
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}

	logger := logging.NewWithWriter("indexhook-fake-indexer", os.Stdout, logging.ParseLevel(cfg.LogLevel))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	conn, err := amqp.Dial(cfg.AMQPURL())
	if err != nil {
		logger.Plain().WithError(err).Fatal("broker connect failed")
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		logger.Plain().WithError(err).Fatal("open channel failed")
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(cfg.AMQP.Queue, true, false, false, false, nil); err != nil {
		logger.Plain().WithError(err).Fatal("declare queue failed")
	}
	deliveries, err := ch.Consume(cfg.AMQP.Queue, "fake-indexer", false, false, false, false, nil)
	if err != nil {
		logger.Plain().WithError(err).Fatal("consume failed")
	}
	logger.Plain().WithField("queue", cfg.AMQP.Queue).Info("fake-indexer consuming")

	seen := 0
	for {
		select {
		case <-ctx.Done():
			logger.Plain().Info("fake-indexer stopped")
			return
		case d, ok := <-deliveries:
			if !ok {
				logger.Plain().Warn("delivery channel closed")
				return
			}
			seen++
			msg, err := inspect(d)
			entry := logger.Plain().WithPID(msg.PID).WithField("node_id", msg.NodeID)
			switch {
			case err != nil:
				entry.WithError(err).Error("malformed task message, dropping")
				_ = d.Reject(false)
			case seen <= failFirstN:
				entry.Warnf("FAILING (%d/%d)", seen, failFirstN)
				_ = d.Nack(false, true)
			default:
				entry.WithFields(map[string]any{
					"format":    msg.FormatType,
					"task_id":   msg.Task.ID,
					"delete":    msg.Task.Deleted,
					"try_count": msg.Task.TryCount,
				}).Info("fake-indexer OK")
				_ = d.Ack(false)
			}
		}
	}
}

// taskMessage is a decoded delivery
type taskMessage struct {
	NodeID     string
	FormatType string
	PID        string
	Task       task.Task
}

// inspect checks the headers and body of one delivery
func inspect(d amqp.Delivery) (taskMessage, error) {
	var m taskMessage
	var errs []error
	header := func(key string) string {
		v, ok := d.Headers[key].(string)
		if !ok || v == "" {
			errs = append(errs, fmt.Errorf("missing header %s", key))
		}
		return v
	}
	m.NodeID = header(messaging.HeaderNodeID)
	m.FormatType = header(messaging.HeaderFormatType)
	m.PID = header(messaging.HeaderPID)

	if err := json.Unmarshal(d.Body, &m.Task); err != nil {
		errs = append(errs, fmt.Errorf("decode body: %w", err))
	} else if m.PID != "" && m.Task.PID != m.PID {
		errs = append(errs, fmt.Errorf("pid header %q does not match body %q", m.PID, m.Task.PID))
	}
	if d.DeliveryMode != amqp.Persistent {
		errs = append(errs, errors.New("message is not persistent"))
	}
	return m, errors.Join(errs...)
}
