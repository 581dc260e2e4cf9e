package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/connpool"
	"github.com/austindbirch/indexhook/internal/task"
)

const docWithNode = `<d1:systemMetadata xmlns:d1="http://ns.dataone.org/service/types/v2.0">
  <identifier>urn:uuid:abc</identifier>
  <formatId>eml://ecoinformatics.org/eml-2.1.1</formatId>
  <originMemberNode>urn:node:KNB</originMemberNode>
</d1:systemMetadata>`

const docWithoutNode = `<systemMetadata>
  <identifier>urn:uuid:rmap</identifier>
  <formatId>http://www.openarchives.org/ore/terms</formatId>
</systemMetadata>`

func newTask(doc string) *task.Task {
	return &task.Task{
		ID:           7,
		PID:          "urn:uuid:abc",
		FormatID:     "eml://ecoinformatics.org/eml-2.1.1",
		Metadata:     []byte(doc),
		ObjectPath:   "/var/objects/abc",
		TaskModified: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		Priority:     task.PriorityAdd,
		Status:       task.StatusInProcess,
		TryCount:     1,
		Version:      2,
	}
}

func newClient(t *testing.T, b *broker, confirmTimeout time.Duration) (*Client, *connpool.Pool[Connection]) {
	t.Helper()
	pool, err := NewPool(b.dial, config.Pool{MaxTotal: 2, MaxIdle: 2, BorrowTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return NewClient(NewPublisher(pool, confirmTimeout, nil), "", nil), pool
}

func TestSubmitAcked(t *testing.T) {
	b := newBroker()
	c, pool := newClient(t, b, time.Second)

	require.NoError(t, c.Submit(context.Background(), newTask(docWithNode)))

	msg := b.lastPublished()
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "urn:node:KNB", msg.Headers[HeaderNodeID])
	assert.Equal(t, "eml://ecoinformatics.org/eml-2.1.1", msg.Headers[HeaderFormatType])
	assert.Equal(t, "urn:uuid:abc", msg.Headers[HeaderPID])
	assert.NotEmpty(t, msg.MessageId)
	assert.Equal(t, []string{DefaultQueue}, b.queues)

	var decoded task.Task
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "urn:uuid:abc", decoded.PID)
	assert.Equal(t, task.PriorityAdd, decoded.Priority)

	st := pool.Stat()
	assert.Equal(t, 0, st.Borrowed)
	assert.Equal(t, 1, st.Idle)
}

func TestSubmitDeclaresDurableQueue(t *testing.T) {
	b := newBroker()
	c, _ := newClient(t, b, time.Second)

	ctx := context.Background()
	require.NoError(t, c.Submit(ctx, newTask(docWithNode)))
	require.NoError(t, c.Submit(ctx, newTask(docWithNode)))

	require.Len(t, b.declared, 2)
	for _, d := range b.declared {
		assert.Equal(t, declaration{name: DefaultQueue, durable: true}, d)
	}
	assert.Equal(t, int32(1), b.dials.Load(), "connection should be reused")
}

func TestSubmitUnknownNode(t *testing.T) {
	b := newBroker()
	c, _ := newClient(t, b, time.Second)

	tk := newTask(docWithoutNode)
	tk.PID = "urn:uuid:rmap"
	tk.FormatID = task.FormatResourceMap
	require.NoError(t, c.Submit(context.Background(), tk))

	msg := b.lastPublished()
	assert.Equal(t, UnknownNode, msg.Headers[HeaderNodeID])
	assert.Equal(t, task.FormatResourceMap, msg.Headers[HeaderFormatType])
}

func TestSubmitNackReturnsLease(t *testing.T) {
	b := newBroker()
	b.ack = false
	c, pool := newClient(t, b, time.Second)

	err := c.Submit(context.Background(), newTask(docWithNode))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, ErrNack)

	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "urn:uuid:abc", se.PID)

	st := pool.Stat()
	assert.Equal(t, 0, st.Borrowed)
	assert.Equal(t, 1, st.Idle)
}

func TestSubmitConfirmTimeout(t *testing.T) {
	b := newBroker()
	b.noConfirm = true
	c, pool := newClient(t, b, 30*time.Millisecond)

	err := c.Submit(context.Background(), newTask(docWithNode))
	assert.ErrorIs(t, err, ErrConfirmTimeout)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 0, pool.Stat().Borrowed)
}

func TestSubmitValidation(t *testing.T) {
	b := newBroker()
	c, pool := newClient(t, b, time.Second)

	tests := []struct {
		name string
		task *task.Task
	}{
		{name: "nil task", task: nil},
		{name: "empty metadata", task: newTask("")},
		{name: "unparsable metadata", task: newTask("<systemMetadata><identifier>")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Submit(context.Background(), tt.task)
			assert.ErrorIs(t, err, ErrValidation)
			assert.NotErrorIs(t, err, ErrTransport)
		})
	}
	assert.Empty(t, b.published)
	assert.Equal(t, int32(0), b.dials.Load())
	assert.Equal(t, 0, pool.Stat().Total)
}

func TestSubmitTransportFailures(t *testing.T) {
	boom := errors.New("connection reset")

	tests := []struct {
		name      string
		setup     func(b *broker)
		destroyed bool
	}{
		{
			name:  "declare refused",
			setup: func(b *broker) { b.declareErr = boom },
		},
		{
			name:  "publish fails on live connection",
			setup: func(b *broker) { b.publishErr = boom },
		},
		{
			name: "publish fails and connection drops",
			setup: func(b *broker) {
				b.publishErr = boom
				b.closeOnError = true
			},
			destroyed: true,
		},
		{
			name: "channel open fails and connection drops",
			setup: func(b *broker) {
				b.channelErr = boom
				b.closeOnError = true
			},
			destroyed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBroker()
			tt.setup(b)
			c, pool := newClient(t, b, time.Second)

			err := c.Submit(context.Background(), newTask(docWithNode))
			assert.ErrorIs(t, err, ErrTransport)
			assert.ErrorIs(t, err, boom)

			var se *SubmitError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "publish", se.Op)

			assert.Equal(t, 0, pool.Stat().Borrowed)
			if tt.destroyed {
				assert.Eventually(t, func() bool { return pool.Stat().Total == 0 }, time.Second, 5*time.Millisecond)
			} else {
				assert.Equal(t, 1, pool.Stat().Idle)
			}
		})
	}
}

func TestSubmitPoolExhausted(t *testing.T) {
	b := newBroker()
	c, pool := newClient(t, b, time.Second)

	ctx := context.Background()
	l1, err := pool.Borrow(ctx)
	require.NoError(t, err)
	l2, err := pool.Borrow(ctx)
	require.NoError(t, err)
	defer pool.Return(l1)
	defer pool.Return(l2)

	err = c.Submit(ctx, newTask(docWithNode))
	assert.ErrorIs(t, err, connpool.ErrExhausted)
	assert.NotErrorIs(t, err, ErrTransport)
}

func TestSubmitSlowBrokerIsTransportFailure(t *testing.T) {
	b := newBroker()
	b.dialDelay = 300 * time.Millisecond
	c, pool := newClient(t, b, time.Second)

	err := c.Submit(context.Background(), newTask(docWithNode))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, connpool.ErrDial)
	assert.NotErrorIs(t, err, connpool.ErrExhausted)
	assert.Equal(t, "transport", outcome(errors.Unwrap(err)))

	var se *SubmitError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "publish", se.Op)
	assert.Equal(t, int64(0), pool.Stat().Timeouts)
}

func TestSubmitErrorMessage(t *testing.T) {
	err := &SubmitError{PID: "urn:uuid:x", Op: "publish", Err: ErrNack}
	assert.Equal(t, "submit publish (pid urn:uuid:x): transport failure: broker nacked message", err.Error())

	anon := &SubmitError{Op: "validate", Err: ErrValidation}
	assert.Equal(t, "submit validate: invalid task", anon.Error())
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "acked"},
		{ErrNack, "nacked"},
		{ErrConfirmTimeout, "timeout"},
		{connpool.ErrExhausted, "exhausted"},
		{ErrTransport, "transport"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
