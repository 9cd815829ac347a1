package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRepo struct{}

func (stubRepo) Channel(ctx context.Context) (*amqp.Channel, error) {
	return nil, errors.New("not used")
}
func (stubRepo) Exchange() string  { return "grader_exchange" }
func (stubRepo) IsConnected() bool { return true }
func (stubRepo) Close() error      { return nil }

type declared struct {
	name string
	args amqp.Table
}

type sentMessage struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

type fakeChannel struct {
	declares []declared
	sent     []sentMessage
	returns  chan amqp.Return
	// unroutable makes the broker return every message to these keys.
	unroutable map[string]bool
	publishErr error
	closed     bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{returns: make(chan amqp.Return, 16), unroutable: map[string]bool{}}
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.declares = append(c.declares, declared{name: name, args: args})
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) PublishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error) {
	if c.publishErr != nil {
		return false, c.publishErr
	}
	c.sent = append(c.sent, sentMessage{exchange: exchange, routingKey: routingKey, msg: msg})
	if c.unroutable[routingKey] {
		c.returns <- amqp.Return{ReplyCode: 312, RoutingKey: routingKey, MessageId: msg.MessageId}
	}
	return true, nil
}

func (c *fakeChannel) Returns() <-chan amqp.Return { return c.returns }
func (c *fakeChannel) IsClosed() bool              { return c.closed }
func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func newTestPublisher(ch *fakeChannel) (*rabbitMQPublisher, *int) {
	opened := 0
	p := NewRabbitMQPublisher(stubRepo{}, time.Second, zerolog.Nop()).(*rabbitMQPublisher)
	p.open = func(ctx context.Context) (publishChannel, error) {
		opened++
		return ch, nil
	}
	return p, &opened
}

func TestPublishWithDelayDeclaresEveryTime(t *testing.T) {
	ch := newFakeChannel()
	p, opened := newTestPublisher(ch)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, p.PublishWithDelay(ctx, "billing_jobs", []byte(`{}`), 42*time.Hour))
	}

	assert.Equal(t, 1, *opened)
	require.Len(t, ch.declares, 3)
	for _, d := range ch.declares {
		assert.Equal(t, "billing_jobs.delay.151200000", d.name)
		assert.Equal(t, "billing_jobs", d.args["x-dead-letter-routing-key"])
	}

	require.Len(t, ch.sent, 3)
	assert.Equal(t, "", ch.sent[0].exchange)
	assert.Equal(t, "billing_jobs.delay.151200000", ch.sent[0].routingKey)
	assert.Equal(t, "151200000", ch.sent[0].msg.Expiration)
	assert.Equal(t, amqp.Persistent, ch.sent[0].msg.DeliveryMode)
}

func TestPublishWithoutDelayGoesToExchange(t *testing.T) {
	ch := newFakeChannel()
	p, _ := newTestPublisher(ch)

	require.NoError(t, p.PublishWithDelay(context.Background(), "grading_jobs", []byte(`{}`), 0))

	assert.Empty(t, ch.declares)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "grader_exchange", ch.sent[0].exchange)
	assert.Equal(t, "grading_jobs", ch.sent[0].routingKey)
	assert.Empty(t, ch.sent[0].msg.Expiration)
}

func TestPublishReportsUnroutable(t *testing.T) {
	ch := newFakeChannel()
	ch.unroutable["gradebook_sync_jobs.delay.30000"] = true
	p, _ := newTestPublisher(ch)

	err := p.PublishWithDelay(context.Background(), "gradebook_sync_jobs", []byte(`{}`), 30*time.Second)
	assert.ErrorIs(t, err, ErrUnroutable)

	// A stale return for another message does not fail the next publish.
	ch.returns <- amqp.Return{MessageId: "old"}
	require.NoError(t, p.Publish(context.Background(), "grading_jobs", []byte(`{}`)))
	assert.Empty(t, ch.returns)
}

func TestPublishFailureResetsChannel(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	p, opened := newTestPublisher(ch)

	err := p.Publish(context.Background(), "grading_jobs", []byte(`{}`))
	require.Error(t, err)
	assert.True(t, ch.closed)

	ch.publishErr = nil
	ch.closed = false
	require.NoError(t, p.Publish(context.Background(), "grading_jobs", []byte(`{}`)))
	assert.Equal(t, 2, *opened)
}
