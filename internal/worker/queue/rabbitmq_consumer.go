package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/repository"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type RabbitMQMessage struct {
	MessageID   string
	Body        []byte
	Timestamp   time.Time
	Redelivered bool
	Ack         func(multiple bool) error
	Nack        func(multiple bool, requeue bool) error
}

type RabbitMQConsumer interface {
	Queue() string
	Consume(ctx context.Context) (<-chan RabbitMQMessage, error)
	GetQueueLength(ctx context.Context) (int, error)
	// Processing counts deliveries handed out and not yet acked or nacked.
	Processing() int
	Close() error
}

type rabbitMQConsumer struct {
	repo        repository.RabbitMQRepository
	queue       string
	consumerTag string
	prefetch    int
	logger      zerolog.Logger

	processing atomic.Int64

	mu      sync.Mutex
	channel *amqp.Channel
}

func NewRabbitMQConsumer(repo repository.RabbitMQRepository, queue, consumerTag string, prefetch int, logger zerolog.Logger) RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}

	return &rabbitMQConsumer{
		repo:        repo,
		queue:       queue,
		consumerTag: consumerTag,
		prefetch:    prefetch,
		logger:      logger.With().Str("queue", queue).Logger(),
	}
}

// Consume delivers messages until ctx is cancelled. A dropped connection
// is logged and the subscription is re-established on a new channel.
func (c *rabbitMQConsumer) Consume(ctx context.Context) (<-chan RabbitMQMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output := make(chan RabbitMQMessage)

	go func() {
		defer close(output)

		for {
			msgs, err := c.subscribe(ctx)
			if err != nil {
				if ctx.Err() != nil {
					c.logger.Info().Msg("Stopping RabbitMQ consumer")
					return
				}
				c.logger.Error().Err(err).Msg("Failed to subscribe, retrying")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}

			if !c.forward(ctx, msgs, output) {
				c.logger.Info().Msg("Stopping RabbitMQ consumer")
				return
			}

			c.logger.Warn().Msg("RabbitMQ delivery channel closed, resubscribing")
		}
	}()

	return output, nil
}

func (c *rabbitMQConsumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	ch, err := c.repo.Channel(ctx)
	if err != nil {
		return nil, err
	}

	err = ch.Qos(
		c.prefetch, // prefetch count
		0,          // prefetch size
		false,      // global
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := ch.Consume(
		c.queue,       // queue
		c.consumerTag, // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume %s: %w", c.queue, err)
	}

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()

	c.logger.Info().
		Str("consumer_tag", c.consumerTag).
		Int("prefetch", c.prefetch).
		Msg("RabbitMQ consumer started")

	return msgs, nil
}

// forward returns false once ctx is done and true when the broker closed
// the delivery channel.
func (c *rabbitMQConsumer) forward(ctx context.Context, msgs <-chan amqp.Delivery, output chan<- RabbitMQMessage) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-msgs:
			if !ok {
				return true
			}

			rabbitMsg := c.wrap(msg)

			select {
			case output <- rabbitMsg:
			case <-ctx.Done():
				rabbitMsg.Nack(false, true)
				return false
			}
		}
	}
}

func (c *rabbitMQConsumer) wrap(msg amqp.Delivery) RabbitMQMessage {
	c.processing.Add(1)

	var once sync.Once
	settle := func() {
		once.Do(func() { c.processing.Add(-1) })
	}

	return RabbitMQMessage{
		MessageID:   msg.MessageId,
		Body:        msg.Body,
		Timestamp:   msg.Timestamp,
		Redelivered: msg.Redelivered,
		Ack: func(multiple bool) error {
			settle()
			return msg.Ack(multiple)
		},
		Nack: func(multiple bool, requeue bool) error {
			settle()
			return msg.Nack(multiple, requeue)
		},
	}
}

func (c *rabbitMQConsumer) Queue() string {
	return c.queue
}

func (c *rabbitMQConsumer) Processing() int {
	return int(c.processing.Load())
}

// GetQueueLength returns the ready message count. A passive declare on a
// missing queue closes its channel, so it gets a throwaway one.
func (c *rabbitMQConsumer) GetQueueLength(ctx context.Context) (int, error) {
	ch, err := c.repo.Channel(ctx)
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	queue, err := ch.QueueDeclarePassive(
		c.queue, // name
		true,    // durable
		false,   // delete when unused
		false,   // exclusive
		false,   // no-wait
		nil,     // arguments
	)
	if err != nil {
		return 0, err
	}

	return queue.Messages, nil
}

func (c *rabbitMQConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Cancel(c.consumerTag, false); err != nil {
			c.logger.Error().Err(err).Msg("Failed to cancel RabbitMQ consumer")
		}
		c.channel.Close()
	}
	c.channel = nil

	c.logger.Info().Msg("RabbitMQ consumer closed")
	return nil
}
