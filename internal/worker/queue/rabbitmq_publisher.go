package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// delayQueueGrace keeps an idle delay queue around a little longer than the
// longest message it can hold. The lease restarts on every declare, and every
// delayed publish declares first.
const delayQueueGrace = time.Hour

var (
	ErrPublishNacked = errors.New("broker did not confirm publish")
	ErrUnroutable    = errors.New("broker returned unroutable message")
)

type RabbitMQPublisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
	PublishWithDelay(ctx context.Context, queue string, body []byte, delay time.Duration) error
	Close() error
}

// publishChannel is the slice of a confirm-mode AMQP channel the publisher
// uses.
type publishChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	// PublishConfirmed publishes with mandatory set and waits for the
	// broker's confirm.
	PublishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error)
	Returns() <-chan amqp.Return
	IsClosed() bool
	Close() error
}

type amqpPublishChannel struct {
	*amqp.Channel
	returns chan amqp.Return
}

func openAMQPPublishChannel(ctx context.Context, repo repository.RabbitMQRepository) (publishChannel, error) {
	ch, err := repo.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &amqpPublishChannel{
		Channel: ch,
		returns: ch.NotifyReturn(make(chan amqp.Return, 16)),
	}, nil
}

func (c *amqpPublishChannel) PublishConfirmed(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) (bool, error) {
	confirm, err := c.PublishWithDeferredConfirmWithContext(
		ctx,
		exchange,   // exchange
		routingKey, // routing key
		true,       // mandatory
		false,      // immediate
		msg,
	)
	if err != nil {
		return false, err
	}
	return confirm.WaitContext(ctx)
}

func (c *amqpPublishChannel) Returns() <-chan amqp.Return {
	return c.returns
}

type rabbitMQPublisher struct {
	repo    repository.RabbitMQRepository
	open    func(ctx context.Context) (publishChannel, error)
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	channel publishChannel
}

func NewRabbitMQPublisher(repo repository.RabbitMQRepository, timeout time.Duration, logger zerolog.Logger) RabbitMQPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &rabbitMQPublisher{
		repo: repo,
		open: func(ctx context.Context) (publishChannel, error) {
			return openAMQPPublishChannel(ctx, repo)
		},
		timeout: timeout,
		logger:  logger,
	}
}

// DelayQueueName returns the holding queue for messages bound for queue after
// delay. One queue per distinct delay keeps a short TTL from waiting behind a
// long one.
func DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%d", queue, delay.Milliseconds())
}

// DelayQueueArgs dead-letters expired messages back onto the target queue.
func DelayQueueArgs(exchange, queue string, delay time.Duration) amqp.Table {
	ms := delay.Milliseconds()
	return amqp.Table{
		"x-message-ttl":             ms,
		"x-dead-letter-exchange":    exchange,
		"x-dead-letter-routing-key": queue,
		"x-expires":                 ms + delayQueueGrace.Milliseconds(),
	}
}

// channelLocked returns the publishing channel. Callers hold p.mu.
func (p *rabbitMQPublisher) channelLocked(ctx context.Context) (publishChannel, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}

	ch, err := p.open(ctx)
	if err != nil {
		return nil, err
	}

	p.channel = ch
	return ch, nil
}

func (p *rabbitMQPublisher) resetLocked() {
	if p.channel != nil && !p.channel.IsClosed() {
		p.channel.Close()
	}
	p.channel = nil
}

func (p *rabbitMQPublisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.publishLocked(ctx, p.repo.Exchange(), queue, body, "")
}

func (p *rabbitMQPublisher) PublishWithDelay(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	if delay <= 0 {
		return p.Publish(ctx, queue, body)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channelLocked(ctx)
	if err != nil {
		return err
	}

	// Publishing does not renew x-expires; declaring does.
	name := DelayQueueName(queue, delay)
	_, err = ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		DelayQueueArgs(p.repo.Exchange(), queue, delay),
	)
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}

	// The default exchange routes by queue name.
	return p.publishLocked(ctx, "", name, body, strconv.FormatInt(delay.Milliseconds(), 10))
}

func (p *rabbitMQPublisher) publishLocked(ctx context.Context, exchange, routingKey string, body []byte, expiration string) error {
	ch, err := p.channelLocked(ctx)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	messageID := uuid.NewString()
	acked, err := ch.PublishConfirmed(publishCtx, exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    messageID,
		Expiration:   expiration,
	})
	if err != nil {
		p.resetLocked()
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	if !acked {
		return fmt.Errorf("%s: %w", routingKey, ErrPublishNacked)
	}

	// The broker sends basic.return ahead of the ack, so a returned message
	// is already buffered by now.
	if p.drainReturnsLocked(ch, messageID) {
		return fmt.Errorf("%s: %w", routingKey, ErrUnroutable)
	}

	p.logger.Debug().
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Str("expiration_ms", expiration).
		Msg("Message published")

	return nil
}

// drainReturnsLocked empties the return buffer and reports whether
// messageID was among the returned messages.
func (p *rabbitMQPublisher) drainReturnsLocked(ch publishChannel, messageID string) bool {
	returned := false
	for {
		select {
		case ret, ok := <-ch.Returns():
			if !ok {
				return returned
			}
			if ret.MessageId == messageID {
				returned = true
				continue
			}
			p.logger.Warn().
				Str("message_id", ret.MessageId).
				Str("routing_key", ret.RoutingKey).
				Uint16("reply_code", ret.ReplyCode).
				Msg("Discarding stale returned message")
		default:
			return returned
		}
	}
}

func (p *rabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.resetLocked()
	p.logger.Info().Msg("RabbitMQ publisher closed")
	return nil
}
