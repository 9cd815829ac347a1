package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// RabbitMQRepository owns the broker connection. The connection is dialed
// lazily and re-dialed after it drops, so callers just ask for a channel.
type RabbitMQRepository interface {
	Channel(ctx context.Context) (*amqp.Channel, error)
	Exchange() string
	IsConnected() bool
	Close() error
}

type rabbitMQRepository struct {
	url               string
	exchange          string
	queues            []string
	reconnectMaxDelay time.Duration
	logger            zerolog.Logger

	// lifetime bounds background dials; Close cancels it.
	lifetime context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	conn    *amqp.Connection
	dialing chan struct{}
	closed  bool
}

func NewRabbitMQRepository(url, exchange string, queues []string, reconnectMaxDelay time.Duration, logger zerolog.Logger) RabbitMQRepository {
	if reconnectMaxDelay <= 0 {
		reconnectMaxDelay = 30 * time.Second
	}

	lifetime, cancel := context.WithCancel(context.Background())
	return &rabbitMQRepository{
		url:               url,
		exchange:          exchange,
		queues:            queues,
		reconnectMaxDelay: reconnectMaxDelay,
		logger:            logger,
		lifetime:          lifetime,
		cancel:            cancel,
	}
}

func (r *rabbitMQRepository) Exchange() string {
	return r.exchange
}

// IsConnected reports false while a reconnect is in progress.
func (r *rabbitMQRepository) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil && !r.conn.IsClosed()
}

// Channel opens a fresh channel, connecting first if needed. While the broker
// is down it waits for the background dial until ctx ends.
func (r *rabbitMQRepository) Channel(ctx context.Context) (*amqp.Channel, error) {
	for attempt := 0; attempt < 2; attempt++ {
		conn, err := r.connection(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := conn.Channel()
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, amqp.ErrClosed) {
			return nil, fmt.Errorf("failed to open channel: %w", err)
		}

		r.logger.Warn().Err(err).Msg("RabbitMQ connection closed while opening channel, reconnecting")
		r.dropConnection(conn)
	}

	return nil, fmt.Errorf("failed to open channel: %w", amqp.ErrClosed)
}

// connection returns the live connection. At most one dial runs at a time;
// every caller waits on it with its own ctx.
func (r *rabbitMQRepository) connection(ctx context.Context) (*amqp.Connection, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, errors.New("rabbitmq repository is closed")
		}
		if r.conn != nil && !r.conn.IsClosed() {
			conn := r.conn
			r.mu.Unlock()
			return conn, nil
		}
		if r.dialing == nil {
			r.dialing = make(chan struct{})
			go r.dial(r.dialing)
		}
		done := r.dialing
		r.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", ctx.Err())
		}
	}
}

// dial retries until the broker answers or the repository is closed, then
// publishes the result and wakes every waiter.
func (r *rabbitMQRepository) dial(done chan struct{}) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = r.reconnectMaxDelay
	policy.MaxElapsedTime = 0

	var conn *amqp.Connection
	attempt := func() error {
		c, err := amqp.Dial(r.url)
		if err != nil {
			return err
		}
		if err := r.declareTopology(c); err != nil {
			c.Close()
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		r.logger.Error().Err(err).Dur("retry_in", next).Msg("RabbitMQ unavailable")
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(policy, r.lifetime), notify)

	r.mu.Lock()
	defer r.mu.Unlock()
	defer close(done)
	r.dialing = nil

	if err != nil {
		return
	}
	if r.closed {
		conn.Close()
		return
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closeCh; ok && amqpErr != nil {
			r.logger.Warn().
				Int("code", amqpErr.Code).
				Str("reason", amqpErr.Reason).
				Msg("RabbitMQ connection lost")
		}
	}()

	r.conn = conn
	r.logger.Info().Str("exchange", r.exchange).Strs("queues", r.queues).Msg("Connected to RabbitMQ")
}

func (r *rabbitMQRepository) dropConnection(conn *amqp.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == conn {
		r.conn = nil
	}
	if conn != nil && !conn.IsClosed() {
		conn.Close()
	}
}

// declareTopology sets up the direct exchange and one durable queue per job
// shape, bound with routing key == queue name.
func (r *rabbitMQRepository) declareTopology(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(
		r.exchange, // name
		"direct",   // type
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	for _, name := range r.queues {
		q, err := ch.QueueDeclare(
			name,  // name
			true,  // durable
			false, // delete when unused
			false, // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}

		if err := ch.QueueBind(q.Name, q.Name, r.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s: %w", name, err)
		}

		r.logger.Debug().
			Str("exchange", r.exchange).
			Str("queue", q.Name).
			Msg("RabbitMQ queue setup complete")
	}

	return nil
}

func (r *rabbitMQRepository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cancel()
	if r.conn != nil && !r.conn.IsClosed() {
		if err := r.conn.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to close RabbitMQ connection")
		}
	}
	r.conn = nil

	return nil
}
