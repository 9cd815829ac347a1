package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/metrics"
	"github.com/jackcrane/sw-grader-api/internal/worker/pool"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

// HandlerFunc processes one delivery. A nil error acks it. Errors wrapped
// with permanent ack and drop it; anything else is requeued after a delay.
type HandlerFunc func(ctx context.Context, msg queue.RabbitMQMessage) error

type WorkerStats struct {
	ActiveWorkers  int `json:"active_workers"`
	ProcessedToday int `json:"processed_today"`
	TotalProcessed int `json:"total_processed"`
	FailedJobs     int `json:"failed_jobs"`
	DroppedJobs    int `json:"dropped_jobs"`
	RequeuedJobs   int `json:"requeued_jobs"`
	QueueLength    int `json:"queue_length"`
}

// Consumer drains one queue into a worker pool and settles every delivery.
type Consumer struct {
	name          string
	workerPool    *pool.WorkerPool
	queueConsumer queue.RabbitMQConsumer
	handle        HandlerFunc
	retryDelay    time.Duration
	metrics       *metrics.Collector
	logger        zerolog.Logger

	stats      WorkerStats
	statsMutex sync.RWMutex
	startTime  time.Time
	wg         sync.WaitGroup
}

func NewConsumer(
	name string,
	workerPool *pool.WorkerPool,
	queueConsumer queue.RabbitMQConsumer,
	handle HandlerFunc,
	retryDelay time.Duration,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Consumer {
	if retryDelay <= 0 {
		retryDelay = 5 * time.Second
	}

	return &Consumer{
		name:          name,
		workerPool:    workerPool,
		queueConsumer: queueConsumer,
		handle:        handle,
		retryDelay:    retryDelay,
		metrics:       collector,
		logger:        logger.With().Str("worker", name).Str("queue", queueConsumer.Queue()).Logger(),
		startTime:     time.Now(),
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting worker...")

	if err := c.workerPool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	msgs, err := c.queueConsumer.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming messages: %w", err)
	}

	c.wg.Add(1)
	go c.processMessages(ctx, msgs)

	c.logger.Info().Msg("Worker started successfully")
	return nil
}

// Stop waits for the dispatch loop, which ends when the Start context is
// cancelled, then drains the pool.
func (c *Consumer) Stop() error {
	c.logger.Info().Msg("Stopping worker...")

	c.wg.Wait()

	if err := c.workerPool.Stop(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to stop worker pool")
	}

	if err := c.queueConsumer.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close queue consumer")
	}

	c.statsMutex.RLock()
	c.logger.Info().
		Int("total_processed", c.stats.TotalProcessed).
		Int("failed_jobs", c.stats.FailedJobs).
		Dur("uptime", time.Since(c.startTime)).
		Msg("Worker stopped")
	c.statsMutex.RUnlock()

	return nil
}

func (c *Consumer) processMessages(ctx context.Context, msgs <-chan queue.RabbitMQMessage) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Stopping message processing")
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn().Msg("Message channel closed")
				return
			}

			err := c.workerPool.Submit(ctx, func() {
				c.process(ctx, msg)
			})
			if err != nil {
				c.logger.Warn().Err(err).Msg("Could not dispatch message, returning it to the queue")
				c.nack(msg)
			}
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg queue.RabbitMQMessage) {
	start := time.Now()
	err := c.handle(ctx, msg)

	result := "ack"
	switch {
	case err == nil:
		c.statsMutex.Lock()
		c.stats.TotalProcessed++
		if time.Since(msg.Timestamp).Hours() < 24 {
			c.stats.ProcessedToday++
		}
		c.statsMutex.Unlock()
		c.ack(msg)

	case isPermanentError(err):
		result = "drop"
		c.logger.Error().Err(err).Str("message_id", msg.MessageID).Msg("Dropping message")
		c.statsMutex.Lock()
		c.stats.FailedJobs++
		c.stats.DroppedJobs++
		c.statsMutex.Unlock()
		c.ack(msg)

	default:
		result = "requeue"
		delay := c.retryDelay
		var later retryLaterError
		if errors.As(err, &later) {
			delay = later.delay
		}
		c.logger.Warn().
			Err(err).
			Str("message_id", msg.MessageID).
			Bool("redelivered", msg.Redelivered).
			Dur("requeue_in", delay).
			Msg("Message processing failed, requeueing")

		c.wait(ctx, delay)
		c.statsMutex.Lock()
		c.stats.FailedJobs++
		c.stats.RequeuedJobs++
		c.statsMutex.Unlock()
		c.nack(msg)
	}

	if c.metrics != nil {
		c.metrics.RecordJob(c.queueConsumer.Queue(), result, time.Since(start).Seconds())
	}
}

// wait holds the delivery before a requeue so a broken dependency is not
// hammered. Shutdown cuts it short.
func (c *Consumer) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Consumer) ack(msg queue.RabbitMQMessage) {
	if err := msg.Ack(false); err != nil {
		c.logger.Error().Err(err).Msg("Failed to ack message")
	}
}

func (c *Consumer) nack(msg queue.RabbitMQMessage) {
	if err := msg.Nack(false, true); err != nil {
		c.logger.Error().Err(err).Msg("Failed to nack message")
	}
}

func (c *Consumer) GetStats(ctx context.Context) WorkerStats {
	queueLength, err := c.queueConsumer.GetQueueLength(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to get queue length")
	}

	c.statsMutex.Lock()
	defer c.statsMutex.Unlock()
	if err == nil {
		c.stats.QueueLength = queueLength
	}
	c.stats.ActiveWorkers = c.workerPool.GetActiveWorkers()

	return c.stats
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return permanentError{err: err}
}

func isPermanentError(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

type retryLaterError struct {
	err   error
	delay time.Duration
}

func (e retryLaterError) Error() string { return e.err.Error() }
func (e retryLaterError) Unwrap() error { return e.err }

func retryAfter(err error, delay time.Duration) error {
	return retryLaterError{err: err, delay: delay}
}
