package worker

import (
	"context"
	"sync"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/metrics"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/jackcrane/sw-grader-api/internal/service"
	"github.com/jackcrane/sw-grader-api/internal/service/health"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

// PendingCounter receives the number of submissions still waiting for a
// grade.
type PendingCounter interface {
	SetPendingCount(n int)
}

// QueueMonitor polls broker depth and in-flight counts. The grading queue
// feeds the position estimator; every queue is exported as metrics.
type QueueMonitor struct {
	grading     queue.RabbitMQConsumer
	others      []queue.RabbitMQConsumer
	stats       *service.QueueStats
	submissions repository.SubmissionRepository
	pending     PendingCounter
	interval    time.Duration
	metrics     *metrics.Collector
	logger      zerolog.Logger

	wg sync.WaitGroup
}

func NewQueueMonitor(
	grading queue.RabbitMQConsumer,
	others []queue.RabbitMQConsumer,
	stats *service.QueueStats,
	submissions repository.SubmissionRepository,
	pending PendingCounter,
	interval time.Duration,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *QueueMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &QueueMonitor{
		grading:     grading,
		others:      others,
		stats:       stats,
		submissions: submissions,
		pending:     pending,
		interval:    interval,
		metrics:     collector,
		logger:      logger.With().Str("component", "queue_monitor").Logger(),
	}
}

func (m *QueueMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			m.Poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *QueueMonitor) Wait() {
	m.wg.Wait()
}

// Poll refreshes every gauge once. Broker errors leave the previous values
// in place.
func (m *QueueMonitor) Poll(ctx context.Context) {
	if depth, ok := m.sample(ctx, m.grading); ok {
		m.stats.Update(depth, m.grading.Processing())
	}
	for _, c := range m.others {
		m.sample(ctx, c)
	}
	m.RefreshPending(ctx)
}

func (m *QueueMonitor) sample(ctx context.Context, c queue.RabbitMQConsumer) (int, bool) {
	depth, err := c.GetQueueLength(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn().Err(err).Str("queue", c.Queue()).Msg("Failed to read queue depth")
		}
		return 0, false
	}
	if m.metrics != nil {
		m.metrics.UpdateQueueStats(c.Queue(), depth, c.Processing())
	}
	return depth, true
}

// RefreshPending recounts ungraded submissions from the database.
func (m *QueueMonitor) RefreshPending(ctx context.Context) {
	n, err := m.submissions.CountUngraded(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("Failed to count pending submissions")
		}
		return
	}
	if m.pending != nil {
		m.pending.SetPendingCount(n)
	}
	if m.metrics != nil {
		m.metrics.SetPendingSubmissions(n)
	}
}

// OnHealthChange is a health subscriber that refreshes the pending counter
// and the tool gauge on every transition.
func (m *QueueMonitor) OnHealthChange(prev, next health.State) {
	if m.metrics != nil {
		m.metrics.SetGraderOnline(next == health.StateOnline)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.RefreshPending(ctx)
	}()
}
