package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

// Queues names the three logical queues.
type Queues struct {
	Grading string
	Sync    string
	Billing string
}

func (q Queues) All() []string {
	return []string{q.Grading, q.Sync, q.Billing}
}

// JobPublisher is the typed producer side of the job queue.
type JobPublisher interface {
	EnqueueGrading(ctx context.Context, job models.GradingJob) error
	EnqueueSync(ctx context.Context, job models.GradeSyncJob, delay time.Duration) error
	EnqueueBilling(ctx context.Context, job models.BillingJob, delay time.Duration) error
}

type jobPublisher struct {
	publisher RabbitMQPublisher
	queues    Queues
}

func NewJobPublisher(publisher RabbitMQPublisher, queues Queues) JobPublisher {
	return &jobPublisher{
		publisher: publisher,
		queues:    queues,
	}
}

func (p *jobPublisher) EnqueueGrading(ctx context.Context, job models.GradingJob) error {
	return p.send(ctx, p.queues.Grading, job, 0)
}

func (p *jobPublisher) EnqueueSync(ctx context.Context, job models.GradeSyncJob, delay time.Duration) error {
	return p.send(ctx, p.queues.Sync, job, delay)
}

func (p *jobPublisher) EnqueueBilling(ctx context.Context, job models.BillingJob, delay time.Duration) error {
	return p.send(ctx, p.queues.Billing, job, delay)
}

func (p *jobPublisher) send(ctx context.Context, queue string, job interface{}, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job for %s: %w", queue, err)
	}

	if delay > 0 {
		return p.publisher.PublishWithDelay(ctx, queue, body, delay)
	}
	return p.publisher.Publish(ctx, queue, body)
}
