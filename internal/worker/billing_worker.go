package worker

import (
	"context"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/metrics"
	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/service"
	"github.com/jackcrane/sw-grader-api/internal/worker/pool"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

func NewBillingWorker(
	workerPool *pool.WorkerPool,
	queueConsumer queue.RabbitMQConsumer,
	billing service.BillingService,
	retryDelay time.Duration,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Consumer {
	h := &billingHandler{billing: billing, metrics: collector, logger: logger}
	return NewConsumer("billing", workerPool, queueConsumer, h.handle, retryDelay, collector, logger)
}

type billingHandler struct {
	billing service.BillingService
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func (h *billingHandler) handle(ctx context.Context, msg queue.RabbitMQMessage) error {
	var job models.BillingJob
	if err := queue.Decode(msg.Body, &job); err != nil {
		return permanent(err)
	}

	outcome, err := h.billing.Execute(ctx, job)
	if err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.RecordBilling(string(outcome))
	}
	return nil
}
