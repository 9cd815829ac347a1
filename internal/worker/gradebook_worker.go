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

// NewGradebookWorker consumes outcome report jobs. Retries of the report
// itself are scheduled by the service as new delayed messages, so the
// delivery is acked whatever the LMS answered.
func NewGradebookWorker(
	workerPool *pool.WorkerPool,
	queueConsumer queue.RabbitMQConsumer,
	gradebook service.GradebookService,
	retryDelay time.Duration,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Consumer {
	h := &gradebookHandler{gradebook: gradebook, metrics: collector, logger: logger}
	return NewConsumer("gradebook", workerPool, queueConsumer, h.handle, retryDelay, collector, logger)
}

type gradebookHandler struct {
	gradebook service.GradebookService
	metrics   *metrics.Collector
	logger    zerolog.Logger
}

func (h *gradebookHandler) handle(ctx context.Context, msg queue.RabbitMQMessage) error {
	var job models.GradeSyncJob
	if err := queue.Decode(msg.Body, &job); err != nil {
		return permanent(err)
	}

	result, err := h.gradebook.Sync(ctx, job.SubmissionID)
	if err != nil {
		return err
	}

	if h.metrics != nil {
		h.metrics.RecordSync(string(result))
	}
	h.logger.Debug().
		Str("submission_id", job.SubmissionID).
		Str("result", string(result)).
		Msg("Gradebook sync job settled")
	return nil
}
