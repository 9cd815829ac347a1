package worker

import (
	"context"
	"errors"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/metrics"
	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/service"
	"github.com/jackcrane/sw-grader-api/internal/worker/pool"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

// NewSubmissionWorker consumes grading jobs. Fatal tool errors and stale
// jobs are acked; an offline tool or a transient failure holds the job for
// requeueDelay and puts it back.
func NewSubmissionWorker(
	workerPool *pool.WorkerPool,
	queueConsumer queue.RabbitMQConsumer,
	grading service.GradingService,
	requeueDelay time.Duration,
	collector *metrics.Collector,
	logger zerolog.Logger,
) *Consumer {
	h := &submissionHandler{grading: grading, requeueDelay: requeueDelay, logger: logger}
	return NewConsumer("submission", workerPool, queueConsumer, h.handle, requeueDelay, collector, logger)
}

type submissionHandler struct {
	grading      service.GradingService
	requeueDelay time.Duration
	logger       zerolog.Logger
}

func (h *submissionHandler) handle(ctx context.Context, msg queue.RabbitMQMessage) error {
	var job models.GradingJob
	if err := queue.Decode(msg.Body, &job); err != nil {
		return permanent(err)
	}

	log := h.logger.With().
		Str("submission_id", job.SubmissionID).
		Str("assignment_id", job.AssignmentID).
		Logger()
	log.Info().Bool("redelivered", msg.Redelivered).Msg("Processing grading job")

	outcome, err := h.grading.GradeSubmission(ctx, job)
	if err != nil {
		if errors.Is(err, service.ErrGraderOffline) {
			log.Info().Msg("Measurement tool offline, deferring grading job")
		}
		return retryAfter(err, h.requeueDelay)
	}

	log.Info().Str("outcome", string(outcome)).Msg("Grading job settled")
	return nil
}
