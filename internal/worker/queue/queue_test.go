package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	queue string
	body  []byte
	delay time.Duration
}

type recordingPublisher struct {
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(ctx context.Context, queue string, body []byte) error {
	p.sent = append(p.sent, published{queue: queue, body: body})
	return p.err
}

func (p *recordingPublisher) PublishWithDelay(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	p.sent = append(p.sent, published{queue: queue, body: body, delay: delay})
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

var testQueues = Queues{Grading: "grading_jobs", Sync: "gradebook_sync_jobs", Billing: "billing_jobs"}

func TestDelayQueueName(t *testing.T) {
	assert.Equal(t, "gradebook_sync_jobs.delay.30000", DelayQueueName("gradebook_sync_jobs", 30*time.Second))
	assert.Equal(t, "billing_jobs.delay.151200000", DelayQueueName("billing_jobs", 42*time.Hour))
}

func TestDelayQueueArgs(t *testing.T) {
	args := DelayQueueArgs("grader_exchange", "billing_jobs", 48*time.Hour)

	ms := (48 * time.Hour).Milliseconds()
	assert.Equal(t, ms, args["x-message-ttl"])
	assert.Equal(t, "grader_exchange", args["x-dead-letter-exchange"])
	assert.Equal(t, "billing_jobs", args["x-dead-letter-routing-key"])
	assert.Equal(t, ms+time.Hour.Milliseconds(), args["x-expires"])
}

func TestJobPublisherRoutesByShape(t *testing.T) {
	rec := &recordingPublisher{}
	jobs := NewJobPublisher(rec, testQueues)
	ctx := context.Background()

	require.NoError(t, jobs.EnqueueGrading(ctx, models.GradingJob{SubmissionID: "s1"}))
	require.NoError(t, jobs.EnqueueSync(ctx, models.GradeSyncJob{SubmissionID: "s1"}, 0))
	require.NoError(t, jobs.EnqueueBilling(ctx, models.BillingJob{EnrollmentID: "e1"}, 42*time.Hour))

	require.Len(t, rec.sent, 3)
	assert.Equal(t, "grading_jobs", rec.sent[0].queue)
	assert.Equal(t, "gradebook_sync_jobs", rec.sent[1].queue)
	assert.Zero(t, rec.sent[1].delay)
	assert.Equal(t, "billing_jobs", rec.sent[2].queue)
	assert.Equal(t, 42*time.Hour, rec.sent[2].delay)

	var job models.GradingJob
	require.NoError(t, json.Unmarshal(rec.sent[0].body, &job))
	assert.Equal(t, "s1", job.SubmissionID)
	assert.Contains(t, string(rec.sent[0].body), `"submissionId":"s1"`)
}

func TestJobPublisherPropagatesTransportError(t *testing.T) {
	rec := &recordingPublisher{err: errors.New("connection refused")}
	jobs := NewJobPublisher(rec, testQueues)

	err := jobs.EnqueueGrading(context.Background(), models.GradingJob{SubmissionID: "s1"})
	assert.EqualError(t, err, "connection refused")
}

func TestDecode(t *testing.T) {
	t.Run("valid grading job", func(t *testing.T) {
		var job models.GradingJob
		body := []byte(`{"submissionId":"s1","fileKey":"k","assignmentId":"a1","unitSystem":"MMGS","userId":"u1"}`)
		require.NoError(t, Decode(body, &job))
		assert.Equal(t, models.UnitSystemMMGS, job.UnitSystem)
	})

	t.Run("malformed json", func(t *testing.T) {
		var job models.GradingJob
		err := Decode([]byte(`{"submissionId":`), &job)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("missing field", func(t *testing.T) {
		var job models.GradingJob
		err := Decode([]byte(`{"submissionId":"s1","fileKey":"k","unitSystem":"SI","userId":"u1"}`), &job)
		assert.ErrorIs(t, err, ErrInvalidPayload)
		assert.Contains(t, err.Error(), "AssignmentID")
	})

	t.Run("unknown unit system", func(t *testing.T) {
		var job models.GradingJob
		err := Decode([]byte(`{"submissionId":"s1","fileKey":"k","assignmentId":"a1","unitSystem":"FPS","userId":"u1"}`), &job)
		assert.ErrorIs(t, err, ErrInvalidPayload)
	})

	t.Run("billing action", func(t *testing.T) {
		var job models.BillingJob
		body := []byte(`{"action":"REFUND","runAt":"2024-01-01T00:00:00Z","correlationId":"c","enrollmentId":"e"}`)
		assert.ErrorIs(t, Decode(body, &job), ErrInvalidPayload)
	})
}
