package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/metrics"
	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/service"
	"github.com/jackcrane/sw-grader-api/internal/service/analyzer"
	"github.com/jackcrane/sw-grader-api/internal/worker/pool"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settlement struct {
	id      string
	acked   bool
	requeue bool
}

type fakeConsumer struct {
	name  string
	msgs  chan queue.RabbitMQMessage
	depth int

	mu      sync.Mutex
	settled []settlement
	done    chan struct{}
}

func newFakeConsumer(name string) *fakeConsumer {
	return &fakeConsumer{name: name, msgs: make(chan queue.RabbitMQMessage, 16), done: make(chan struct{}, 16)}
}

func (c *fakeConsumer) deliver(id string, body interface{}) {
	raw, ok := body.([]byte)
	if !ok {
		raw, _ = json.Marshal(body)
	}
	c.msgs <- queue.RabbitMQMessage{
		MessageID: id,
		Body:      raw,
		Timestamp: time.Now(),
		Ack: func(bool) error {
			c.record(settlement{id: id, acked: true})
			return nil
		},
		Nack: func(_ bool, requeue bool) error {
			c.record(settlement{id: id, requeue: requeue})
			return nil
		},
	}
}

func (c *fakeConsumer) record(s settlement) {
	c.mu.Lock()
	c.settled = append(c.settled, s)
	c.mu.Unlock()
	c.done <- struct{}{}
}

func (c *fakeConsumer) waitSettled(t *testing.T, n int) []settlement {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for settlement %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]settlement(nil), c.settled...)
}

func (c *fakeConsumer) Queue() string { return c.name }
func (c *fakeConsumer) Consume(ctx context.Context) (<-chan queue.RabbitMQMessage, error) {
	return c.msgs, nil
}
func (c *fakeConsumer) GetQueueLength(ctx context.Context) (int, error) { return c.depth, nil }
func (c *fakeConsumer) Processing() int                               { return 1 }
func (c *fakeConsumer) Close() error                                  { return nil }

type fakeGrading struct {
	mu   sync.Mutex
	jobs []models.GradingJob
	err  error

	enqueued   []string
	enqueueErr map[string]error
}

func (g *fakeGrading) GradeSubmission(ctx context.Context, job models.GradingJob) (service.GradingOutcome, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.jobs = append(g.jobs, job)
	if g.err != nil {
		return "", g.err
	}
	return service.OutcomeGraded, nil
}

func (g *fakeGrading) ApplyMeasurement(ctx context.Context, submissionID string, m models.Measurement) (service.GradingOutcome, error) {
	return service.OutcomeGraded, nil
}

func (g *fakeGrading) Prescan(ctx context.Context, fileName string, content []byte, unitSystem models.UnitSystem) (*models.Measurement, error) {
	return nil, nil
}

func (g *fakeGrading) Enqueue(ctx context.Context, submissionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.enqueueErr[submissionID]; err != nil {
		return err
	}
	g.enqueued = append(g.enqueued, submissionID)
	return nil
}

func validJob(id string) models.GradingJob {
	return models.GradingJob{
		SubmissionID: id,
		FileKey:      "uploads/" + id,
		AssignmentID: "a1",
		UnitSystem:   models.UnitSystemMMGS,
		UserID:       "u1",
	}
}

func startSubmissionWorker(t *testing.T, grading service.GradingService, requeueDelay time.Duration) *fakeConsumer {
	t.Helper()
	consumer := newFakeConsumer("grading_jobs")
	w := NewSubmissionWorker(pool.NewWorkerPool(1, zerolog.Nop()), consumer, grading, requeueDelay, metrics.NewCollector(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	t.Cleanup(func() {
		cancel()
		_ = w.Stop()
	})
	return consumer
}

func TestSubmissionWorkerAcksGradedJob(t *testing.T) {
	grading := &fakeGrading{}
	consumer := startSubmissionWorker(t, grading, time.Millisecond)

	consumer.deliver("m1", validJob("s1"))

	settled := consumer.waitSettled(t, 1)
	assert.Equal(t, settlement{id: "m1", acked: true}, settled[0])
	require.Len(t, grading.jobs, 1)
	assert.Equal(t, "s1", grading.jobs[0].SubmissionID)
}

func TestSubmissionWorkerDropsMalformedPayload(t *testing.T) {
	grading := &fakeGrading{}
	consumer := startSubmissionWorker(t, grading, time.Millisecond)

	consumer.deliver("m1", []byte("{not json"))
	consumer.deliver("m2", models.GradingJob{SubmissionID: "s1"})

	settled := consumer.waitSettled(t, 2)
	for _, s := range settled {
		assert.True(t, s.acked, s.id)
	}
	assert.Empty(t, grading.jobs)
}

func TestSubmissionWorkerRequeuesWhileOffline(t *testing.T) {
	grading := &fakeGrading{err: service.ErrGraderOffline}
	consumer := startSubmissionWorker(t, grading, 50*time.Millisecond)

	start := time.Now()
	consumer.deliver("m1", validJob("s1"))

	settled := consumer.waitSettled(t, 1)
	assert.Equal(t, settlement{id: "m1", requeue: true}, settled[0])
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSubmissionWorkerRequeuesTransientToolError(t *testing.T) {
	grading := &fakeGrading{err: &analyzer.ToolError{Kind: analyzer.KindTransient, Code: analyzer.CodeTimeout}}
	consumer := startSubmissionWorker(t, grading, time.Millisecond)

	consumer.deliver("m1", validJob("s1"))

	settled := consumer.waitSettled(t, 1)
	assert.True(t, settled[0].requeue)
	assert.False(t, settled[0].acked)
}

type fakeGradebook struct {
	results []service.SyncResult
	err     error
	calls   int
}

func (g *fakeGradebook) Sync(ctx context.Context, submissionID string) (service.SyncResult, error) {
	g.calls++
	if g.err != nil {
		return "", g.err
	}
	return g.results[g.calls-1], nil
}

func TestGradebookWorkerSettlement(t *testing.T) {
	gradebook := &fakeGradebook{results: []service.SyncResult{service.SyncRetrying, service.SyncFailed}}
	consumer := newFakeConsumer("gradebook_sync_jobs")
	w := NewGradebookWorker(pool.NewWorkerPool(1, zerolog.Nop()), consumer, gradebook, time.Millisecond, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = w.Stop()
	}()
	require.NoError(t, w.Start(ctx))

	consumer.deliver("m1", models.GradeSyncJob{SubmissionID: "s1"})
	consumer.deliver("m2", models.GradeSyncJob{SubmissionID: "s1"})
	consumer.deliver("m3", models.GradeSyncJob{})

	settled := consumer.waitSettled(t, 3)
	for _, s := range settled {
		assert.True(t, s.acked, s.id)
	}
	assert.Equal(t, 2, gradebook.calls)

	stats := w.GetStats(ctx)
	assert.Equal(t, 2, stats.TotalProcessed)
	assert.Equal(t, 1, stats.DroppedJobs)
}

type fakeBilling struct {
	err error
}

func (b *fakeBilling) HandlePaymentFailed(ctx context.Context, event models.PaymentFailedEvent) (string, error) {
	return "", nil
}

func (b *fakeBilling) ResolveEnrollment(ctx context.Context, enrollmentID string) error { return nil }

func (b *fakeBilling) Execute(ctx context.Context, job models.BillingJob) (service.BillingOutcome, error) {
	if b.err != nil {
		return "", b.err
	}
	return service.BillingWarned, nil
}

func TestBillingWorkerRequeuesOnStoreFailure(t *testing.T) {
	consumer := newFakeConsumer("billing_jobs")
	w := NewBillingWorker(pool.NewWorkerPool(1, zerolog.Nop()), consumer, &fakeBilling{err: errors.New("db down")}, time.Millisecond, metrics.NewCollector(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		_ = w.Stop()
	}()
	require.NoError(t, w.Start(ctx))

	consumer.deliver("m1", models.BillingJob{
		Action:        models.BillingActionWarning,
		RunAt:         time.Now(),
		CorrelationID: "c1",
		EnrollmentID:  "e1",
	})

	settled := consumer.waitSettled(t, 1)
	assert.True(t, settled[0].requeue)
}
