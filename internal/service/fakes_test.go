package service

import (
	"context"
	"sync"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/jackcrane/sw-grader-api/internal/service/analyzer"
	"github.com/jackcrane/sw-grader-api/internal/service/integration"
)

type memSubmissions struct {
	mu   sync.Mutex
	rows map[string]*models.Submission
}

func newMemSubmissions(subs ...models.Submission) *memSubmissions {
	m := &memSubmissions{rows: map[string]*models.Submission{}}
	for i := range subs {
		s := subs[i]
		if s.GradeSyncStatus == "" {
			s.GradeSyncStatus = models.GradeSyncNone
		}
		m.rows[s.ID] = &s
	}
	return m
}

func (m *memSubmissions) get(id string) models.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memSubmissions) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memSubmissions) SaveGrade(ctx context.Context, id string, u models.GradeUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.IsTerminal() {
		return false, nil
	}
	grade := u.Grade
	s.Volume = &u.Volume
	s.SurfaceArea = &u.SurfaceArea
	s.CenterOfMass = u.CenterOfMass
	s.Grade = &grade
	s.Feedback = u.Feedback
	s.MatchingSignatureID = u.MatchingSignatureID
	s.ScreenshotKey = u.ScreenshotKey
	s.GradeSyncStatus = u.GradeSyncStatus
	s.Status = models.SubmissionStatusGraded.String()
	return true, nil
}

func (m *memSubmissions) MarkFailed(ctx context.Context, id, feedback string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.IsTerminal() {
		return false, nil
	}
	s.Status = models.SubmissionStatusFailed.String()
	s.Feedback = &feedback
	return true, nil
}

func (m *memSubmissions) MarkSyncAttempt(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	s.GradeSyncAttempts++
	s.GradeSyncStatus = models.GradeSyncSyncing
	return s.GradeSyncAttempts, nil
}

func (m *memSubmissions) UpdateSyncStatus(ctx context.Context, id string, status models.GradeSyncStatus, syncErr *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.rows[id]
	s.GradeSyncStatus = status
	s.GradeSyncError = syncErr
	return nil
}

func (m *memSubmissions) ListStaleUngraded(ctx context.Context, staleBefore time.Time, limit int) ([]models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Submission
	for _, s := range m.rows {
		if s.IsTerminal() {
			continue
		}
		if s.LastEnqueuedAt != nil && s.LastEnqueuedAt.After(staleBefore) {
			continue
		}
		out = append(out, *s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memSubmissions) TouchEnqueued(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[id].LastEnqueuedAt = &at
	return nil
}

func (m *memSubmissions) CountUngraded(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.rows {
		if !s.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *memSubmissions) CountUngradedBefore(ctx context.Context, createdAt time.Time, excludeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.rows {
		if s.ID != excludeID && !s.IsTerminal() && s.CreatedAt.Before(createdAt) {
			n++
		}
	}
	return n, nil
}

func (m *memSubmissions) Ping(ctx context.Context) error { return nil }

type memAssignments struct {
	assignments map[string]*models.Assignment
	signatures  map[string][]models.AssignmentSignature
}

func newMemAssignments(a models.Assignment, sigs ...models.AssignmentSignature) *memAssignments {
	return &memAssignments{
		assignments: map[string]*models.Assignment{a.ID: &a},
		signatures:  map[string][]models.AssignmentSignature{a.ID: sigs},
	}
}

func (m *memAssignments) GetByID(ctx context.Context, id string) (*models.Assignment, error) {
	a, ok := m.assignments[id]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAssignments) GetSignatures(ctx context.Context, assignmentID string) ([]models.AssignmentSignature, error) {
	return m.signatures[assignmentID], nil
}

func (m *memAssignments) CreateSignature(ctx context.Context, sig *models.AssignmentSignature) error {
	sig.SortOrder = len(m.signatures[sig.AssignmentID])
	m.signatures[sig.AssignmentID] = append(m.signatures[sig.AssignmentID], *sig)
	return nil
}

type memStorage struct {
	files    map[string][]byte
	uploaded map[string][]byte
	err      error
}

func (s *memStorage) Download(ctx context.Context, key string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	data, ok := s.files[key]
	if !ok {
		return nil, repository.ErrFileNotFound
	}
	return data, nil
}

func (s *memStorage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	if s.uploaded == nil {
		s.uploaded = map[string][]byte{}
	}
	s.uploaded[key] = data
	return nil
}

type fakeGateway struct {
	m     *models.Measurement
	err   error
	calls int
}

func (g *fakeGateway) Analyze(ctx context.Context, req analyzer.AnalyzeRequest) (*models.Measurement, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	m := *g.m
	return &m, nil
}

type fakeGate struct{ offline bool }

func (g *fakeGate) IsOffline() bool { return g.offline }

type enqueuedSync struct {
	job   models.GradeSyncJob
	delay time.Duration
}

type enqueuedBilling struct {
	job   models.BillingJob
	delay time.Duration
}

type recordingJobs struct {
	mu      sync.Mutex
	grading []models.GradingJob
	syncs   []enqueuedSync
	billing []enqueuedBilling
	err     error
}

func (r *recordingJobs) EnqueueGrading(ctx context.Context, job models.GradingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.grading = append(r.grading, job)
	return nil
}

func (r *recordingJobs) EnqueueSync(ctx context.Context, job models.GradeSyncJob, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.syncs = append(r.syncs, enqueuedSync{job: job, delay: delay})
	return nil
}

func (r *recordingJobs) EnqueueBilling(ctx context.Context, job models.BillingJob, delay time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.billing = append(r.billing, enqueuedBilling{job: job, delay: delay})
	return nil
}

type memCredentials map[string]*models.LTIIntegration

func (c memCredentials) GetByCourseID(ctx context.Context, courseID string) (*models.LTIIntegration, error) {
	return c[courseID], nil
}

type memEnrollments struct {
	mu   sync.Mutex
	rows map[string]*models.Enrollment
}

func newMemEnrollments(rows ...models.Enrollment) *memEnrollments {
	m := &memEnrollments{rows: map[string]*models.Enrollment{}}
	for i := range rows {
		e := rows[i]
		m.rows[e.ID] = &e
	}
	return m
}

func (m *memEnrollments) get(id string) models.Enrollment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memEnrollments) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (m *memEnrollments) MarkPastDue(ctx context.Context, id string, since time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.rows[id]
	e.BillingStatus = models.BillingStatusPastDue.String()
	e.PastDueSince = &since
	return nil
}

func (m *memEnrollments) MarkResolved(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.rows[id]
	if e.BillingStatus != models.BillingStatusPastDue.String() {
		return false, nil
	}
	e.BillingStatus = models.BillingStatusResolved.String()
	e.PastDueSince = nil
	return true, nil
}

func (m *memEnrollments) MarkDropped(ctx context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.rows[id]
	if e.BillingStatus != models.BillingStatusPastDue.String() {
		return false, nil
	}
	e.BillingStatus = models.BillingStatusDropped.String()
	e.DroppedAt = &at
	return true, nil
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []integration.EmailMessage
	err  error
}

func (m *recordingMailer) Send(ctx context.Context, msg integration.EmailMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func ptr[T any](v T) *T { return &v }
