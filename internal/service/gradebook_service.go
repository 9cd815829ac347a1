package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/jackcrane/sw-grader-api/internal/service/lti"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

type SyncResult string

const (
	SyncSucceeded SyncResult = "success"
	SyncRetrying  SyncResult = "retrying"
	SyncFailed    SyncResult = "failed"
	SyncSkipped   SyncResult = "skipped"
	SyncNoop      SyncResult = "noop"
)

// SyncError is a failed outcome report. Retryable failures are worth
// another attempt.
type SyncError struct {
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *SyncError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s sync error (HTTP %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s sync error: %v", kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

type GradebookService interface {
	// Sync sends one outcome report attempt. The returned error is only set
	// for failures to read or write local state.
	Sync(ctx context.Context, submissionID string) (SyncResult, error)
}

type GradebookConfig struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	Timeout        time.Duration
}

type gradebookService struct {
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	credentials repository.LTIRepository
	jobs        queue.JobPublisher
	client      *http.Client
	config      GradebookConfig
	logger      zerolog.Logger
	newSigner   func(key, secret string) *lti.Signer
}

func NewGradebookService(
	submissions repository.SubmissionRepository,
	assignments repository.AssignmentRepository,
	credentials repository.LTIRepository,
	jobs queue.JobPublisher,
	config GradebookConfig,
	logger zerolog.Logger,
) GradebookService {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &gradebookService{
		submissions: submissions,
		assignments: assignments,
		credentials: credentials,
		jobs:        jobs,
		client:      &http.Client{Timeout: config.Timeout},
		config:      config,
		logger:      logger,
		newSigner:   lti.NewSigner,
	}
}

// RetryDelay is base * 2^(attempt-1), capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

func (s *gradebookService) Sync(ctx context.Context, submissionID string) (SyncResult, error) {
	log := s.logger.With().Str("submission_id", submissionID).Logger()

	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return "", fmt.Errorf("failed to load submission: %w", err)
	}
	if sub == nil {
		log.Warn().Msg("Submission no longer exists, dropping sync job")
		return SyncNoop, nil
	}
	if !sub.IsGraded() {
		log.Warn().Msg("Submission not graded yet, dropping sync job")
		return SyncNoop, nil
	}
	if sub.GradeSyncStatus.IsFinal() {
		log.Info().Str("sync_status", sub.GradeSyncStatus.String()).Msg("Gradebook sync already settled")
		return SyncNoop, nil
	}

	if !sub.HasOutcomeService() {
		return s.skip(ctx, sub.ID, "submission was not launched from an LMS")
	}

	assignment, err := s.assignments.GetByID(ctx, sub.AssignmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load assignment: %w", err)
	}
	if assignment == nil {
		return s.skip(ctx, sub.ID, "assignment no longer exists")
	}

	creds, err := s.credentials.GetByCourseID(ctx, assignment.CourseID)
	if err != nil {
		return "", fmt.Errorf("failed to load LTI credentials: %w", err)
	}
	if creds == nil || creds.ConsumerKey == "" || creds.ConsumerSecret == "" {
		return s.skip(ctx, sub.ID, "course has no LTI integration")
	}

	attempt, err := s.submissions.MarkSyncAttempt(ctx, sub.ID)
	if err != nil {
		return "", fmt.Errorf("failed to record sync attempt: %w", err)
	}

	sendErr := s.send(ctx, creds, *sub.LISOutcomeServiceURL, *sub.LISResultSourcedID, lti.Score(*sub.Grade, assignment.PointsPossible))
	if sendErr == nil {
		if err := s.submissions.UpdateSyncStatus(ctx, sub.ID, models.GradeSyncSuccess, nil); err != nil {
			return "", fmt.Errorf("failed to record sync success: %w", err)
		}
		log.Info().Int("attempt", attempt).Msg("Grade synced to gradebook")
		return SyncSucceeded, nil
	}

	msg := sendErr.Error()
	var syncErr *SyncError
	retryable := errors.As(sendErr, &syncErr) && syncErr.Retryable

	if retryable && attempt < s.config.MaxAttempts {
		delay := RetryDelay(attempt, s.config.RetryBaseDelay, s.config.RetryMaxDelay)
		if err := s.submissions.UpdateSyncStatus(ctx, sub.ID, models.GradeSyncPending, &msg); err != nil {
			return "", fmt.Errorf("failed to record sync retry: %w", err)
		}
		if err := s.jobs.EnqueueSync(ctx, models.GradeSyncJob{SubmissionID: sub.ID}, delay); err != nil {
			return "", fmt.Errorf("failed to schedule sync retry: %w", err)
		}
		log.Warn().
			Err(sendErr).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("Gradebook sync failed, retrying")
		return SyncRetrying, nil
	}

	if err := s.submissions.UpdateSyncStatus(ctx, sub.ID, models.GradeSyncFailed, &msg); err != nil {
		return "", fmt.Errorf("failed to record sync failure: %w", err)
	}
	log.Error().
		Err(sendErr).
		Int("attempt", attempt).
		Bool("retryable", retryable).
		Msg("Gradebook sync failed permanently")
	return SyncFailed, nil
}

func (s *gradebookService) skip(ctx context.Context, submissionID, reason string) (SyncResult, error) {
	if err := s.submissions.UpdateSyncStatus(ctx, submissionID, models.GradeSyncSkipped, &reason); err != nil {
		return "", fmt.Errorf("failed to record sync skip: %w", err)
	}
	s.logger.Info().Str("submission_id", submissionID).Str("reason", reason).Msg("Gradebook sync skipped")
	return SyncSkipped, nil
}

// send posts one signed replaceResult request and classifies the answer.
func (s *gradebookService) send(ctx context.Context, creds *models.LTIIntegration, outcomeURL, sourcedID string, score float64) error {
	body, err := lti.ReplaceResultRequest(uuid.NewString(), sourcedID, score)
	if err != nil {
		return &SyncError{Err: err}
	}

	auth, err := s.newSigner(creds.ConsumerKey, creds.ConsumerSecret).Sign(http.MethodPost, outcomeURL, body)
	if err != nil {
		return &SyncError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, outcomeURL, bytes.NewReader(body))
	if err != nil {
		return &SyncError{Err: err}
	}
	req.Header.Set("Content-Type", lti.ContentType)
	req.Header.Set("Authorization", auth)

	resp, err := s.client.Do(req)
	if err != nil {
		return &SyncError{Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &SyncError{Retryable: true, StatusCode: resp.StatusCode, Err: err}
	}

	return classifyOutcome(resp.StatusCode, respBody)
}

// classifyOutcome accepts only a 2xx response whose envelope reports
// success. 5xx is retryable; 4xx and malformed bodies are not.
func classifyOutcome(statusCode int, body []byte) error {
	switch {
	case statusCode >= 500:
		return &SyncError{Retryable: true, StatusCode: statusCode, Err: fmt.Errorf("outcome service error: %s", snippet(body))}
	case statusCode >= 400:
		return &SyncError{StatusCode: statusCode, Err: fmt.Errorf("outcome service rejected request: %s", snippet(body))}
	case statusCode < 200 || statusCode > 299:
		return &SyncError{StatusCode: statusCode, Err: fmt.Errorf("unexpected status: %s", snippet(body))}
	}

	status, err := lti.ParseResponse(body)
	if err != nil {
		return &SyncError{StatusCode: statusCode, Err: err}
	}
	if !status.Success() {
		return &SyncError{StatusCode: statusCode, Err: fmt.Errorf("outcome service reported %s: %s", status.CodeMajor, status.Description)}
	}
	return nil
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
