package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/jackcrane/sw-grader-api/internal/service/analyzer"
	"github.com/jackcrane/sw-grader-api/internal/service/evaluator"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

type GradingOutcome string

const (
	OutcomeGraded        GradingOutcome = "graded"
	OutcomeAlreadyGraded GradingOutcome = "already_graded"
	OutcomeFailedFatal   GradingOutcome = "failed_fatal"
	OutcomeNotFound      GradingOutcome = "not_found"
)

type GradingService interface {
	// GradeSubmission runs one grading job end to end. Transient failures
	// are returned as errors, ErrGraderOffline among them; fatal tool errors
	// are persisted and reported as OutcomeFailedFatal.
	GradeSubmission(ctx context.Context, job models.GradingJob) (GradingOutcome, error)
	// ApplyMeasurement evaluates and persists a measurement taken elsewhere.
	ApplyMeasurement(ctx context.Context, submissionID string, m models.Measurement) (GradingOutcome, error)
	Prescan(ctx context.Context, fileName string, content []byte, unitSystem models.UnitSystem) (*models.Measurement, error)
	Enqueue(ctx context.Context, submissionID string) error
}

// GraderGate reports whether the measurement tool is known to be down.
type GraderGate interface {
	IsOffline() bool
}

type GradingConfig struct {
	ScreenshotPrefix string
}

type gradingService struct {
	submissions repository.SubmissionRepository
	assignments repository.AssignmentRepository
	storage     repository.FileStorage
	gateway     analyzer.Gateway
	gate        GraderGate
	jobs        queue.JobPublisher
	config      GradingConfig
	logger      zerolog.Logger
	now         func() time.Time
}

func NewGradingService(
	submissions repository.SubmissionRepository,
	assignments repository.AssignmentRepository,
	storage repository.FileStorage,
	gateway analyzer.Gateway,
	gate GraderGate,
	jobs queue.JobPublisher,
	config GradingConfig,
	logger zerolog.Logger,
) GradingService {
	if config.ScreenshotPrefix == "" {
		config.ScreenshotPrefix = "screenshots"
	}

	return &gradingService{
		submissions: submissions,
		assignments: assignments,
		storage:     storage,
		gateway:     gateway,
		gate:        gate,
		jobs:        jobs,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *gradingService) GradeSubmission(ctx context.Context, job models.GradingJob) (GradingOutcome, error) {
	log := s.logger.With().Str("submission_id", job.SubmissionID).Logger()

	sub, err := s.submissions.GetByID(ctx, job.SubmissionID)
	if err != nil {
		return "", fmt.Errorf("failed to load submission: %w", err)
	}
	if sub == nil {
		log.Warn().Msg("Submission no longer exists, dropping job")
		return OutcomeNotFound, nil
	}
	if sub.IsTerminal() {
		log.Info().Str("status", sub.Status).Msg("Submission already handled, skipping")
		return OutcomeAlreadyGraded, s.resumeSync(ctx, sub)
	}
	// Every delivery, requeues included, marks the job as in flight so the
	// sweeper leaves it alone.
	if err := s.submissions.TouchEnqueued(ctx, sub.ID, s.now()); err != nil {
		log.Warn().Err(err).Msg("Failed to stamp delivery time")
	}
	// UNKNOWN counts as online: the analysis call is itself a probe.
	if s.gate != nil && s.gate.IsOffline() {
		return "", ErrGraderOffline
	}

	content, err := s.storage.Download(ctx, job.FileKey)
	if err != nil {
		if errors.Is(err, repository.ErrFileNotFound) {
			feedback := "The uploaded file could not be found. Please resubmit."
			if _, markErr := s.submissions.MarkFailed(ctx, sub.ID, feedback); markErr != nil {
				return "", fmt.Errorf("failed to mark submission failed: %w", markErr)
			}
			log.Warn().Str("file_key", job.FileKey).Msg("Submission file missing from storage")
			return OutcomeFailedFatal, nil
		}
		return "", fmt.Errorf("failed to download submission file: %w", err)
	}

	fileName := job.FileName
	if fileName == "" {
		fileName = sub.FileName
	}

	m, err := s.gateway.Analyze(ctx, analyzer.AnalyzeRequest{
		FileName:   fileName,
		Content:    content,
		UnitSystem: job.UnitSystem,
	})
	if err != nil {
		var toolErr *analyzer.ToolError
		if errors.As(err, &toolErr) && toolErr.Fatal() {
			won, markErr := s.submissions.MarkFailed(ctx, sub.ID, toolErr.Message)
			if markErr != nil {
				return "", fmt.Errorf("failed to mark submission failed: %w", markErr)
			}
			log.Warn().
				Str("code", toolErr.Code).
				Str("raw", toolErr.Raw).
				Bool("updated", won).
				Msg("Submission failed with fatal tool error")
			return OutcomeFailedFatal, nil
		}
		return "", err
	}

	return s.apply(ctx, sub, *m)
}

func (s *gradingService) ApplyMeasurement(ctx context.Context, submissionID string, m models.Measurement) (GradingOutcome, error) {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return "", fmt.Errorf("failed to load submission: %w", err)
	}
	if sub == nil {
		return OutcomeNotFound, ErrSubmissionNotFound
	}
	if sub.IsTerminal() {
		return OutcomeAlreadyGraded, nil
	}

	return s.apply(ctx, sub, m)
}

func (s *gradingService) apply(ctx context.Context, sub *models.Submission, m models.Measurement) (GradingOutcome, error) {
	log := s.logger.With().Str("submission_id", sub.ID).Logger()

	assignment, err := s.assignments.GetByID(ctx, sub.AssignmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load assignment: %w", err)
	}
	if assignment == nil {
		return "", fmt.Errorf("%w: %s", ErrAssignmentNotFound, sub.AssignmentID)
	}

	signatures, err := s.assignments.GetSignatures(ctx, assignment.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load signatures: %w", err)
	}

	m, err = toReferenceUnits(m, referenceUnitSystem(assignment, signatures))
	if err != nil {
		return "", err
	}

	result := evaluator.Evaluate(assignment, signatures, m.Volume, m.SurfaceArea, assignment.TolerancePercent)

	syncStatus := models.GradeSyncSkipped
	if sub.HasOutcomeService() {
		syncStatus = models.GradeSyncPending
	}

	var com *models.Vector3
	if m.CenterOfMass != (models.Vector3{}) {
		c := m.CenterOfMass
		com = &c
	}

	update := models.GradeUpdate{
		Volume:              m.Volume,
		SurfaceArea:         m.SurfaceArea,
		CenterOfMass:        com,
		Grade:               result.Grade,
		Feedback:            result.Feedback,
		MatchingSignatureID: result.MatchedSignatureID,
		ScreenshotKey:       s.storeScreenshot(ctx, sub.ID, m.Screenshot),
		GradeSyncStatus:     syncStatus,
	}

	won, err := s.submissions.SaveGrade(ctx, sub.ID, update)
	if err != nil {
		return "", fmt.Errorf("failed to save grade: %w", err)
	}
	if !won {
		log.Info().Msg("Grade was already written by another delivery")
		return OutcomeAlreadyGraded, nil
	}

	log.Info().
		Float64("grade", result.Grade).
		Bool("matched", result.Matched).
		Str("matched_type", string(result.MatchedType)).
		Float64("volume_diff", result.Diffs.Volume).
		Float64("surface_area_diff", result.Diffs.SurfaceArea).
		Str("sync_status", syncStatus.String()).
		Msg("Submission graded")

	if syncStatus == models.GradeSyncPending {
		if err := s.jobs.EnqueueSync(ctx, models.GradeSyncJob{SubmissionID: sub.ID}, 0); err != nil {
			return "", fmt.Errorf("failed to enqueue gradebook sync: %w", err)
		}
	}

	return OutcomeGraded, nil
}

// resumeSync re-enqueues the gradebook sync for a graded submission whose
// sync never got onto the queue. PENDING with attempts recorded means a
// delayed retry is already queued.
func (s *gradingService) resumeSync(ctx context.Context, sub *models.Submission) error {
	if !sub.IsGraded() || sub.GradeSyncStatus != models.GradeSyncPending || sub.GradeSyncAttempts > 0 {
		return nil
	}
	if err := s.jobs.EnqueueSync(ctx, models.GradeSyncJob{SubmissionID: sub.ID}, 0); err != nil {
		return fmt.Errorf("failed to enqueue gradebook sync: %w", err)
	}
	return nil
}

// storeScreenshot uploads the part preview. A failed upload never fails the
// grade.
func (s *gradingService) storeScreenshot(ctx context.Context, submissionID string, png []byte) *string {
	if len(png) == 0 {
		return nil
	}

	key := fmt.Sprintf("%s/%s.png", s.config.ScreenshotPrefix, submissionID)
	if err := s.storage.Upload(ctx, key, png, "image/png"); err != nil {
		s.logger.Warn().Err(err).Str("submission_id", submissionID).Msg("Failed to store screenshot")
		return nil
	}
	return &key
}

func (s *gradingService) Prescan(ctx context.Context, fileName string, content []byte, unitSystem models.UnitSystem) (*models.Measurement, error) {
	if !models.IsValidUnitSystem(unitSystem.String()) {
		return nil, ErrInvalidUnitSystem
	}
	if len(content) == 0 {
		return nil, ErrEmptyFile
	}

	return s.gateway.Analyze(ctx, analyzer.AnalyzeRequest{
		FileName:   fileName,
		Content:    content,
		UnitSystem: unitSystem,
	})
}

// Enqueue publishes a grading job for an existing, unresolved submission.
func (s *gradingService) Enqueue(ctx context.Context, submissionID string) error {
	sub, err := s.submissions.GetByID(ctx, submissionID)
	if err != nil {
		return fmt.Errorf("failed to load submission: %w", err)
	}
	if sub == nil {
		return ErrSubmissionNotFound
	}
	if sub.IsTerminal() {
		return ErrAlreadyTerminal
	}

	assignment, err := s.assignments.GetByID(ctx, sub.AssignmentID)
	if err != nil {
		return fmt.Errorf("failed to load assignment: %w", err)
	}
	if assignment == nil {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, sub.AssignmentID)
	}

	job := models.GradingJob{
		SubmissionID: sub.ID,
		FileKey:      sub.FileKey,
		FileName:     sub.FileName,
		AssignmentID: sub.AssignmentID,
		UnitSystem:   assignment.UnitSystem,
		UserID:       sub.UserID,
	}
	if err := s.jobs.EnqueueGrading(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue grading job: %w", err)
	}

	if err := s.submissions.TouchEnqueued(ctx, sub.ID, s.now()); err != nil {
		s.logger.Warn().Err(err).Str("submission_id", sub.ID).Msg("Failed to stamp enqueue time")
	}
	return nil
}

// referenceUnitSystem is the unit system the signatures were authored in.
func referenceUnitSystem(assignment *models.Assignment, signatures []models.AssignmentSignature) models.UnitSystem {
	for _, sig := range signatures {
		if sig.IsActive() {
			return sig.UnitSystem
		}
	}
	return assignment.UnitSystem
}

func toReferenceUnits(m models.Measurement, target models.UnitSystem) (models.Measurement, error) {
	if m.UnitSystem == target || m.UnitSystem == "" {
		m.UnitSystem = target
		return m, nil
	}

	si, err := analyzer.ToSI(m)
	if err != nil {
		return models.Measurement{}, fmt.Errorf("%w: %v", ErrInvalidUnitSystem, err)
	}
	converted, err := analyzer.FromSI(si, target)
	if err != nil {
		return models.Measurement{}, fmt.Errorf("%w: %v", ErrInvalidUnitSystem, err)
	}
	return converted, nil
}
