package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/jackcrane/sw-grader-api/internal/service/integration"
	"github.com/jackcrane/sw-grader-api/internal/worker/queue"
	"github.com/rs/zerolog"
)

type BillingOutcome string

const (
	BillingWarned      BillingOutcome = "warned"
	BillingDropped     BillingOutcome = "dropped"
	BillingRescheduled BillingOutcome = "rescheduled"
	BillingStale       BillingOutcome = "stale"
)

type BillingService interface {
	// HandlePaymentFailed marks the enrollment past due and schedules the
	// warning and drop follow-ups. It returns the correlation id they share.
	HandlePaymentFailed(ctx context.Context, event models.PaymentFailedEvent) (string, error)
	ResolveEnrollment(ctx context.Context, enrollmentID string) error
	Execute(ctx context.Context, job models.BillingJob) (BillingOutcome, error)
}

type BillingConfig struct {
	WarningDelay time.Duration
	DropDelay    time.Duration
}

type billingService struct {
	enrollments repository.EnrollmentRepository
	jobs        queue.JobPublisher
	mailer      integration.Mailer
	config      BillingConfig
	logger      zerolog.Logger
	now         func() time.Time
}

func NewBillingService(
	enrollments repository.EnrollmentRepository,
	jobs queue.JobPublisher,
	mailer integration.Mailer,
	config BillingConfig,
	logger zerolog.Logger,
) BillingService {
	if config.WarningDelay <= 0 {
		config.WarningDelay = 42 * time.Hour
	}
	if config.DropDelay <= 0 {
		config.DropDelay = 48 * time.Hour
	}

	return &billingService{
		enrollments: enrollments,
		jobs:        jobs,
		mailer:      mailer,
		config:      config,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *billingService) HandlePaymentFailed(ctx context.Context, event models.PaymentFailedEvent) (string, error) {
	enrollment, err := s.enrollments.GetByID(ctx, event.EnrollmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment == nil {
		return "", ErrEnrollmentNotFound
	}

	// Postgres keeps microseconds; match it so the staleness check compares
	// like with like.
	now := s.now().UTC().Truncate(time.Microsecond)
	if err := s.enrollments.MarkPastDue(ctx, enrollment.ID, now); err != nil {
		return "", fmt.Errorf("failed to mark enrollment past due: %w", err)
	}

	correlationID := uuid.NewString()
	base := models.BillingJob{
		TriggeredAt:   now,
		CorrelationID: correlationID,
		EnrollmentID:  enrollment.ID,
		TeacherID:     firstNonEmpty(event.TeacherID, enrollment.TeacherID),
		StudentID:     firstNonEmpty(event.StudentID, enrollment.StudentID),
		CourseID:      firstNonEmpty(event.CourseID, enrollment.CourseID),
	}

	warning := base
	warning.Action = models.BillingActionWarning
	warning.RunAt = now.Add(s.config.WarningDelay)
	if err := s.jobs.EnqueueBilling(ctx, warning, s.config.WarningDelay); err != nil {
		return "", fmt.Errorf("failed to schedule billing warning: %w", err)
	}

	drop := base
	drop.Action = models.BillingActionDrop
	drop.RunAt = now.Add(s.config.DropDelay)
	if err := s.jobs.EnqueueBilling(ctx, drop, s.config.DropDelay); err != nil {
		return "", fmt.Errorf("failed to schedule billing drop: %w", err)
	}

	s.logger.Info().
		Str("enrollment_id", enrollment.ID).
		Str("correlation_id", correlationID).
		Time("warning_at", warning.RunAt).
		Time("drop_at", drop.RunAt).
		Msg("Billing follow-ups scheduled")

	return correlationID, nil
}

func (s *billingService) ResolveEnrollment(ctx context.Context, enrollmentID string) error {
	enrollment, err := s.enrollments.GetByID(ctx, enrollmentID)
	if err != nil {
		return fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment == nil {
		return ErrEnrollmentNotFound
	}

	resolved, err := s.enrollments.MarkResolved(ctx, enrollmentID)
	if err != nil {
		return fmt.Errorf("failed to resolve enrollment: %w", err)
	}

	s.logger.Info().
		Str("enrollment_id", enrollmentID).
		Bool("changed", resolved).
		Msg("Enrollment billing resolved")
	return nil
}

// Execute runs a follow-up unless the enrollment has moved on since it was
// scheduled.
func (s *billingService) Execute(ctx context.Context, job models.BillingJob) (BillingOutcome, error) {
	log := s.logger.With().
		Str("enrollment_id", job.EnrollmentID).
		Str("correlation_id", job.CorrelationID).
		Str("action", job.Action.String()).
		Logger()

	now := s.now()
	if remaining := job.RunAt.Sub(now); remaining > time.Second {
		if err := s.jobs.EnqueueBilling(ctx, job, remaining); err != nil {
			return "", fmt.Errorf("failed to reschedule early billing job: %w", err)
		}
		log.Info().Dur("remaining", remaining).Msg("Billing job delivered early, rescheduled")
		return BillingRescheduled, nil
	}

	enrollment, err := s.enrollments.GetByID(ctx, job.EnrollmentID)
	if err != nil {
		return "", fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment == nil {
		log.Info().Msg("Enrollment removed, skipping billing job")
		return BillingStale, nil
	}
	if enrollment.BillingStatus != models.BillingStatusPastDue.String() {
		log.Info().Str("billing_status", enrollment.BillingStatus).Msg("Enrollment no longer past due, skipping billing job")
		return BillingStale, nil
	}
	if !job.TriggeredAt.IsZero() && enrollment.PastDueSince != nil && enrollment.PastDueSince.After(job.TriggeredAt) {
		log.Info().Time("past_due_since", *enrollment.PastDueSince).Msg("Billing job superseded by a later failure")
		return BillingStale, nil
	}

	switch job.Action {
	case models.BillingActionWarning:
		err := s.mailer.Send(ctx, integration.EmailMessage{
			ToAddress: enrollment.PayerEmail,
			Subject:   "Payment failed: action required",
			Text: fmt.Sprintf(
				"We could not process the payment for your enrollment. Update your payment method within %s to keep access.",
				humanDuration(s.config.DropDelay-s.config.WarningDelay),
			),
		})
		if err != nil {
			return "", fmt.Errorf("failed to send billing warning: %w", err)
		}
		log.Info().Msg("Billing warning sent")
		return BillingWarned, nil

	case models.BillingActionDrop:
		dropped, err := s.enrollments.MarkDropped(ctx, enrollment.ID, now)
		if err != nil {
			return "", fmt.Errorf("failed to drop enrollment: %w", err)
		}
		if !dropped {
			log.Info().Msg("Enrollment changed before drop, skipping")
			return BillingStale, nil
		}

		err = s.mailer.Send(ctx, integration.EmailMessage{
			ToAddress: enrollment.PayerEmail,
			Subject:   "Enrollment removed",
			Text:      "Your enrollment was removed because the payment could not be processed. Re-enroll at any time once your payment method is updated.",
		})
		if err != nil {
			// Not retried: a redelivery would find the enrollment dropped.
			log.Error().Err(err).Msg("Failed to send drop notice")
		}
		log.Info().Msg("Enrollment dropped for non-payment")
		return BillingDropped, nil

	default:
		return "", fmt.Errorf("unknown billing action %q", job.Action)
	}
}

func humanDuration(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
