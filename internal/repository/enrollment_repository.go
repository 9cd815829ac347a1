package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

type EnrollmentRepository interface {
	GetByID(ctx context.Context, id string) (*models.Enrollment, error)
	MarkPastDue(ctx context.Context, id string, since time.Time) error
	MarkResolved(ctx context.Context, id string) (bool, error)
	MarkDropped(ctx context.Context, id string, at time.Time) (bool, error)
}

type enrollmentRepository struct {
	*PostgresRepository
}

func NewEnrollmentRepository(db *sql.DB, logger zerolog.Logger) EnrollmentRepository {
	return &enrollmentRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *enrollmentRepository) GetByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `
		SELECT id, course_id, student_id, teacher_id, payer_email, billing_status,
			past_due_since, dropped_at, created_at, updated_at
		FROM enrollments
		WHERE id = $1
	`

	e := &models.Enrollment{}
	var pastDueSince, droppedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&e.ID,
		&e.CourseID,
		&e.StudentID,
		&e.TeacherID,
		&e.PayerEmail,
		&e.BillingStatus,
		&pastDueSince,
		&droppedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.PastDueSince = timePtr(pastDueSince)
	e.DroppedAt = timePtr(droppedAt)
	return e, nil
}

func (r *enrollmentRepository) MarkPastDue(ctx context.Context, id string, since time.Time) error {
	query := `
		UPDATE enrollments
		SET billing_status = 'past_due', past_due_since = $2, updated_at = NOW()
		WHERE id = $1 AND billing_status != 'dropped'
	`

	_, err := r.db.ExecContext(ctx, query, id, since)
	return err
}

func (r *enrollmentRepository) MarkResolved(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE enrollments
		SET billing_status = 'resolved', past_due_since = NULL, updated_at = NOW()
		WHERE id = $1 AND billing_status = 'past_due'
	`

	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkDropped only succeeds while the enrollment is still past due.
func (r *enrollmentRepository) MarkDropped(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `
		UPDATE enrollments
		SET billing_status = 'dropped', dropped_at = $2, updated_at = NOW()
		WHERE id = $1 AND billing_status = 'past_due'
	`

	res, err := r.db.ExecContext(ctx, query, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
