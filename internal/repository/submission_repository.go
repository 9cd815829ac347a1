package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

type SubmissionRepository interface {
	GetByID(ctx context.Context, id string) (*models.Submission, error)
	SaveGrade(ctx context.Context, id string, update models.GradeUpdate) (bool, error)
	MarkFailed(ctx context.Context, id, feedback string) (bool, error)
	MarkSyncAttempt(ctx context.Context, id string) (int, error)
	UpdateSyncStatus(ctx context.Context, id string, status models.GradeSyncStatus, syncErr *string) error
	ListStaleUngraded(ctx context.Context, staleBefore time.Time, limit int) ([]models.Submission, error)
	TouchEnqueued(ctx context.Context, id string, at time.Time) error
	CountUngraded(ctx context.Context) (int, error)
	CountUngradedBefore(ctx context.Context, createdAt time.Time, excludeID string) (int, error)
	Ping(ctx context.Context) error
}

type submissionRepository struct {
	*PostgresRepository
}

func NewSubmissionRepository(db *sql.DB, logger zerolog.Logger) SubmissionRepository {
	return &submissionRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

const submissionColumns = `
	id, assignment_id, user_id, file_key, file_name,
	volume, surface_area, com_x, com_y, com_z,
	grade, feedback, matching_signature_id, screenshot_key, status,
	grade_sync_status, grade_sync_attempts, grade_sync_error,
	lis_result_sourcedid, lis_outcome_service_url, last_enqueued_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (*models.Submission, error) {
	s := &models.Submission{}
	var (
		volume, surfaceArea, comX, comY, comZ, grade sql.NullFloat64
		feedback, matchingID, screenshotKey          sql.NullString
		syncErr, sourcedID, outcomeURL               sql.NullString
		lastEnqueued                                 sql.NullTime
		syncStatus                                   string
	)

	err := row.Scan(
		&s.ID,
		&s.AssignmentID,
		&s.UserID,
		&s.FileKey,
		&s.FileName,
		&volume,
		&surfaceArea,
		&comX,
		&comY,
		&comZ,
		&grade,
		&feedback,
		&matchingID,
		&screenshotKey,
		&s.Status,
		&syncStatus,
		&s.GradeSyncAttempts,
		&syncErr,
		&sourcedID,
		&outcomeURL,
		&lastEnqueued,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Volume = floatPtr(volume)
	s.SurfaceArea = floatPtr(surfaceArea)
	if comX.Valid && comY.Valid && comZ.Valid {
		s.CenterOfMass = &models.Vector3{X: comX.Float64, Y: comY.Float64, Z: comZ.Float64}
	}
	s.Grade = floatPtr(grade)
	s.Feedback = stringPtr(feedback)
	s.MatchingSignatureID = stringPtr(matchingID)
	s.ScreenshotKey = stringPtr(screenshotKey)
	s.GradeSyncStatus = models.GradeSyncStatus(syncStatus)
	s.GradeSyncError = stringPtr(syncErr)
	s.LISResultSourcedID = stringPtr(sourcedID)
	s.LISOutcomeServiceURL = stringPtr(outcomeURL)
	s.LastEnqueuedAt = timePtr(lastEnqueued)

	return s, nil
}

func (r *submissionRepository) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id = $1`

	s, err := scanSubmission(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return s, nil
}

// SaveGrade writes the grade only if none was written before. It reports
// whether this call won.
func (r *submissionRepository) SaveGrade(ctx context.Context, id string, update models.GradeUpdate) (bool, error) {
	query := `
		UPDATE submissions
		SET volume = $2,
			surface_area = $3,
			com_x = $4,
			com_y = $5,
			com_z = $6,
			grade = $7,
			feedback = $8,
			matching_signature_id = $9,
			screenshot_key = COALESCE($10, screenshot_key),
			status = 'graded',
			grade_sync_status = $11,
			updated_at = NOW()
		WHERE id = $1 AND grade IS NULL
	`

	var comX, comY, comZ sql.NullFloat64
	if update.CenterOfMass != nil {
		comX = sql.NullFloat64{Float64: update.CenterOfMass.X, Valid: true}
		comY = sql.NullFloat64{Float64: update.CenterOfMass.Y, Valid: true}
		comZ = sql.NullFloat64{Float64: update.CenterOfMass.Z, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query,
		id,
		update.Volume,
		update.SurfaceArea,
		comX,
		comY,
		comZ,
		update.Grade,
		update.Feedback,
		update.MatchingSignatureID,
		update.ScreenshotKey,
		update.GradeSyncStatus.String(),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

func (r *submissionRepository) MarkFailed(ctx context.Context, id, feedback string) (bool, error) {
	query := `
		UPDATE submissions
		SET status = 'failed', feedback = $2, updated_at = NOW()
		WHERE id = $1 AND grade IS NULL AND status = 'received'
	`

	res, err := r.db.ExecContext(ctx, query, id, feedback)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return n == 1, nil
}

// MarkSyncAttempt flips the submission to SYNCING and returns the new
// attempt count.
func (r *submissionRepository) MarkSyncAttempt(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE submissions
		SET grade_sync_status = 'SYNCING',
			grade_sync_attempts = grade_sync_attempts + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING grade_sync_attempts
	`

	var attempts int
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&attempts); err != nil {
		return 0, err
	}

	return attempts, nil
}

func (r *submissionRepository) UpdateSyncStatus(ctx context.Context, id string, status models.GradeSyncStatus, syncErr *string) error {
	query := `
		UPDATE submissions
		SET grade_sync_status = $2, grade_sync_error = $3, updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, id, status.String(), syncErr)
	return err
}

func (r *submissionRepository) ListStaleUngraded(ctx context.Context, staleBefore time.Time, limit int) ([]models.Submission, error) {
	query := `SELECT ` + submissionColumns + `
		FROM submissions
		WHERE grade IS NULL
			AND status = 'received'
			AND COALESCE(last_enqueued_at, created_at) < $1
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, staleBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var submissions []models.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, *s)
	}

	return submissions, rows.Err()
}

func (r *submissionRepository) TouchEnqueued(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE submissions SET last_enqueued_at = $2 WHERE id = $1`, id, at)
	return err
}

func (r *submissionRepository) CountUngraded(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE grade IS NULL AND status = 'received'`,
	).Scan(&count)
	return count, err
}

func (r *submissionRepository) CountUngradedBefore(ctx context.Context, createdAt time.Time, excludeID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM submissions
		WHERE grade IS NULL
			AND status = 'received'
			AND created_at < $1
			AND id != $2
	`

	var count int
	err := r.db.QueryRowContext(ctx, query, createdAt, excludeID).Scan(&count)
	return count, err
}
