package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

type AssignmentRepository interface {
	GetByID(ctx context.Context, id string) (*models.Assignment, error)
	GetSignatures(ctx context.Context, assignmentID string) ([]models.AssignmentSignature, error)
	CreateSignature(ctx context.Context, sig *models.AssignmentSignature) error
}

type assignmentRepository struct {
	*PostgresRepository
}

func NewAssignmentRepository(db *sql.DB, logger zerolog.Logger) AssignmentRepository {
	return &assignmentRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *assignmentRepository) GetByID(ctx context.Context, id string) (*models.Assignment, error) {
	query := `
		SELECT id, course_id, name, unit_system, tolerance_percent, points_possible,
			volume, surface_area, created_at, updated_at
		FROM assignments
		WHERE id = $1
	`

	a := &models.Assignment{}
	var unitSystem string
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID,
		&a.CourseID,
		&a.Name,
		&unitSystem,
		&a.TolerancePercent,
		&a.PointsPossible,
		&a.Volume,
		&a.SurfaceArea,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.UnitSystem = models.UnitSystem(unitSystem)
	return a, nil
}

// GetSignatures returns the active signatures in stored order.
func (r *assignmentRepository) GetSignatures(ctx context.Context, assignmentID string) ([]models.AssignmentSignature, error) {
	query := `
		SELECT id, assignment_id, type, unit_system, volume, surface_area,
			com_x, com_y, com_z, points_awarded, feedback, sort_order, deleted_at, created_at
		FROM assignment_signatures
		WHERE assignment_id = $1 AND deleted_at IS NULL
		ORDER BY sort_order ASC, created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signatures []models.AssignmentSignature
	for rows.Next() {
		var (
			sig                 models.AssignmentSignature
			sigType, unitSystem string
			comX, comY, comZ    sql.NullFloat64
			pointsAwarded       sql.NullFloat64
			feedback            sql.NullString
			deletedAt           sql.NullTime
		)

		err := rows.Scan(
			&sig.ID,
			&sig.AssignmentID,
			&sigType,
			&unitSystem,
			&sig.Volume,
			&sig.SurfaceArea,
			&comX,
			&comY,
			&comZ,
			&pointsAwarded,
			&feedback,
			&sig.SortOrder,
			&deletedAt,
			&sig.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		sig.Type = models.SignatureType(sigType)
		sig.UnitSystem = models.UnitSystem(unitSystem)
		if comX.Valid && comY.Valid && comZ.Valid {
			sig.CenterOfMass = &models.Vector3{X: comX.Float64, Y: comY.Float64, Z: comZ.Float64}
		}
		sig.PointsAwarded = floatPtr(pointsAwarded)
		sig.Feedback = stringPtr(feedback)
		sig.DeletedAt = timePtr(deletedAt)

		signatures = append(signatures, sig)
	}

	return signatures, rows.Err()
}

// CreateSignature appends the signature after the existing ones. The first
// CORRECT signature is mirrored onto the assignment's primary volume and
// surface area.
func (r *assignmentRepository) CreateSignature(ctx context.Context, sig *models.AssignmentSignature) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var nextOrder int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sort_order) + 1, 0)
		FROM assignment_signatures
		WHERE assignment_id = $1
	`, sig.AssignmentID).Scan(&nextOrder)
	if err != nil {
		return fmt.Errorf("failed to compute sort order: %w", err)
	}
	sig.SortOrder = nextOrder

	var comX, comY, comZ sql.NullFloat64
	if sig.CenterOfMass != nil {
		comX = sql.NullFloat64{Float64: sig.CenterOfMass.X, Valid: true}
		comY = sql.NullFloat64{Float64: sig.CenterOfMass.Y, Valid: true}
		comZ = sql.NullFloat64{Float64: sig.CenterOfMass.Z, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assignment_signatures (
			id, assignment_id, type, unit_system, volume, surface_area,
			com_x, com_y, com_z, points_awarded, feedback, sort_order, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		sig.ID,
		sig.AssignmentID,
		sig.Type.String(),
		sig.UnitSystem.String(),
		sig.Volume,
		sig.SurfaceArea,
		comX,
		comY,
		comZ,
		nullFloat(sig.PointsAwarded),
		sig.Feedback,
		sig.SortOrder,
		sig.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert signature: %w", err)
	}

	if sig.Type == models.SignatureCorrect {
		_, err = tx.ExecContext(ctx, `
			UPDATE assignments a
			SET volume = s.volume, surface_area = s.surface_area, updated_at = NOW()
			FROM (
				SELECT volume, surface_area
				FROM assignment_signatures
				WHERE assignment_id = $1 AND type = 'CORRECT' AND deleted_at IS NULL
				ORDER BY sort_order ASC, created_at ASC
				LIMIT 1
			) s
			WHERE a.id = $1
		`, sig.AssignmentID)
		if err != nil {
			return fmt.Errorf("failed to mirror primary signature: %w", err)
		}
	}

	return tx.Commit()
}
