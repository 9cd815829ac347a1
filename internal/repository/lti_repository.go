package repository

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

type LTIRepository interface {
	GetByCourseID(ctx context.Context, courseID string) (*models.LTIIntegration, error)
}

type ltiRepository struct {
	*PostgresRepository
}

func NewLTIRepository(db *sql.DB, logger zerolog.Logger) LTIRepository {
	return &ltiRepository{
		PostgresRepository: NewPostgresRepository(db, logger),
	}
}

func (r *ltiRepository) GetByCourseID(ctx context.Context, courseID string) (*models.LTIIntegration, error) {
	query := `
		SELECT course_id, consumer_key, consumer_secret
		FROM lti_integrations
		WHERE course_id = $1
	`

	li := &models.LTIIntegration{}
	err := r.db.QueryRowContext(ctx, query, courseID).Scan(&li.CourseID, &li.ConsumerKey, &li.ConsumerSecret)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return li, nil
}
