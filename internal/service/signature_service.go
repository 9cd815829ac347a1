package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackcrane/sw-grader-api/internal/models"
	"github.com/jackcrane/sw-grader-api/internal/repository"
	"github.com/rs/zerolog"
)

type SignatureService interface {
	CreateSignature(ctx context.Context, assignmentID string, req models.CreateSignatureRequest) (*models.AssignmentSignature, error)
}

type signatureService struct {
	assignments repository.AssignmentRepository
	logger      zerolog.Logger
}

func NewSignatureService(assignments repository.AssignmentRepository, logger zerolog.Logger) SignatureService {
	return &signatureService{
		assignments: assignments,
		logger:      logger,
	}
}

func (s *signatureService) CreateSignature(ctx context.Context, assignmentID string, req models.CreateSignatureRequest) (*models.AssignmentSignature, error) {
	assignment, err := s.assignments.GetByID(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	if assignment == nil {
		return nil, ErrAssignmentNotFound
	}

	existing, err := s.assignments.GetSignatures(ctx, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signatures: %w", err)
	}

	sig := &models.AssignmentSignature{
		ID:            uuid.NewString(),
		AssignmentID:  assignmentID,
		Type:          models.SignatureType(req.Type),
		UnitSystem:    models.UnitSystem(req.UnitSystem),
		Volume:        req.Volume,
		SurfaceArea:   req.SurfaceArea,
		CenterOfMass:  req.CenterOfMass,
		PointsAwarded: req.PointsAwarded,
		Feedback:      req.Feedback,
		CreatedAt:     time.Now(),
	}
	if err := models.ValidateSignature(assignment, existing, sig); err != nil {
		return nil, err
	}

	if err := s.assignments.CreateSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("failed to create signature: %w", err)
	}

	s.logger.Info().
		Str("assignment_id", assignmentID).
		Str("signature_id", sig.ID).
		Str("type", sig.Type.String()).
		Int("sort_order", sig.SortOrder).
		Msg("Signature created")

	return sig, nil
}
