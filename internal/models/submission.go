package models

import (
	"time"
)

type Submission struct {
	ID                   string          `json:"id" db:"id"`
	AssignmentID         string          `json:"assignment_id" db:"assignment_id"`
	UserID               string          `json:"user_id" db:"user_id"`
	FileKey              string          `json:"file_key" db:"file_key"`
	FileName             string          `json:"file_name" db:"file_name"`
	Volume               *float64        `json:"volume,omitempty" db:"volume"`
	SurfaceArea          *float64        `json:"surface_area,omitempty" db:"surface_area"`
	CenterOfMass         *Vector3        `json:"center_of_mass,omitempty" db:"-"`
	Grade                *float64        `json:"grade,omitempty" db:"grade"`
	Feedback             *string         `json:"feedback,omitempty" db:"feedback"`
	MatchingSignatureID  *string         `json:"matching_signature_id,omitempty" db:"matching_signature_id"`
	ScreenshotKey        *string         `json:"screenshot_key,omitempty" db:"screenshot_key"`
	Status               string          `json:"status" db:"status"` // received, graded, failed
	GradeSyncStatus      GradeSyncStatus `json:"grade_sync_status" db:"grade_sync_status"`
	GradeSyncAttempts    int             `json:"grade_sync_attempts" db:"grade_sync_attempts"`
	GradeSyncError       *string         `json:"grade_sync_error,omitempty" db:"grade_sync_error"`
	LISResultSourcedID   *string         `json:"-" db:"lis_result_sourcedid"`
	LISOutcomeServiceURL *string         `json:"-" db:"lis_outcome_service_url"`
	LastEnqueuedAt       *time.Time      `json:"last_enqueued_at,omitempty" db:"last_enqueued_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// IsGraded reports whether grading already produced a value.
func (s *Submission) IsGraded() bool {
	return s.Grade != nil
}

// IsTerminal reports whether no further grading attempt will be made.
func (s *Submission) IsTerminal() bool {
	return s.Grade != nil || s.Status == SubmissionStatusFailed.String()
}

// HasOutcomeService reports whether the submission was launched from an LMS
// that accepts outcome reports.
func (s *Submission) HasOutcomeService() bool {
	return s.LISResultSourcedID != nil && *s.LISResultSourcedID != "" &&
		s.LISOutcomeServiceURL != nil && *s.LISOutcomeServiceURL != ""
}

type SubmissionStatus string

const (
	SubmissionStatusReceived SubmissionStatus = "received"
	SubmissionStatusGraded   SubmissionStatus = "graded"
	SubmissionStatusFailed   SubmissionStatus = "failed"
)

func (ss SubmissionStatus) String() string {
	return string(ss)
}

type GradeSyncStatus string

const (
	GradeSyncNone    GradeSyncStatus = "NONE"
	GradeSyncPending GradeSyncStatus = "PENDING"
	GradeSyncSyncing GradeSyncStatus = "SYNCING"
	GradeSyncSuccess GradeSyncStatus = "SUCCESS"
	GradeSyncFailed  GradeSyncStatus = "FAILED"
	GradeSyncSkipped GradeSyncStatus = "SKIPPED"
)

func (gs GradeSyncStatus) String() string {
	return string(gs)
}

// IsFinal reports whether the sync worker has nothing left to do.
func (gs GradeSyncStatus) IsFinal() bool {
	switch gs {
	case GradeSyncSuccess, GradeSyncFailed, GradeSyncSkipped:
		return true
	default:
		return false
	}
}

// GradeUpdate is what the grading pipeline writes once per submission.
type GradeUpdate struct {
	Volume              float64
	SurfaceArea         float64
	CenterOfMass        *Vector3
	Grade               float64
	Feedback            *string
	MatchingSignatureID *string
	ScreenshotKey       *string
	GradeSyncStatus     GradeSyncStatus
}
