package models

import (
	"time"
)

// GraderStatus is a point-in-time view of the measurement tool's health.
// Online is nil until the first probe or analysis call completes.
type GraderStatus struct {
	Online                 *bool      `json:"online"`
	LastCheckedAt          *time.Time `json:"last_checked_at,omitempty"`
	LastSuccessAt          *time.Time `json:"last_success_at,omitempty"`
	LastError              string     `json:"last_error,omitempty"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	PendingSubmissionCount int        `json:"pending_submission_count"`
}
