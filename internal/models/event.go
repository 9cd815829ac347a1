package models

import (
	"time"
)

// GradingJob is carried on the grading queue.
type GradingJob struct {
	SubmissionID string     `json:"submissionId" validate:"required"`
	FileKey      string     `json:"fileKey" validate:"required"`
	FileName     string     `json:"fileName,omitempty"`
	AssignmentID string     `json:"assignmentId" validate:"required"`
	UnitSystem   UnitSystem `json:"unitSystem" validate:"required,oneof=SI MMGS CGS IPS"`
	UserID       string     `json:"userId" validate:"required"`
}

// GradeSyncJob is carried on the gradebook sync queue.
type GradeSyncJob struct {
	SubmissionID string `json:"submissionId" validate:"required"`
}

type BillingAction string

const (
	BillingActionWarning BillingAction = "WARNING"
	BillingActionDrop    BillingAction = "DROP"
)

func (ba BillingAction) String() string {
	return string(ba)
}

// BillingJob is a delayed follow-up to a failed recurring charge. Both jobs
// scheduled for the same failure share CorrelationID and TriggeredAt.
type BillingJob struct {
	Action        BillingAction `json:"action" validate:"required,oneof=WARNING DROP"`
	RunAt         time.Time     `json:"runAt" validate:"required"`
	TriggeredAt   time.Time     `json:"triggeredAt"`
	CorrelationID string        `json:"correlationId" validate:"required"`
	EnrollmentID  string        `json:"enrollmentId" validate:"required"`
	TeacherID     string        `json:"teacherId"`
	StudentID     string        `json:"studentId"`
	CourseID      string        `json:"courseId"`
}

// PaymentFailedEvent is emitted by the billing collaborator when a recurring
// charge against an enrollment fails.
type PaymentFailedEvent struct {
	EnrollmentID string `json:"enrollment_id" validate:"required"`
	TeacherID    string `json:"teacher_id"`
	StudentID    string `json:"student_id"`
	CourseID     string `json:"course_id"`
}
