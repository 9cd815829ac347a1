package models

import (
	"time"
)

type Enrollment struct {
	ID            string     `json:"id" db:"id"`
	CourseID      string     `json:"course_id" db:"course_id"`
	StudentID     string     `json:"student_id" db:"student_id"`
	TeacherID     string     `json:"teacher_id" db:"teacher_id"`
	PayerEmail    string     `json:"payer_email" db:"payer_email"`
	BillingStatus string     `json:"billing_status" db:"billing_status"` // active, past_due, resolved, dropped
	PastDueSince  *time.Time `json:"past_due_since,omitempty" db:"past_due_since"`
	DroppedAt     *time.Time `json:"dropped_at,omitempty" db:"dropped_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

type BillingStatus string

const (
	BillingStatusActive   BillingStatus = "active"
	BillingStatusPastDue  BillingStatus = "past_due"
	BillingStatusResolved BillingStatus = "resolved"
	BillingStatusDropped  BillingStatus = "dropped"
)

func (bs BillingStatus) String() string {
	return string(bs)
}

// LTIIntegration holds the consumer key/secret pair a course uses to sign
// outcome reports.
type LTIIntegration struct {
	CourseID       string `json:"course_id" db:"course_id"`
	ConsumerKey    string `json:"consumer_key" db:"consumer_key"`
	ConsumerSecret string `json:"-" db:"consumer_secret"`
}
