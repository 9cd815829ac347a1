package models

import "time"

// Data Transfer Objects

// Measurement is what the measurement tool reports for one part, already
// converted into UnitSystem.
type Measurement struct {
	UnitSystem   UnitSystem `json:"unit_system"`
	Volume       float64    `json:"volume"`
	SurfaceArea  float64    `json:"surface_area"`
	CenterOfMass Vector3    `json:"center_of_mass"`
	Density      float64    `json:"density"`
	Mass         float64    `json:"mass"`
	Screenshot   []byte     `json:"-"`
}

// GraderResultRequest is posted by an out-of-process grader.
type GraderResultRequest struct {
	Volume      *float64 `json:"volume" validate:"required"`
	SurfaceArea *float64 `json:"surfaceArea" validate:"required"`
	Screenshot  string   `json:"screenshot,omitempty"`
}

type CreateSignatureRequest struct {
	Type          string   `json:"type" validate:"required,oneof=CORRECT INCORRECT"`
	UnitSystem    string   `json:"unit_system" validate:"required,oneof=SI MMGS CGS IPS"`
	Volume        float64  `json:"volume" validate:"gt=0"`
	SurfaceArea   float64  `json:"surface_area" validate:"gt=0"`
	CenterOfMass  *Vector3 `json:"center_of_mass,omitempty"`
	PointsAwarded *float64 `json:"points_awarded,omitempty"`
	Feedback      *string  `json:"feedback,omitempty"`
}

type QueuePosition struct {
	SubmissionID  string        `json:"submission_id"`
	Graded        bool          `json:"graded"`
	Position      int           `json:"position"`
	Ahead         int           `json:"ahead"`
	QueueDepth    int           `json:"queue_depth"`
	Processing    int           `json:"processing"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

type SubmissionStatusSnapshot struct {
	SubmissionID    string          `json:"submission_id"`
	Status          string          `json:"status"`
	Grade           *float64        `json:"grade,omitempty"`
	Feedback        *string         `json:"feedback,omitempty"`
	GradeSyncStatus GradeSyncStatus `json:"grade_sync_status"`
	Queue           QueuePosition   `json:"queue"`
	GraderOnline    *bool           `json:"grader_online"`
	Terminal        bool            `json:"terminal"`
	Timestamp       time.Time       `json:"timestamp"`
}

type HealthCheckResponse struct {
	Status    string        `json:"status"`
	Database  bool          `json:"database"`
	RabbitMQ  bool          `json:"rabbitmq"`
	Grader    *GraderStatus `json:"grader"`
	Timestamp time.Time     `json:"timestamp"`
}
