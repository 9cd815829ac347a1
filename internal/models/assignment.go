package models

import (
	"errors"
	"fmt"
	"time"
)

type Assignment struct {
	ID               string     `json:"id" db:"id"`
	CourseID         string     `json:"course_id" db:"course_id"`
	Name             string     `json:"name" db:"name"`
	UnitSystem       UnitSystem `json:"unit_system" db:"unit_system"`
	TolerancePercent float64    `json:"tolerance_percent" db:"tolerance_percent"`
	PointsPossible   float64    `json:"points_possible" db:"points_possible"`
	Volume           float64    `json:"volume" db:"volume"`
	SurfaceArea      float64    `json:"surface_area" db:"surface_area"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

type SignatureType string

const (
	SignatureCorrect   SignatureType = "CORRECT"
	SignatureIncorrect SignatureType = "INCORRECT"
)

func (st SignatureType) String() string {
	return string(st)
}

func IsValidSignatureType(t string) bool {
	switch SignatureType(t) {
	case SignatureCorrect, SignatureIncorrect:
		return true
	default:
		return false
	}
}

type AssignmentSignature struct {
	ID            string        `json:"id" db:"id"`
	AssignmentID  string        `json:"assignment_id" db:"assignment_id"`
	Type          SignatureType `json:"type" db:"type"`
	UnitSystem    UnitSystem    `json:"unit_system" db:"unit_system"`
	Volume        float64       `json:"volume" db:"volume"`
	SurfaceArea   float64       `json:"surface_area" db:"surface_area"`
	CenterOfMass  *Vector3      `json:"center_of_mass,omitempty" db:"-"`
	PointsAwarded *float64      `json:"points_awarded,omitempty" db:"points_awarded"`
	Feedback      *string       `json:"feedback,omitempty" db:"feedback"`
	SortOrder     int           `json:"sort_order" db:"sort_order"`
	DeletedAt     *time.Time    `json:"deleted_at,omitempty" db:"deleted_at"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}

func (s AssignmentSignature) IsActive() bool {
	return s.DeletedAt == nil
}

var (
	ErrMixedUnitSystems     = errors.New("signature unit system does not match existing signatures")
	ErrInvalidSignatureType = errors.New("signature type must be CORRECT or INCORRECT")
	ErrInvalidPointsAwarded = errors.New("points awarded must be between 0 and points possible")
	ErrInvalidMeasurement   = errors.New("volume and surface area must be positive")
)

// ValidateSignature checks a new signature against the assignment and the
// signatures it already has.
func ValidateSignature(assignment *Assignment, existing []AssignmentSignature, sig *AssignmentSignature) error {
	if !IsValidSignatureType(sig.Type.String()) {
		return ErrInvalidSignatureType
	}
	if !IsValidUnitSystem(sig.UnitSystem.String()) {
		return fmt.Errorf("unsupported unit system %q", sig.UnitSystem)
	}
	if sig.Volume <= 0 || sig.SurfaceArea <= 0 {
		return ErrInvalidMeasurement
	}

	for _, other := range existing {
		if other.IsActive() && other.UnitSystem != sig.UnitSystem {
			return ErrMixedUnitSystems
		}
	}

	if sig.Type == SignatureIncorrect {
		if sig.PointsAwarded == nil {
			return ErrInvalidPointsAwarded
		}
		points := *sig.PointsAwarded
		if points < 0 || points > assignment.PointsPossible {
			return ErrInvalidPointsAwarded
		}
	} else {
		sig.PointsAwarded = nil
	}

	return nil
}

type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type UnitSystem string

const (
	UnitSystemSI   UnitSystem = "SI"
	UnitSystemMMGS UnitSystem = "MMGS"
	UnitSystemCGS  UnitSystem = "CGS"
	UnitSystemIPS  UnitSystem = "IPS"
)

func (us UnitSystem) String() string {
	return string(us)
}

func IsValidUnitSystem(us string) bool {
	switch UnitSystem(us) {
	case UnitSystemSI, UnitSystemMMGS, UnitSystemCGS, UnitSystemIPS:
		return true
	default:
		return false
	}
}
