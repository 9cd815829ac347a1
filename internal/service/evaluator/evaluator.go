// Package evaluator grades a measured part against an assignment's reference
// signatures. It does no I/O.
package evaluator

import (
	"math"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

const zeroEpsilon = 1e-9

type Diffs struct {
	Volume      float64 `json:"volume"`
	SurfaceArea float64 `json:"surface_area"`
}

// Reference is the measurement the diffs were computed against.
type Reference struct {
	SignatureID *string              `json:"signature_id,omitempty"`
	Type        models.SignatureType `json:"type,omitempty"`
	Volume      float64              `json:"volume"`
	SurfaceArea float64              `json:"surface_area"`
}

type Result struct {
	Grade              float64              `json:"grade"`
	Feedback           *string              `json:"feedback,omitempty"`
	Matched            bool                 `json:"matched"`
	MatchedSignatureID *string              `json:"matched_signature_id,omitempty"`
	MatchedType        models.SignatureType `json:"matched_type,omitempty"`
	Diffs              Diffs                `json:"diffs"`
	Reference          Reference            `json:"reference"`
}

// PercentDiff returns |actual-expected| / |expected| * 100. A zero expected
// value only matches a zero actual value.
func PercentDiff(expected, actual float64) float64 {
	if math.IsNaN(actual) || math.IsInf(actual, 0) || math.IsNaN(expected) || math.IsInf(expected, 0) {
		return math.Inf(1)
	}
	if expected == 0 {
		if math.Abs(actual) <= zeroEpsilon {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(actual-expected) / math.Abs(expected) * 100
}

func withinTolerance(d Diffs, tolerance float64) bool {
	return d.Volume <= tolerance && d.SurfaceArea <= tolerance
}

func diffsFor(volume, surfaceArea, measuredVolume, measuredSurfaceArea float64) Diffs {
	return Diffs{
		Volume:      PercentDiff(volume, measuredVolume),
		SurfaceArea: PercentDiff(surfaceArea, measuredSurfaceArea),
	}
}

// Evaluate grades a measurement. Signatures are scanned in the order given;
// the first CORRECT signature within tolerance wins, then the first INCORRECT
// one. A miss is graded zero with diffs reported against the first CORRECT
// signature (or the first signature of any type).
func Evaluate(assignment *models.Assignment, signatures []models.AssignmentSignature, measuredVolume, measuredSurfaceArea, tolerancePercent float64) Result {
	active := make([]models.AssignmentSignature, 0, len(signatures))
	for _, sig := range signatures {
		if sig.IsActive() {
			active = append(active, sig)
		}
	}

	if len(active) == 0 {
		d := diffsFor(assignment.Volume, assignment.SurfaceArea, measuredVolume, measuredSurfaceArea)
		res := Result{
			Diffs: d,
			Reference: Reference{
				Volume:      assignment.Volume,
				SurfaceArea: assignment.SurfaceArea,
			},
		}
		if withinTolerance(d, tolerancePercent) {
			res.Grade = assignment.PointsPossible
			res.Matched = true
			res.MatchedType = models.SignatureCorrect
		}
		return res
	}

	for _, sig := range active {
		if sig.Type != models.SignatureCorrect {
			continue
		}
		d := diffsFor(sig.Volume, sig.SurfaceArea, measuredVolume, measuredSurfaceArea)
		if withinTolerance(d, tolerancePercent) {
			return matched(sig, d, assignment.PointsPossible, nil)
		}
	}

	for _, sig := range active {
		if sig.Type != models.SignatureIncorrect {
			continue
		}
		d := diffsFor(sig.Volume, sig.SurfaceArea, measuredVolume, measuredSurfaceArea)
		if withinTolerance(d, tolerancePercent) {
			points := 0.0
			if sig.PointsAwarded != nil {
				points = math.Max(0, math.Min(*sig.PointsAwarded, assignment.PointsPossible))
			}
			return matched(sig, d, points, sig.Feedback)
		}
	}

	ref := active[0]
	for _, sig := range active {
		if sig.Type == models.SignatureCorrect {
			ref = sig
			break
		}
	}

	id := ref.ID
	return Result{
		Diffs: diffsFor(ref.Volume, ref.SurfaceArea, measuredVolume, measuredSurfaceArea),
		Reference: Reference{
			SignatureID: &id,
			Type:        ref.Type,
			Volume:      ref.Volume,
			SurfaceArea: ref.SurfaceArea,
		},
	}
}

func matched(sig models.AssignmentSignature, d Diffs, grade float64, feedback *string) Result {
	id := sig.ID
	return Result{
		Grade:              grade,
		Feedback:           feedback,
		Matched:            true,
		MatchedSignatureID: &id,
		MatchedType:        sig.Type,
		Diffs:              d,
		Reference: Reference{
			SignatureID: &id,
			Type:        sig.Type,
			Volume:      sig.Volume,
			SurfaceArea: sig.SurfaceArea,
		},
	}
}
