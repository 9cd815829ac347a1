package analyzer

import (
	"fmt"

	"github.com/jackcrane/sw-grader-api/internal/models"
)

const (
	metersPerInch     = 0.0254
	kilogramsPerPound = 0.45359237
)

type unitFactors struct {
	length float64 // units per meter
	mass   float64 // units per kilogram
}

var factors = map[models.UnitSystem]unitFactors{
	models.UnitSystemSI:   {length: 1, mass: 1},
	models.UnitSystemMMGS: {length: 1000, mass: 1000},
	models.UnitSystemCGS:  {length: 100, mass: 1000},
	models.UnitSystemIPS:  {length: 1 / metersPerInch, mass: 1 / kilogramsPerPound},
}

func factorsFor(us models.UnitSystem) (unitFactors, error) {
	f, ok := factors[us]
	if !ok {
		return unitFactors{}, fmt.Errorf("unsupported unit system %q", us)
	}
	return f, nil
}

// FromSI converts an SI measurement into us.
func FromSI(m models.Measurement, us models.UnitSystem) (models.Measurement, error) {
	f, err := factorsFor(us)
	if err != nil {
		return models.Measurement{}, err
	}
	return scale(m, us, f.length, f.mass), nil
}

// ToSI converts a measurement expressed in m.UnitSystem back to SI.
func ToSI(m models.Measurement) (models.Measurement, error) {
	f, err := factorsFor(m.UnitSystem)
	if err != nil {
		return models.Measurement{}, err
	}
	return scale(m, models.UnitSystemSI, 1/f.length, 1/f.mass), nil
}

func scale(m models.Measurement, to models.UnitSystem, length, mass float64) models.Measurement {
	return models.Measurement{
		UnitSystem:  to,
		Volume:      m.Volume * length * length * length,
		SurfaceArea: m.SurfaceArea * length * length,
		CenterOfMass: models.Vector3{
			X: m.CenterOfMass.X * length,
			Y: m.CenterOfMass.Y * length,
			Z: m.CenterOfMass.Z * length,
		},
		Density:    m.Density * mass / (length * length * length),
		Mass:       m.Mass * mass,
		Screenshot: m.Screenshot,
	}
}
