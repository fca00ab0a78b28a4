package telemetry

import (
	"sync"

	"github.com/pkg/errors"
)

// DefaultCylinders matches a common four-cylinder engine.
const DefaultCylinders = 4

// Inputs are the four correlated readings a VE computation needs, as they
// were last reported by the adapter.
type Inputs struct {
	RPM Value // engine speed, rev/min
	MAF Value // mass air flow, g/s
	MAP Value // manifold absolute pressure, kPa
	IAT Value // intake air temperature, degrees C
}

// Estimator computes instantaneous volumetric efficiency from sensor
// readings and engine geometry. The result has units gram*kelvin/kPa, a
// domain-specific figure used for relative tuning rather than a standard
// VE percentage.
type Estimator struct {
	mu        sync.Mutex
	cylinders int
}

// NewEstimator creates an estimator for an engine with the given cylinder
// count. Counts below one are rejected.
func NewEstimator(cylinders int) (*Estimator, error) {
	if cylinders <= 0 {
		return nil, errors.Errorf("cylinder count must be positive, got %d", cylinders)
	}
	return &Estimator{cylinders: cylinders}, nil
}

// Cylinders returns the configured cylinder count.
func (e *Estimator) Cylinders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cylinders
}

// SetCylinders updates the cylinder count at runtime. Invalid counts are
// rejected and the prior value stays in effect.
func (e *Estimator) SetCylinders(n int) error {
	if n <= 0 {
		return errors.Errorf("cylinder count must be positive, got %d", n)
	}
	e.mu.Lock()
	e.cylinders = n
	e.mu.Unlock()
	return nil
}

// Compute returns the VE value for one tick. ok is false when the inputs
// fail the guard policy (rpm, maf and map must be numeric and positive;
// iat must be numeric, any sign); such ticks produce no value and must not
// update the grid. The guards make the divisions below safe, so no other
// numeric checks are performed.
func (e *Estimator) Compute(in Inputs) (ve float64, ok bool) {
	rpm, rpmOK := in.RPM.Float()
	maf, mafOK := in.MAF.Float()
	manifold, mapOK := in.MAP.Float()
	iat, iatOK := in.IAT.Float()

	if !rpmOK || rpm <= 0 || !mafOK || maf <= 0 || !mapOK || manifold <= 0 || !iatOK {
		return 0, false
	}

	e.mu.Lock()
	cyl := e.cylinders
	e.mu.Unlock()

	tempK := iat + 273.15
	// Four-stroke: each cylinder intakes once per two revolutions.
	intakesPerSec := rpm * float64(cyl) / 120.0
	gramsPerCyl := 0.0
	if intakesPerSec > 0 {
		gramsPerCyl = maf / intakesPerSec
	}
	if manifold <= 0 {
		return 0, false
	}
	return gramsPerCyl * tempK / manifold, true
}
