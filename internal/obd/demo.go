package obd

import (
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/kgrayson/obdash/internal/telemetry"
)

// Demo simulates an adapter for development and bench testing. Values
// sweep through plausible ranges on a virtual clock so the VE grid fills
// across operating points.
type Demo struct {
	mu   sync.Mutex
	open bool
	t    float64
}

func NewDemo() *Demo { return &Demo{} }

func (d *Demo) Name() string { return "Demo (Simulated)" }

func (d *Demo) Open(target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *Demo) SupportedPIDs() ([]PID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, errors.Wrap(ErrAdapterGone, "demo: not open")
	}
	specs := StandardChannels()
	pids := make([]PID, 0, len(specs))
	for _, spec := range specs {
		pids = append(pids, spec.PID)
	}
	return pids, nil
}

func (d *Demo) Query(pid PID) (telemetry.Value, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return telemetry.None(), errors.Wrap(ErrAdapterGone, "demo: not open")
	}

	// advance the virtual clock a little per query so a full poll cycle
	// moves the operating point smoothly
	d.t += 0.004

	// rpm cycles between idle and near-redline
	rpm := 850.0 + 5500.0*math.Pow(math.Sin(d.t*0.3), 2) + rand.Float64()*50
	load := (rpm - 850) / 5500 // 0..1-ish proxy for throttle position
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}

	switch pid {
	case PIDRPM:
		return telemetry.Num(math.Round(rpm)), nil
	case PIDSpeed:
		return telemetry.Num(math.Round(load * 180)), nil
	case PIDIntakePressure:
		return telemetry.Num(math.Round(28 + load*72)), nil // 28-100 kPa
	case PIDMAF:
		return telemetry.Num(2 + load*110 + rand.Float64()), nil
	case PIDIntakeTemp:
		return telemetry.Num(28 + rand.Float64()*6), nil
	case PIDCoolantTemp:
		return telemetry.Num(86 + rand.Float64()*4), nil
	case PIDThrottle:
		return telemetry.Num(load * 100), nil
	case PIDTimingAdvance:
		return telemetry.Num(8 + load*26), nil
	case PIDO2B1S1, PIDO2B1S2, PIDO2B2S1, PIDO2B2S2:
		return telemetry.Num(0.45 + 0.35*math.Sin(d.t*4+float64(pid))), nil
	}
	// unknown PID: the simulated vehicle has no data for it
	return telemetry.None(), nil
}
