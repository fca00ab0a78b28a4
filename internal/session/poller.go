package session

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kgrayson/obdash/internal/logger"
	"github.com/kgrayson/obdash/internal/obd"
	"github.com/kgrayson/obdash/internal/telemetry"
)

const (
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultReconnectInterval = 5 * time.Second

	probeQueueSize = 4
)

// TickInfo summarizes one poll cycle for the rendering layer.
type TickInfo struct {
	Stamp  time.Time
	State  State
	Values map[string]telemetry.Value
	// VE is absent on guard-rejected ticks.
	VE telemetry.Value
	// Cell is the (mapIdx, rpmIdx) the VE value landed in, nil when no
	// VE was produced.
	Cell *[2]int
}

// PollerConfig wires the pipeline together.
type PollerConfig struct {
	Machine   *Machine
	Buffer    *telemetry.SampleBuffer
	Estimator *telemetry.Estimator
	Grid      *telemetry.Grid
	DriveLog  *logger.Logger

	PollInterval      time.Duration
	ReconnectInterval time.Duration

	// ProbeTransport builds a throwaway transport for background device
	// probes. Optional; probes error out without it.
	ProbeTransport func() obd.Provider
}

// Poller drives the whole pipeline from a single goroutine: poll ticks,
// reconnect ticks and probe results are all serviced from one select
// loop, so buffer/estimator/grid mutation is never concurrent.
type Poller struct {
	machine        *Machine
	buffer         *telemetry.SampleBuffer
	est            *telemetry.Estimator
	grid           *telemetry.Grid
	driveLog       *logger.Logger
	pollInterval   time.Duration
	reconnectEvery time.Duration
	probeTransport func() obd.Provider
	probeCh        chan ProbeResult

	// Notify, if set, is invoked on the poll goroutine after every
	// serviced tick. It must not block.
	Notify func(TickInfo)
	// OnProbe, if set, is invoked on the poll goroutine when a probe
	// result is serviced.
	OnProbe func(ProbeResult)
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	return &Poller{
		machine:        cfg.Machine,
		buffer:         cfg.Buffer,
		est:            cfg.Estimator,
		grid:           cfg.Grid,
		driveLog:       cfg.DriveLog,
		pollInterval:   cfg.PollInterval,
		reconnectEvery: cfg.ReconnectInterval,
		probeTransport: cfg.ProbeTransport,
		probeCh:        make(chan ProbeResult, probeQueueSize),
	}
}

// Run services the timer loop until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	poll := time.NewTicker(p.pollInterval)
	reconnect := time.NewTicker(p.reconnectEvery)
	defer poll.Stop()
	defer reconnect.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			p.Tick()
		case <-reconnect.C:
			p.machine.TimerTick()
		case res := <-p.probeCh:
			p.handleProbe(res)
		}
	}
}

// Tick runs one poll cycle: query every negotiated channel, ingest the
// readings, compute VE, fold it into the grid and append a drive-log row.
// Exported for the tests; production ticks come from Run.
func (p *Poller) Tick() {
	state := p.machine.State()
	if state != Connected && state != Degraded {
		return
	}

	values := make(map[string]telemetry.Value)
	for _, spec := range p.machine.Supported() {
		v, err := p.machine.Query(spec.PID)
		if err != nil {
			p.machine.ReadFail(err)
			if p.machine.State() == Disconnected {
				// session torn down mid-tick
				p.notify(values, telemetry.None(), nil)
				return
			}
			continue
		}
		p.machine.ReadOK()
		if p.machine.State() != Connected {
			// reads in Degraded are allowed but not ingested
			continue
		}
		p.buffer.Record(spec.Name, v)
		values[spec.Name] = v
	}

	veVal := telemetry.None()
	var cell *[2]int
	if p.machine.State() == Connected {
		in := telemetry.Inputs{
			RPM: values[obd.ChanRPM],
			MAF: values[obd.ChanMAF],
			MAP: values[obd.ChanMAP],
			IAT: values[obd.ChanIAT],
		}
		if ve, ok := p.est.Compute(in); ok {
			rpm, _ := in.RPM.Float()
			manifold, _ := in.MAP.Float()
			mapIdx, rpmIdx := p.grid.Observe(rpm, manifold, ve)
			cell = &[2]int{mapIdx, rpmIdx}
			veVal = telemetry.Num(ve)
		}

		if p.driveLog != nil {
			if err := p.driveLog.Record(time.Now(), values, veVal); err != nil {
				log.WithError(err).Error("poller: drive log write failed, disabling")
				p.driveLog.Close()
			}
		}
	}

	p.notify(values, veVal, cell)
}

func (p *Poller) notify(values map[string]telemetry.Value, ve telemetry.Value, cell *[2]int) {
	if p.Notify == nil {
		return
	}
	p.Notify(TickInfo{
		Stamp:  time.Now(),
		State:  p.machine.State(),
		Values: values,
		VE:     ve,
		Cell:   cell,
	})
}
