// Package session owns the adapter connection lifecycle and the poll loop
// that feeds sensor data into the telemetry core.
package session

import (
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kgrayson/obdash/internal/obd"
	"github.com/kgrayson/obdash/internal/telemetry"
)

// State of the adapter connection.
type State int

const (
	// Disconnected is the initial state; no session exists.
	Disconnected State = iota
	// Connecting covers the bounded window while the transport opens.
	Connecting
	// Connected is the only state in which samples are ingested.
	Connected
	// Degraded signals intermittent read failures without tearing the
	// session down; a successful read restores Connected.
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return "unknown"
}

// vendorLister is implemented by transports that carry vendor channels.
type vendorLister interface {
	VendorChannels() []obd.ChannelSpec
}

// Machine is the connection state machine. It owns the transport and the
// per-session resources (sample buffer, supported-channel list); the VE
// grid deliberately lives outside it so tuning data survives reconnects.
type Machine struct {
	mu         sync.Mutex
	state      State
	transport  obd.Provider
	buffer     *telemetry.SampleBuffer
	lastTarget string
	supported  []obd.ChannelSpec
}

func NewMachine(transport obd.Provider, buffer *telemetry.SampleBuffer) *Machine {
	return &Machine{transport: transport, buffer: buffer}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the remembered connect target, if any.
func (m *Machine) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTarget
}

// Supported returns the channels negotiated for the current session.
func (m *Machine) Supported() []obd.ChannelSpec {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]obd.ChannelSpec, len(m.supported))
	copy(out, m.supported)
	return out
}

// Connect opens a session with the adapter at target. Valid only while
// Disconnected. On failure the machine returns to Disconnected with the
// error; it does not retry on its own (the reconnect timer does).
func (m *Machine) Connect(target string) error {
	m.mu.Lock()
	if m.state != Disconnected {
		state := m.state
		m.mu.Unlock()
		return errors.Errorf("session: connect invalid while %s", state)
	}
	m.state = Connecting
	m.lastTarget = target
	m.mu.Unlock()

	log.WithField("target", target).Info("session: connecting")
	if err := m.transport.Open(target); err != nil {
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return errors.Wrapf(err, "session: open %s", target)
	}

	specs, err := m.negotiateChannels()
	if err != nil {
		if cerr := m.transport.Close(); cerr != nil {
			log.WithError(cerr).Warn("session: close after failed negotiation")
		}
		m.mu.Lock()
		m.state = Disconnected
		m.mu.Unlock()
		return errors.Wrap(err, "session: negotiate channels")
	}

	m.mu.Lock()
	if m.state != Connecting {
		// raced with an explicit disconnect; honor it
		m.mu.Unlock()
		m.transport.Close()
		return errors.New("session: disconnected during connect")
	}
	m.supported = specs
	m.state = Connected
	m.mu.Unlock()

	log.WithFields(log.Fields{"target": target, "channels": len(specs)}).
		Info("session: connected")
	return nil
}

// negotiateChannels intersects the standard channel table with the
// vehicle's supported-PID bitmap and appends any vendor channels the
// transport carries. Vehicles that answer the bitmap query with nothing
// usable are polled for the full standard set.
func (m *Machine) negotiateChannels() ([]obd.ChannelSpec, error) {
	pids, err := m.transport.SupportedPIDs()
	if err != nil {
		return nil, err
	}
	supported := make(map[obd.PID]bool, len(pids))
	for _, pid := range pids {
		supported[pid] = true
	}

	var specs []obd.ChannelSpec
	for _, spec := range obd.StandardChannels() {
		if supported[spec.PID] {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		specs = obd.StandardChannels()
	}
	if vl, ok := m.transport.(vendorLister); ok {
		specs = append(specs, vl.VendorChannels()...)
	}
	return specs, nil
}

// Disconnect is valid from any state. It releases the session's resources
// (transport, sample histories, channel list) and forgets the target so
// the reconnect timer stays quiet. The VE grid is untouched.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	wasConnected := m.state != Disconnected
	m.state = Disconnected
	m.lastTarget = ""
	m.supported = nil
	m.mu.Unlock()

	if err := m.transport.Close(); err != nil {
		log.WithError(err).Warn("session: transport close failed")
	}
	m.buffer.Clear()
	if wasConnected {
		log.Info("session: disconnected")
	}
}

// Query forwards a PID request to the transport. Reads are permitted in
// Connected and Degraded.
func (m *Machine) Query(pid obd.PID) (telemetry.Value, error) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != Connected && state != Degraded {
		return telemetry.None(), errors.Errorf("session: query invalid while %s", state)
	}
	return m.transport.Query(pid)
}

// ReadOK records a successful read; it promotes Degraded back to
// Connected.
func (m *Machine) ReadOK() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Degraded {
		m.state = Connected
		log.Info("session: reads recovered")
	}
}

// ReadFail records a failed read. Transient failures degrade the session;
// losing the adapter tears it down. The target stays remembered in the
// fatal case so the reconnect timer can bring the session back.
func (m *Machine) ReadFail(err error) {
	fatal := errors.Cause(err) == obd.ErrAdapterGone

	m.mu.Lock()
	if m.state != Connected && m.state != Degraded {
		m.mu.Unlock()
		return
	}
	if !fatal {
		if m.state == Connected {
			m.state = Degraded
			m.mu.Unlock()
			log.WithError(err).Warn("session: read failed, degraded")
			return
		}
		m.mu.Unlock()
		return
	}
	m.state = Disconnected
	m.supported = nil
	m.mu.Unlock()

	if cerr := m.transport.Close(); cerr != nil {
		log.WithError(cerr).Warn("session: transport close failed")
	}
	m.buffer.Clear()
	log.WithError(err).Error("session: adapter lost")
}

// TimerTick drives the fixed-interval reconnect policy: a no-op unless
// Disconnected with a remembered target, in which case exactly one
// connect attempt is made. No backoff, no attempt cap.
func (m *Machine) TimerTick() {
	m.mu.Lock()
	state := m.state
	target := m.lastTarget
	m.mu.Unlock()

	if state != Disconnected || target == "" {
		return
	}
	if err := m.Connect(target); err != nil {
		log.WithError(err).Warn("session: reconnect attempt failed")
	}
}
