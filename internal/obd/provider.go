package obd

import (
	"github.com/pkg/errors"

	"github.com/kgrayson/obdash/internal/telemetry"
)

// PID identifies one OBD-II mode-01 parameter.
type PID byte

const (
	PIDCoolantTemp    PID = 0x05
	PIDIntakePressure PID = 0x0B
	PIDRPM            PID = 0x0C
	PIDSpeed          PID = 0x0D
	PIDTimingAdvance  PID = 0x0E
	PIDIntakeTemp     PID = 0x0F
	PIDMAF            PID = 0x10
	PIDThrottle       PID = 0x11
	PIDO2B1S1         PID = 0x14
	PIDO2B1S2         PID = 0x15
	PIDO2B2S1         PID = 0x16
	PIDO2B2S2         PID = 0x17
)

// Channel names shared by the sample buffer, the drive log and wire
// frames. They follow the conventional OBD command naming.
const (
	ChanRPM      = "RPM"
	ChanSpeed    = "SPEED"
	ChanMAP      = "INTAKE_PRESSURE"
	ChanMAF      = "MAF"
	ChanIAT      = "INTAKE_TEMP"
	ChanCoolant  = "COOLANT_TEMP"
	ChanThrottle = "THROTTLE_POS"
	ChanTiming   = "TIMING_ADVANCE"
	ChanO2B1S1   = "O2_B1S1"
	ChanO2B1S2   = "O2_B1S2"
	ChanO2B2S1   = "O2_B2S1"
	ChanO2B2S2   = "O2_B2S2"
)

// ErrAdapterGone reports that the underlying device vanished mid-session
// (port closed, USB unplugged). It is the one transport error treated as
// fatal: the session is torn down rather than degraded.
var ErrAdapterGone = errors.New("obd: adapter gone")

// Provider is the transport boundary to an OBD-II adapter. Query must
// return within a bounded time; an absent Value with a nil error means the
// vehicle answered but had no data for the PID.
type Provider interface {
	Name() string
	// Open establishes a session with the adapter at target (a serial
	// port path for real hardware).
	Open(target string) error
	Close() error
	// Query requests and decodes a single PID.
	Query(pid PID) (telemetry.Value, error)
	// SupportedPIDs reports which PIDs the vehicle claims to support.
	SupportedPIDs() ([]PID, error)
}

// VendorDecoder turns a vendor-specific response payload into a value. The
// byte layout of vendor PIDs is the decoder's business; the core treats it
// as opaque.
type VendorDecoder func(data []byte) telemetry.Value

// ChannelSpec binds a PID to its channel name and decoder.
type ChannelSpec struct {
	PID    PID
	Name   string
	Decode func(data []byte) (telemetry.Value, error)
}

// StandardChannels returns the mode-01 channels the dashboard polls, in
// the drive log's column order.
func StandardChannels() []ChannelSpec {
	return []ChannelSpec{
		{PIDRPM, ChanRPM, decodeRPM},
		{PIDIntakePressure, ChanMAP, decodeByteValue},
		{PIDMAF, ChanMAF, decodeMAF},
		{PIDIntakeTemp, ChanIAT, decodeTemp},
		{PIDSpeed, ChanSpeed, decodeByteValue},
		{PIDCoolantTemp, ChanCoolant, decodeTemp},
		{PIDThrottle, ChanThrottle, decodePercent},
		{PIDTimingAdvance, ChanTiming, decodeTiming},
		{PIDO2B1S1, ChanO2B1S1, decodeO2Voltage},
		{PIDO2B1S2, ChanO2B1S2, decodeO2Voltage},
		{PIDO2B2S1, ChanO2B2S1, decodeO2Voltage},
		{PIDO2B2S2, ChanO2B2S2, decodeO2Voltage},
	}
}

func needBytes(data []byte, n int) error {
	if len(data) < n {
		return errors.Errorf("response too short: need %d bytes, got %d", n, len(data))
	}
	return nil
}

// decodeRPM: ((256*A)+B)/4
func decodeRPM(data []byte) (telemetry.Value, error) {
	if err := needBytes(data, 2); err != nil {
		return telemetry.None(), err
	}
	return telemetry.Num(float64(uint16(data[0])<<8|uint16(data[1])) / 4.0), nil
}

// decodeMAF: ((256*A)+B)/100 g/s
func decodeMAF(data []byte) (telemetry.Value, error) {
	if err := needBytes(data, 2); err != nil {
		return telemetry.None(), err
	}
	return telemetry.Num(float64(uint16(data[0])<<8|uint16(data[1])) / 100.0), nil
}

// decodeTemp: A-40 degrees C
func decodeTemp(data []byte) (telemetry.Value, error) {
	if err := needBytes(data, 1); err != nil {
		return telemetry.None(), err
	}
	return telemetry.Num(float64(data[0]) - 40), nil
}

// decodeByteValue: A, used for MAP (kPa) and vehicle speed (km/h)
func decodeByteValue(data []byte) (telemetry.Value, error) {
	if err := needBytes(data, 1); err != nil {
		return telemetry.None(), err
	}
	return telemetry.Num(float64(data[0])), nil
}

// decodePercent: A*100/255
func decodePercent(data []byte) (telemetry.Value, error) {
	if err := needBytes(data, 1); err != nil {
		return telemetry.None(), err
	}
	return telemetry.Num(float64(data[0]) * 100.0 / 255.0), nil
}

// decodeTiming: A/2 - 64 degrees before TDC
func decodeTiming(data []byte) (telemetry.Value, error) {
	if err := needBytes(data, 1); err != nil {
		return telemetry.None(), err
	}
	return telemetry.Num(float64(data[0])/2.0 - 64), nil
}

// decodeO2Voltage: A/200 volts
func decodeO2Voltage(data []byte) (telemetry.Value, error) {
	if err := needBytes(data, 1); err != nil {
		return telemetry.None(), err
	}
	return telemetry.Num(float64(data[0]) / 200.0), nil
}
