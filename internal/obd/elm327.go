package obd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/kgrayson/obdash/internal/telemetry"
)

const (
	// DefaultBaudRate is the rate most ELM327 clones ship with.
	DefaultBaudRate = 38400

	queryTimeout  = 2 * time.Second
	readChunkWait = 100 * time.Millisecond
	resetWait     = 1500 * time.Millisecond
	prompt        = '>'
)

// ELM327 talks to an ELM327-compatible OBD-II adapter over a serial port.
// The request cycle is serialized with a mutex: the adapter answers one
// command at a time and interleaved writes corrupt its line discipline.
type ELM327 struct {
	baudRate int
	mu       sync.Mutex
	port     serial.Port
	target   string
	vendor   map[PID]ChannelSpec
	decoders map[PID]func([]byte) (telemetry.Value, error)
}

// ELM327Config holds connection configuration for the adapter.
type ELM327Config struct {
	BaudRate int `yaml:"baud_rate" json:"baudRate"`
}

// NewELM327 creates an adapter transport. Vendor channels may be attached
// with RegisterVendorChannel before the first Open.
func NewELM327(cfg ELM327Config) *ELM327 {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	decoders := make(map[PID]func([]byte) (telemetry.Value, error))
	for _, spec := range StandardChannels() {
		decoders[spec.PID] = spec.Decode
	}
	return &ELM327{
		baudRate: cfg.BaudRate,
		vendor:   make(map[PID]ChannelSpec),
		decoders: decoders,
	}
}

func (e *ELM327) Name() string { return "ELM327" }

// RegisterVendorChannel attaches an opaque vendor PID decoder. The byte
// layout is the decoder's concern; responses are handed over verbatim.
func (e *ELM327) RegisterVendorChannel(pid PID, name string, dec VendorDecoder) {
	e.mu.Lock()
	defer e.mu.Unlock()
	spec := ChannelSpec{
		PID:  pid,
		Name: name,
		Decode: func(data []byte) (telemetry.Value, error) {
			return dec(data), nil
		},
	}
	e.vendor[pid] = spec
	e.decoders[pid] = spec.Decode
}

// VendorChannels returns the registered vendor channel specs.
func (e *ELM327) VendorChannels() []ChannelSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ChannelSpec, 0, len(e.vendor))
	for _, spec := range e.vendor {
		out = append(out, spec)
	}
	return out
}

// Open opens the serial port and runs the adapter init sequence: reset,
// echo/linefeed/spaces off, automatic protocol selection.
func (e *ELM327) Open(target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port != nil {
		return errors.New("elm327: already open")
	}

	port, err := serial.Open(target, &serial.Mode{BaudRate: e.baudRate})
	if err != nil {
		return errors.Wrapf(err, "elm327: open %s", target)
	}
	if err := port.SetReadTimeout(readChunkWait); err != nil {
		port.Close()
		return errors.Wrap(err, "elm327: set read timeout")
	}
	e.port = port
	e.target = target

	if _, err := e.command("ATZ", resetWait); err != nil {
		e.closeLocked()
		return errors.Wrap(err, "elm327: reset")
	}
	for _, cmd := range []string{"ATE0", "ATL0", "ATS0", "ATSP0"} {
		if _, err := e.command(cmd, queryTimeout); err != nil {
			e.closeLocked()
			return errors.Wrapf(err, "elm327: init %s", cmd)
		}
	}
	log.WithField("port", target).Info("elm327: adapter initialized")
	return nil
}

func (e *ELM327) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeLocked()
}

func (e *ELM327) closeLocked() error {
	if e.port == nil {
		return nil
	}
	err := e.port.Close()
	e.port = nil
	e.target = ""
	return err
}

// Query requests a single mode-01 PID and decodes it. An absent value with
// a nil error means the vehicle answered NO DATA.
func (e *ELM327) Query(pid PID) (telemetry.Value, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port == nil {
		return telemetry.None(), errors.Wrap(ErrAdapterGone, "elm327: not open")
	}
	raw, err := e.command(fmt.Sprintf("01%02X", byte(pid)), queryTimeout)
	if err != nil {
		return telemetry.None(), err
	}
	data, noData, err := parseResponse(raw, pid)
	if err != nil {
		return telemetry.None(), err
	}
	if noData {
		return telemetry.None(), nil
	}
	decode, ok := e.decoders[pid]
	if !ok {
		return telemetry.None(), errors.Errorf("elm327: no decoder for PID %02X", byte(pid))
	}
	return decode(data)
}

// SupportedPIDs expands the 0100/0120/0140/0160 support bitmaps into the
// list of PIDs the vehicle claims to implement.
func (e *ELM327) SupportedPIDs() ([]PID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.port == nil {
		return nil, errors.Wrap(ErrAdapterGone, "elm327: not open")
	}
	var pids []PID
	for _, rangePID := range []PID{0x00, 0x20, 0x40, 0x60} {
		raw, err := e.command(fmt.Sprintf("01%02X", byte(rangePID)), queryTimeout)
		if err != nil {
			return nil, err
		}
		data, noData, err := parseResponse(raw, rangePID)
		if err != nil || noData {
			// vehicles that stop answering range queries simply
			// support nothing beyond the last answered range
			break
		}
		chunk := expandSupportBitmap(rangePID, data)
		pids = append(pids, chunk...)
		// the last bit of each bitmap advertises the next range
		if len(data) < 4 || data[3]&0x01 == 0 {
			break
		}
	}
	return pids, nil
}

// command writes cmd and accumulates the response until the adapter's '>'
// prompt or the deadline. Port-level failures are fatal to the session.
func (e *ELM327) command(cmd string, timeout time.Duration) (string, error) {
	if _, err := e.port.Write([]byte(cmd + "\r")); err != nil {
		return "", errors.Wrapf(ErrAdapterGone, "write %s: %v", cmd, err)
	}

	var buf strings.Builder
	chunk := make([]byte, 256)
	deadline := time.Now().Add(timeout)
	for {
		n, err := e.port.Read(chunk)
		if err != nil {
			return "", errors.Wrapf(ErrAdapterGone, "read after %s: %v", cmd, err)
		}
		if n > 0 {
			buf.Write(chunk[:n])
			if bytes.IndexByte(chunk[:n], prompt) >= 0 {
				return buf.String(), nil
			}
		}
		if time.Now().After(deadline) {
			return "", errors.Errorf("elm327: timeout waiting for response to %s", cmd)
		}
	}
}

// parseResponse extracts the data bytes of a mode-01 response. The raw
// text may contain a command echo, SEARCHING banners and status lines;
// spaces may or may not be present depending on ATS state.
func parseResponse(raw string, pid PID) (data []byte, noData bool, err error) {
	want := fmt.Sprintf("41%02X", byte(pid))
	for _, line := range strings.Split(raw, "\r") {
		line = strings.ToUpper(strings.TrimSpace(strings.TrimSuffix(line, string(prompt))))
		line = strings.ReplaceAll(line, " ", "")
		switch {
		case line == "" || line == "SEARCHING...":
			continue
		case line == "NODATA" || line == "STOPPED":
			return nil, true, nil
		case line == "UNABLETOCONNECT" || line == "CANERROR" || line == "BUSERROR":
			return nil, false, errors.Errorf("elm327: adapter reported %q", line)
		case strings.HasPrefix(line, want):
			payload, decErr := hex.DecodeString(line[len(want):])
			if decErr != nil {
				return nil, false, errors.Wrapf(decErr, "elm327: bad payload %q", line)
			}
			return payload, false, nil
		}
	}
	return nil, false, errors.Errorf("elm327: no %s response in %q", want, raw)
}

// expandSupportBitmap turns a 4-byte support bitmap into PIDs. Bit 7 of
// the first byte is rangePID+1, and so on down to rangePID+32.
func expandSupportBitmap(rangePID PID, data []byte) []PID {
	var pids []PID
	for i, b := range data {
		if i >= 4 {
			break
		}
		for bit := 0; bit < 8; bit++ {
			if b&(1<<(7-bit)) != 0 {
				pids = append(pids, rangePID+PID(i*8+bit+1))
			}
		}
	}
	return pids
}

// ScanPorts lists serial ports that may host an adapter.
func ScanPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "scan serial ports")
	}
	return ports, nil
}
