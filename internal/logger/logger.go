// Package logger records one CSV row per poll tick while logging is
// enabled. Column order is fixed so downstream tuning tools can import the
// file blind; optional vendor channels extend the row on the right.
package logger

import (
	"encoding/csv"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kgrayson/obdash/internal/obd"
	"github.com/kgrayson/obdash/internal/telemetry"
)

// fixedColumns maps the leading CSV columns to the channels that fill
// them. VE is computed, not polled, and is handled separately.
var fixedColumns = []struct {
	Header  string
	Channel string
}{
	{"RPM", obd.ChanRPM},
	{"MAP", obd.ChanMAP},
	{"MAF", obd.ChanMAF},
	{"IAT", obd.ChanIAT},
	{"VE", ""},
	{"Speed", obd.ChanSpeed},
	{"Coolant", obd.ChanCoolant},
	{"Throttle", obd.ChanThrottle},
	{"Timing", obd.ChanTiming},
	{"O2_B1S1", obd.ChanO2B1S1},
	{"O2_B1S2", obd.ChanO2B1S2},
	{"O2_B2S1", obd.ChanO2B2S1},
	{"O2_B2S2", obd.ChanO2B2S2},
}

// Logger writes the drive log. Toggled at runtime by the operator; while
// disabled Record is a no-op. A write failure disables logging but leaves
// the rest of the process untouched.
type Logger struct {
	mu      sync.Mutex
	path    string
	vendor  []string // extra channel names appended after the fixed columns
	enabled bool

	file   *os.File
	writer *csv.Writer
}

// New creates a logger for the given file path. vendorChannels lists the
// channel names of any vendor PIDs, in the order they should appear.
func New(path string, vendorChannels []string) *Logger {
	return &Logger{
		path:   path,
		vendor: append([]string(nil), vendorChannels...),
	}
}

// SetEnabled toggles logging. Enabling opens (truncates) the file and
// writes the header; disabling flushes and closes it.
func (l *Logger) SetEnabled(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if on == l.enabled {
		return nil
	}
	if !on {
		l.closeFile()
		l.enabled = false
		log.Info("logger: drive log stopped")
		return nil
	}

	f, err := os.Create(l.path)
	if err != nil {
		return errors.Wrapf(err, "open drive log %s", l.path)
	}
	l.file = f
	l.writer = csv.NewWriter(f)

	header := make([]string, 0, 1+len(fixedColumns)+len(l.vendor))
	header = append(header, "Timestamp")
	for _, col := range fixedColumns {
		header = append(header, col.Header)
	}
	header = append(header, l.vendor...)
	if err := l.writer.Write(header); err != nil {
		l.closeFile()
		return errors.Wrap(err, "write drive log header")
	}
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		l.closeFile()
		return errors.Wrap(err, "flush drive log header")
	}

	l.enabled = true
	log.WithField("path", l.path).Info("logger: drive log started")
	return nil
}

// IsEnabled reports whether rows are currently being written.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one row. ve should be absent on guard-rejected ticks; the
// VE column is then left empty rather than writing a malformed row.
func (l *Logger) Record(ts time.Time, values map[string]telemetry.Value, ve telemetry.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return nil
	}

	row := make([]string, 0, 1+len(fixedColumns)+len(l.vendor))
	row = append(row, epochSeconds(ts))
	for _, col := range fixedColumns {
		if col.Channel == "" {
			row = append(row, ve.String())
			continue
		}
		row = append(row, values[col.Channel].String())
	}
	for _, name := range l.vendor {
		row = append(row, values[name].String())
	}

	if err := l.writer.Write(row); err != nil {
		return errors.Wrap(err, "write drive log row")
	}
	l.writer.Flush()
	return errors.Wrap(l.writer.Error(), "flush drive log row")
}

// Close flushes and closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
	l.enabled = false
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			log.WithError(err).Warn("logger: close failed")
		}
		l.file = nil
	}
}

// epochSeconds renders ts as a Unix epoch float with millisecond
// precision, e.g. "1724979113.482".
func epochSeconds(ts time.Time) string {
	return strconv.FormatFloat(float64(ts.UnixNano())/float64(time.Second), 'f', 3, 64)
}

// Path returns the configured log file path.
func (l *Logger) Path() string { return l.path }
