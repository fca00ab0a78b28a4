package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgrayson/obdash/internal/logger"
	"github.com/kgrayson/obdash/internal/obd"
	"github.com/kgrayson/obdash/internal/session"
	"github.com/kgrayson/obdash/internal/telemetry"
)

type stubTransport struct {
	open bool
}

func (s *stubTransport) Name() string { return "stub" }

func (s *stubTransport) Open(target string) error {
	s.open = true
	return nil
}

func (s *stubTransport) Close() error {
	s.open = false
	return nil
}

func (s *stubTransport) Query(pid obd.PID) (telemetry.Value, error) {
	if !s.open {
		return telemetry.None(), obd.ErrAdapterGone
	}
	switch pid {
	case obd.PIDRPM:
		return telemetry.Num(2000), nil
	case obd.PIDIntakePressure:
		return telemetry.Num(50), nil
	default:
		return telemetry.None(), nil
	}
}

func (s *stubTransport) SupportedPIDs() ([]obd.PID, error) {
	return []obd.PID{obd.PIDRPM, obd.PIDIntakePressure}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")

	mapAxis, err := telemetry.NewAxis(cfg.VE.MAPBins)
	require.NoError(t, err)
	rpmAxis, err := telemetry.NewAxis(cfg.VE.RPMBins)
	require.NoError(t, err)
	est, err := telemetry.NewEstimator(cfg.VE.Cylinders)
	require.NoError(t, err)

	buffer := telemetry.NewSampleBuffer(cfg.History.Size)
	grid := telemetry.NewGrid(mapAxis, rpmAxis)
	machine := session.NewMachine(&stubTransport{}, buffer)
	driveLog := logger.New(filepath.Join(t.TempDir(), "drive.csv"), nil)
	t.Cleanup(func() { driveLog.Close() })

	poller := session.NewPoller(session.PollerConfig{
		Machine:   machine,
		Buffer:    buffer,
		Estimator: est,
		Grid:      grid,
		DriveLog:  driveLog,
	})
	return New(cfg, machine, poller, buffer, grid, est, driveLog)
}

func TestStateEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleState(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "disconnected", body["state"])
	assert.Empty(t, body["target"])
}

func TestConnectEndpoint(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/connect",
		bytes.NewBufferString(`{"target":"/dev/ttyUSB0"}`))
	rec := httptest.NewRecorder()
	s.handleConnect(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.Connected, s.machine.State())

	// a second connect while connected is rejected
	req = httptest.NewRequest(http.MethodPost, "/api/connect",
		bytes.NewBufferString(`{"target":"/dev/ttyUSB1"}`))
	rec = httptest.NewRecorder()
	s.handleConnect(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestConnectEndpointRequiresTarget(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/connect",
		bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.handleConnect(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDisconnectEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.machine.Connect("/dev/ttyUSB0"))

	rec := httptest.NewRecorder()
	s.handleDisconnect(rec, httptest.NewRequest(http.MethodPost, "/api/disconnect", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, session.Disconnected, s.machine.State())
}

func TestVEEndpointAndReset(t *testing.T) {
	s := newTestServer(t)
	s.grid.Update(3, 2, 0.85)

	rec := httptest.NewRecorder()
	s.handleVE(rec, httptest.NewRequest(http.MethodGet, "/api/ve", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var data GridData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &data))
	assert.Len(t, data.MAPBins, 9)
	assert.Len(t, data.RPMBins, 16)
	assert.Equal(t, 0.85, data.Means[3][2])
	assert.Equal(t, 1, data.Counts[3][2])

	rec = httptest.NewRecorder()
	s.handleVEReset(rec, httptest.NewRequest(http.MethodPost, "/api/ve/reset", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	means, counts := s.grid.Snapshot()
	assert.Zero(t, means[3][2])
	assert.Zero(t, counts[3][2])
}

func TestHistoryEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.buffer.Record("RPM", telemetry.Num(1500))
	s.buffer.Record("RPM", telemetry.Num(1600))

	rec := httptest.NewRecorder()
	s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history?channel=RPM", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Channel string    `json:"channel"`
		Values  []float64 `json:"values"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RPM", body.Channel)
	assert.Equal(t, []float64{1500, 1600}, body.Values)
}

func TestHistoryEndpointRequiresChannel(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.handleHistory(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigEndpointUpdate(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/config",
		bytes.NewBufferString(`{"ve":{"cylinders":8}}`))
	rec := httptest.NewRecorder()
	s.handleConfig(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8, s.cfg.VE.Cylinders)
	assert.Equal(t, 8, s.est.Cylinders())

	// invalid patch leaves config and estimator alone
	req = httptest.NewRequest(http.MethodPost, "/api/config",
		bytes.NewBufferString(`{"ve":{"cylinders":-1}}`))
	rec = httptest.NewRecorder()
	s.handleConfig(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 8, s.cfg.VE.Cylinders)
	assert.Equal(t, 8, s.est.Cylinders())
}

func TestLoggingEndpointToggle(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/logging",
		bytes.NewBufferString(`{"enabled":true}`))
	rec := httptest.NewRecorder()
	s.handleLogging(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.driveLog.IsEnabled())

	_, err := os.Stat(s.driveLog.Path())
	assert.NoError(t, err)
}
