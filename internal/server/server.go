// Package server exposes the telemetry pipeline to the rendering client:
// live frames over WebSocket plus a small HTTP API for configuration and
// connection control. Rendering itself (gauges, heatmaps) is the client's
// concern; only data crosses this boundary.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/kgrayson/obdash/internal/logger"
	"github.com/kgrayson/obdash/internal/obd"
	"github.com/kgrayson/obdash/internal/session"
	"github.com/kgrayson/obdash/internal/telemetry"
)

// Server broadcasts poll frames to WebSocket clients and serves the API.
type Server struct {
	cfg      *Config
	machine  *session.Machine
	poller   *session.Poller
	buffer   *telemetry.SampleBuffer
	grid     *telemetry.Grid
	est      *telemetry.Estimator
	driveLog *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	State  string                 `json:"state"`
	Values map[string]interface{} `json:"values,omitempty"`
	VE     *float64               `json:"ve,omitempty"`
	Cell   *[2]int                `json:"cell,omitempty"`
	Grid   *GridData              `json:"grid,omitempty"`
	Config *VEConfig              `json:"config,omitempty"`
	Probe  *ProbeData             `json:"probe,omitempty"`
	Stamp  int64                  `json:"stamp"` // Unix ms
}

// GridData carries the VE heatmap: bin centers plus the mean and count
// matrices (rows follow MAP bins, columns RPM bins).
type GridData struct {
	MAPBins []float64   `json:"mapBins"`
	RPMBins []float64   `json:"rpmBins"`
	Means   [][]float64 `json:"means"`
	Counts  [][]int     `json:"counts"`
}

// ProbeData reports a background device probe to clients.
type ProbeData struct {
	Target    string `json:"target"`
	ElapsedMs int64  `json:"elapsedMs"`
	Error     string `json:"error,omitempty"`
}

// New creates a Server and hooks it into the poller's notifications.
func New(cfg *Config, machine *session.Machine, poller *session.Poller,
	buffer *telemetry.SampleBuffer, grid *telemetry.Grid,
	est *telemetry.Estimator, driveLog *logger.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		machine:  machine,
		poller:   poller,
		buffer:   buffer,
		grid:     grid,
		est:      est,
		driveLog: driveLog,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	poller.Notify = s.onTick
	poller.OnProbe = s.onProbe
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ve", s.handleVE)
	mux.HandleFunc("/api/ve/reset", s.handleVEReset)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/state", s.handleState)
	mux.HandleFunc("/api/connect", s.handleConnect)
	mux.HandleFunc("/api/disconnect", s.handleDisconnect)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/probe", s.handleProbe)
	mux.HandleFunc("/api/logging", s.handleLogging)

	addr := s.cfg.Server.ListenAddr
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.WithField("addr", addr).Info("server: listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// onTick runs on the poll goroutine; it must not block, so slow clients
// are skipped by the buffered-channel broadcast.
func (s *Server) onTick(info session.TickInfo) {
	frame := Frame{
		State:  info.State.String(),
		Values: make(map[string]interface{}, len(info.Values)),
		Cell:   info.Cell,
		Grid:   s.gridData(),
		Stamp:  info.Stamp.UnixMilli(),
	}
	for name, v := range info.Values {
		frame.Values[name] = valueJSON(v)
	}
	if f, ok := info.VE.Float(); ok {
		frame.VE = &f
	}
	s.broadcast(frame)
}

func (s *Server) onProbe(res session.ProbeResult) {
	probe := &ProbeData{
		Target:    res.Target,
		ElapsedMs: res.Elapsed.Milliseconds(),
	}
	if res.Err != nil {
		probe.Error = res.Err.Error()
	}
	s.broadcast(Frame{
		State: s.machine.State().String(),
		Probe: probe,
		Stamp: time.Now().UnixMilli(),
	})
}

func valueJSON(v telemetry.Value) interface{} {
	if f, ok := v.Float(); ok {
		return f
	}
	if label, ok := v.Label(); ok {
		return label
	}
	return nil
}

func (s *Server) gridData() *GridData {
	mapAxis, rpmAxis := s.grid.Axes()
	means, counts := s.grid.Snapshot()
	return &GridData{
		MAPBins: mapAxis.Edges(),
		RPMBins: rpmAxis.Edges(),
		Means:   means,
		Counts:  counts,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws: upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	total := len(s.clients)
	s.clientsMu.Unlock()
	log.WithField("clients", total).Info("ws: client connected")

	// initial frame: current config, grid and state
	ve := s.cfg.VESnapshot()
	init := Frame{
		State:  s.machine.State().String(),
		Config: &ve,
		Grid:   s.gridData(),
		Stamp:  time.Now().UnixMilli(),
	}
	if data, err := json.Marshal(init); err == nil {
		client.send <- data
	}

	// writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// reader (keep-alive; we ignore incoming payloads)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			total := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.WithField("clients", total).Info("ws: client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.applyRuntimeConfig()
		if err := s.cfg.Save(); err != nil {
			log.WithError(err).Warn("config: save failed")
		}
		ve := s.cfg.VESnapshot()
		s.broadcast(Frame{
			State:  s.machine.State().String(),
			Config: &ve,
			Stamp:  time.Now().UnixMilli(),
		})
		writeOK(w)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyRuntimeConfig pushes the settable-at-runtime pieces of a config
// update into the live pipeline. Bin edges and history size take effect
// on restart; the grid they shape must not be silently discarded.
func (s *Server) applyRuntimeConfig() {
	ve := s.cfg.VESnapshot()
	if err := s.est.SetCylinders(ve.Cylinders); err != nil {
		log.WithError(err).Warn("config: cylinder update rejected")
	}
	if err := s.driveLog.SetEnabled(s.cfg.LoggingSnapshot().Enabled); err != nil {
		log.WithError(err).Warn("config: drive log toggle failed")
	}
}

func (s *Server) handleVE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := json.Marshal(s.gridData())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleVEReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.grid.Reset()
	log.Info("server: VE grid reset by operator")
	s.broadcast(Frame{
		State: s.machine.State().String(),
		Grid:  s.gridData(),
		Stamp: time.Now().UnixMilli(),
	})
	writeOK(w)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		http.Error(w, "channel parameter required", http.StatusBadRequest)
		return
	}
	history := s.buffer.History(channel)
	out := make([]interface{}, len(history))
	for i, v := range history {
		out[i] = valueJSON(v)
	}
	data, err := json.Marshal(map[string]interface{}{
		"channel": channel,
		"values":  out,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, data)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	data, _ := json.Marshal(map[string]string{
		"state":  s.machine.State().String(),
		"target": s.machine.Target(),
	})
	writeJSON(w, data)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		http.Error(w, "target required", http.StatusBadRequest)
		return
	}
	if err := s.machine.Connect(req.Target); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeOK(w)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.machine.Disconnect()
	writeOK(w)
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	ports, err := obd.ScanPorts()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, _ := json.Marshal(map[string][]string{"ports": ports})
	writeJSON(w, data)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		http.Error(w, "target required", http.StatusBadRequest)
		return
	}
	if err := s.poller.Probe(req.Target); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.driveLog.SetEnabled(req.Enabled); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeOK(w)
}

func writeJSON(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func writeOK(w http.ResponseWriter) {
	writeJSON(w, []byte(`{"status":"ok"}`))
}
