package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/kgrayson/obdash/internal/telemetry"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	OBD     OBDConfig     `yaml:"obd" json:"obd"`
	VE      VEConfig      `yaml:"ve" json:"ve"`
	History HistoryConfig `yaml:"history" json:"history"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Server  ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

type OBDConfig struct {
	Type        string `yaml:"type" json:"type"` // "elm327" or "demo"
	Port        string `yaml:"port" json:"port"` // serial port path
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	PollMs      int    `yaml:"poll_ms" json:"pollMs"`
	ReconnectMs int    `yaml:"reconnect_ms" json:"reconnectMs"`
	AutoConnect bool   `yaml:"auto_connect" json:"autoConnect"`
}

// VEConfig configures the estimation grid. Bin edges are bin centers and
// must be strictly increasing; they are applied at startup, while the
// cylinder count may change at runtime.
type VEConfig struct {
	Cylinders int       `yaml:"cylinders" json:"cylinders"`
	RPMBins   []float64 `yaml:"rpm_bins" json:"rpmBins"`
	MAPBins   []float64 `yaml:"map_bins" json:"mapBins"`
}

type HistoryConfig struct {
	Size int `yaml:"size" json:"size"` // per-channel rolling history cap
}

type LoggingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

func defaultBins(start, stop, step float64) []float64 {
	var bins []float64
	for v := start; v <= stop; v += step {
		bins = append(bins, v)
	}
	return bins
}

// DefaultConfig returns a config with sensible defaults: the classic
// 500-8000 rpm / 20-100 kPa tuning grid, a four-cylinder engine, 500 ms
// polling and 5 s reconnect checks.
func DefaultConfig() *Config {
	return &Config{
		OBD: OBDConfig{
			Type:        "demo",
			Port:        "sim",
			BaudRate:    38400,
			PollMs:      500,
			ReconnectMs: 5000,
			AutoConnect: true,
		},
		VE: VEConfig{
			Cylinders: telemetry.DefaultCylinders,
			RPMBins:   defaultBins(500, 8000, 500),
			MAPBins:   defaultBins(20, 100, 10),
		},
		History: HistoryConfig{
			Size: telemetry.DefaultHistorySize,
		},
		Logging: LoggingConfig{
			Enabled: false,
			Path:    "vehicle_log.csv",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// Validate rejects configurations the pipeline cannot run with. Callers
// keep their prior configuration when it fails.
func (c *Config) Validate() error {
	if c.VE.Cylinders <= 0 {
		return errors.Errorf("cylinders must be positive, got %d", c.VE.Cylinders)
	}
	if _, err := telemetry.NewAxis(c.VE.RPMBins); err != nil {
		return errors.Wrap(err, "rpm_bins")
	}
	if _, err := telemetry.NewAxis(c.VE.MAPBins); err != nil {
		return errors.Wrap(err, "map_bins")
	}
	if c.OBD.PollMs <= 0 {
		return errors.Errorf("poll_ms must be positive, got %d", c.OBD.PollMs)
	}
	if c.OBD.ReconnectMs <= 0 {
		return errors.Errorf("reconnect_ms must be positive, got %d", c.OBD.ReconnectMs)
	}
	if c.History.Size <= 0 {
		return errors.Errorf("history size must be positive, got %d", c.History.Size)
	}
	return nil
}

// LoadConfig reads config from a YAML file, then applies .env and
// environment variable overrides. Falls back to defaults if the file is
// missing or invalid.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err != nil:
		log.WithField("path", path).Info("config: no file, using defaults")
	case yaml.Unmarshal(data, cfg) != nil:
		log.WithField("path", path).Warn("config: parse error, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	default:
		log.WithField("path", path).Info("config: loaded")
	}

	// .env next to the config file or in the CWD; real env wins
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		if err := godotenv.Load(ep); err == nil {
			log.WithField("path", ep).Info("config: loaded .env")
		}
	}
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Warn("config: invalid, using defaults")
		cfg = DefaultConfig()
		cfg.path = path
	}
	return cfg
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: OBD_TYPE, OBD_PORT, OBD_BAUD, POLL_MS, RECONNECT_MS,
// CYLINDERS, LOG_ENABLED, LOG_PATH, LISTEN_ADDR.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("OBD_TYPE"); v != "" {
		c.OBD.Type = v
	}
	if v := os.Getenv("OBD_PORT"); v != "" {
		c.OBD.Port = v
	}
	if v := os.Getenv("OBD_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.BaudRate = n
		}
	}
	if v := os.Getenv("POLL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.PollMs = n
		}
	}
	if v := os.Getenv("RECONNECT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.OBD.ReconnectMs = n
		}
	}
	if v := os.Getenv("CYLINDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.VE.Cylinders = n
		}
	}
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return errors.New("config: no file path set")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. The merged result is
// validated before it replaces anything; an invalid patch is rejected
// with the prior configuration left in effect.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "marshal current config")
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return errors.Wrap(err, "unmarshal current config")
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return errors.Wrap(err, "unmarshal patch")
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return errors.Wrap(err, "marshal merged config")
	}
	next := Config{}
	if err := json.Unmarshal(merged, &next); err != nil {
		return errors.Wrap(err, "unmarshal merged config")
	}
	if err := next.Validate(); err != nil {
		return errors.Wrap(err, "config rejected")
	}

	c.OBD = next.OBD
	c.VE = next.VE
	c.History = next.History
	c.Logging = next.Logging
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// VESnapshot returns a copy of the VE section.
func (c *Config) VESnapshot() VEConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := c.VE
	out.RPMBins = append([]float64(nil), c.VE.RPMBins...)
	out.MAPBins = append([]float64(nil), c.VE.MAPBins...)
	return out
}

// LoggingSnapshot returns a copy of the logging section.
func (c *Config) LoggingSnapshot() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}
