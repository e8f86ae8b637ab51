package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/powerfc-dash/internal/ecu"
	"github.com/shaunagostinho/powerfc-dash/internal/powerfc"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link
	ECU  ECUConfig      `yaml:"ecu" json:"ecu"`
	Demo ecu.DemoConfig `yaml:"demo" json:"demo"`

	// Protocol timing
	Protocol ProtocolConfig `yaml:"protocol" json:"protocol"`

	// Closed loop fuel tuning
	Autotune powerfc.TuneConfig `yaml:"autotune" json:"autotune"`

	// Datalogit analog inputs, AN1-2 .. AN7-8
	Aux []powerfc.AuxCalibration `yaml:"aux" json:"aux"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type ECUConfig struct {
	Type         string `yaml:"type" json:"type"`          // "powerfc" or "demo"
	PortPath     string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate     int    `yaml:"baud_rate" json:"baudRate"`
	OpenAttempts uint   `yaml:"open_attempts" json:"openAttempts"`
}

type ProtocolConfig struct {
	TimeoutMs        int  `yaml:"timeout_ms" json:"timeoutMs"`
	ReconnectDelayMs int  `yaml:"reconnect_delay_ms" json:"reconnectDelayMs"`
	Debug            bool `yaml:"debug" json:"debug"` // hex dump every frame
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
	Metrics    bool   `yaml:"metrics" json:"metrics"` // expose /metrics
}

const (
	ecuTypePowerFC = "powerfc"
	ecuTypeDemo    = "demo"

	defaultConfigPath = "/etc/pfcdash/config.yaml"
)

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	pc := powerfc.DefaultConfig()
	return &Config{
		ECU: ECUConfig{
			Type:         ecuTypeDemo,
			PortPath:     "/dev/ttyUSB0",
			BaudRate:     57600,
			OpenAttempts: 3,
		},
		Demo: ecu.DemoConfig{
			Platform:  "13B-REW ",
			Datalogit: "V2.00",
			Latency:   5 * time.Millisecond,
		},
		Protocol: ProtocolConfig{
			TimeoutMs:        int(pc.Timeout / time.Millisecond),
			ReconnectDelayMs: int(pc.ReconnectDelay / time.Millisecond),
		},
		Autotune: pc.Tune,
		Aux:      pc.Aux,
		Server: ServerConfig{
			ListenAddr: ":8080",
			Metrics:    true,
		},
		path: defaultConfigPath,
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config wins over one in CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		log.Printf("[config] WARNING: %v", err)
	}
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: ECU_TYPE, ECU_PORT, ECU_BAUD, LISTEN_ADDR, CLOSED_LOOP,
// TARGET_AFR, WRITE_CHUNKS, LOG_DEBUG
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ECU_TYPE"); v != "" {
		c.ECU.Type = v
	}
	if v := os.Getenv("ECU_PORT"); v != "" {
		c.ECU.PortPath = v
	}
	if v := os.Getenv("ECU_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ECU.BaudRate = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("CLOSED_LOOP"); v != "" {
		c.Autotune.ClosedLoop = envBool(v)
	}
	if v := os.Getenv("TARGET_AFR"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Autotune.TargetAFR = n
		}
	}
	if v := os.Getenv("WRITE_CHUNKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Autotune.WriteChunks = n
		}
	}
	if v := os.Getenv("LOG_DEBUG"); v != "" {
		c.Protocol.Debug = envBool(v)
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.ECU.Type {
	case ecuTypePowerFC, ecuTypeDemo:
	default:
		return fmt.Errorf("unknown ecu type %q", c.ECU.Type)
	}
	if c.ECU.Type == ecuTypePowerFC && c.ECU.PortPath == "" {
		return fmt.Errorf("ecu port_path is required")
	}
	if c.Autotune.TargetAFR <= 0 {
		return fmt.Errorf("autotune target_afr must be positive, got %v", c.Autotune.TargetAFR)
	}
	if c.Autotune.WriteChunks < 1 || c.Autotune.WriteChunks > powerfc.FuelMapChunks {
		return fmt.Errorf("autotune write_chunks must be 1..%d, got %d", powerfc.FuelMapChunks, c.Autotune.WriteChunks)
	}
	if c.Autotune.AFRAuxSource < 0 || c.Autotune.AFRAuxSource >= powerfc.AuxChannels {
		return fmt.Errorf("autotune afr_aux_source must be 0..%d, got %d", powerfc.AuxChannels-1, c.Autotune.AFRAuxSource)
	}
	if len(c.Aux) > powerfc.AuxChannels {
		return fmt.Errorf("at most %d aux channels, got %d", powerfc.AuxChannels, len(c.Aux))
	}
	return nil
}

// IsDemo reports whether the simulated ECU is selected.
func (c *Config) IsDemo() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ECU.Type == ecuTypeDemo
}

// SerialConfig returns the serial port settings.
func (c *Config) SerialConfig() ecu.SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ecu.SerialConfig{
		PortPath:     c.ECU.PortPath,
		BaudRate:     c.ECU.BaudRate,
		OpenAttempts: c.ECU.OpenAttempts,
	}
}

// DemoConfig returns the simulated ECU settings.
func (c *Config) DemoConfig() ecu.DemoConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Demo
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.ListenAddr
}

// MetricsEnabled reports whether /metrics is served.
func (c *Config) MetricsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server.Metrics
}

// EngineConfig builds the protocol engine settings.
func (c *Config) EngineConfig() powerfc.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ec := powerfc.DefaultConfig()
	ec.Tune = c.Autotune
	ec.Aux = append([]powerfc.AuxCalibration(nil), c.Aux...)
	ec.Timeout = time.Duration(c.Protocol.TimeoutMs) * time.Millisecond
	ec.ReconnectDelay = time.Duration(c.Protocol.ReconnectDelayMs) * time.Millisecond
	ec.Debug = c.Protocol.Debug
	return ec
}

// SetClosedLoop records the closed loop switch so a Save keeps it.
func (c *Config) SetClosedLoop(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Autotune.ClosedLoop = on
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
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
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. An update that fails validation is rejected
// and leaves the config unchanged.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var probe Config
	if err := json.Unmarshal(merged, &probe); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := probe.Validate(); err != nil {
		return err
	}
	return json.Unmarshal(merged, c)
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
