// Package config loads and validates the packetflow configuration file.
// Durations live in the YAML as strings ("30s", "1m"); the Get* helpers
// parse them with safe fallbacks so a bad value never takes the engine down.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all packetflow configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Reactor core settings
	Reactor ReactorConfig `yaml:"reactor"`

	// Per-node defaults
	Node NodeConfig `yaml:"node"`

	// Periodic optimization engine
	Optimizer OptimizerConfig `yaml:"optimizer"`

	// Fault detection and molecular healing
	Fault FaultConfig `yaml:"fault"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ReactorConfig configures the reactor core and its boot topology.
type ReactorConfig struct {
	SubmitTimeout string     `yaml:"submit_timeout"` // wait bound for SubmitAndWait
	Nodes         []NodeSpec `yaml:"nodes"`          // nodes created at boot
}

// NodeSpec declares one flavor of node in the boot topology.
type NodeSpec struct {
	Specialization string  `yaml:"specialization"` // cpu-bound, memory-bound, io-bound, network-bound, general
	Capacity       float64 `yaml:"capacity"`
	Count          int     `yaml:"count"`
}

// NodeConfig holds defaults applied to every created node.
type NodeConfig struct {
	ActivityWindow string `yaml:"activity_window"` // recency horizon for health
	DrainTimeout   string `yaml:"drain_timeout"`   // how long Stop waits for the worker
}

// OptimizerConfig configures the periodic optimization engine.
type OptimizerConfig struct {
	StabilityThreshold float64 `yaml:"stability_threshold"`
	MaxCompositionSize int     `yaml:"max_composition_size"`
	MaxRounds          int     `yaml:"max_rounds"`
	MinImprovement     float64 `yaml:"min_improvement"`
	Interval           string  `yaml:"interval"`
}

// FaultConfig configures the fault detector.
type FaultConfig struct {
	WindowSize        string  `yaml:"window_size"`
	FailureThreshold  int     `yaml:"failure_threshold"`
	SweepInterval     string  `yaml:"sweep_interval"`
	RecoveryThreshold float64 `yaml:"recovery_threshold"`
}

// LoggingConfig configures the category file loggers. The logging package
// reads this section directly from disk; the field tags are its contract.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Categories map[string]bool `yaml:"categories,omitempty"`
	Level      string          `yaml:"level"`  // debug, info, warn, error
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "packetflow",
		Version: "1.0.0",

		Reactor: ReactorConfig{
			SubmitTimeout: "30s",
			Nodes: []NodeSpec{
				{Specialization: "cpu-bound", Capacity: 10.0, Count: 2},
				{Specialization: "memory-bound", Capacity: 10.0, Count: 1},
				{Specialization: "io-bound", Capacity: 10.0, Count: 1},
				{Specialization: "network-bound", Capacity: 10.0, Count: 1},
				{Specialization: "general", Capacity: 10.0, Count: 1},
			},
		},

		Node: NodeConfig{
			ActivityWindow: "60s",
			DrainTimeout:   "5s",
		},

		Optimizer: OptimizerConfig{
			StabilityThreshold: 0.5,
			MaxCompositionSize: 10,
			MaxRounds:          5,
			MinImprovement:     0.1,
			Interval:           "30s",
		},

		Fault: FaultConfig{
			WindowSize:        "60s",
			FailureThreshold:  3,
			SweepInterval:     "10s",
			RecoveryThreshold: 0.3,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// DefaultConfigPath returns the path to .packetflow/config.yaml under the
// current working directory.
func DefaultConfigPath() string {
	cwd, err := os.Getwd()
	if err != nil {
		return filepath.Join(".packetflow", "config.yaml")
	}
	return filepath.Join(cwd, ".packetflow", "config.yaml")
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a present but unparseable file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file, creating the directory if needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies PACKETFLOW_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PACKETFLOW_SUBMIT_TIMEOUT"); v != "" {
		c.Reactor.SubmitTimeout = v
	}
	if v := os.Getenv("PACKETFLOW_OPTIMIZER_INTERVAL"); v != "" {
		c.Optimizer.Interval = v
	}
	if v := os.Getenv("PACKETFLOW_FAULT_WINDOW"); v != "" {
		c.Fault.WindowSize = v
	}
	if v := os.Getenv("PACKETFLOW_FAULT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Fault.FailureThreshold = n
		}
	}
	if v := os.Getenv("PACKETFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PACKETFLOW_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// GetSubmitTimeout returns the SubmitAndWait bound as a duration.
func (c *Config) GetSubmitTimeout() time.Duration {
	d, err := time.ParseDuration(c.Reactor.SubmitTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetActivityWindow returns the node activity window as a duration.
func (c *Config) GetActivityWindow() time.Duration {
	d, err := time.ParseDuration(c.Node.ActivityWindow)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetDrainTimeout returns the node drain timeout as a duration.
func (c *Config) GetDrainTimeout() time.Duration {
	d, err := time.ParseDuration(c.Node.DrainTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetOptimizerInterval returns the optimization sweep cadence as a duration.
func (c *Config) GetOptimizerInterval() time.Duration {
	d, err := time.ParseDuration(c.Optimizer.Interval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetFaultWindow returns the failure window size as a duration.
func (c *Config) GetFaultWindow() time.Duration {
	d, err := time.ParseDuration(c.Fault.WindowSize)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetFaultSweepInterval returns the fault sweep cadence as a duration.
func (c *Config) GetFaultSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Fault.SweepInterval)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// ValidSpecializations lists the node specializations accepted in NodeSpec.
var ValidSpecializations = []string{
	"cpu-bound", "memory-bound", "io-bound", "network-bound", "general",
}

// ValidLogLevels lists the accepted logging levels.
var ValidLogLevels = []string{"debug", "info", "warn", "error"}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Reactor.SubmitTimeout); err != nil {
		return fmt.Errorf("invalid reactor.submit_timeout %q: %w", c.Reactor.SubmitTimeout, err)
	}
	if _, err := time.ParseDuration(c.Node.ActivityWindow); err != nil {
		return fmt.Errorf("invalid node.activity_window %q: %w", c.Node.ActivityWindow, err)
	}
	if _, err := time.ParseDuration(c.Node.DrainTimeout); err != nil {
		return fmt.Errorf("invalid node.drain_timeout %q: %w", c.Node.DrainTimeout, err)
	}
	if _, err := time.ParseDuration(c.Optimizer.Interval); err != nil {
		return fmt.Errorf("invalid optimizer.interval %q: %w", c.Optimizer.Interval, err)
	}
	if _, err := time.ParseDuration(c.Fault.WindowSize); err != nil {
		return fmt.Errorf("invalid fault.window_size %q: %w", c.Fault.WindowSize, err)
	}
	if _, err := time.ParseDuration(c.Fault.SweepInterval); err != nil {
		return fmt.Errorf("invalid fault.sweep_interval %q: %w", c.Fault.SweepInterval, err)
	}

	if c.Optimizer.StabilityThreshold < 0 {
		return fmt.Errorf("optimizer.stability_threshold must not be negative, got %v", c.Optimizer.StabilityThreshold)
	}
	if c.Optimizer.MaxCompositionSize <= 0 {
		return fmt.Errorf("optimizer.max_composition_size must be positive, got %d", c.Optimizer.MaxCompositionSize)
	}
	if c.Optimizer.MaxRounds <= 0 {
		return fmt.Errorf("optimizer.max_rounds must be positive, got %d", c.Optimizer.MaxRounds)
	}
	if c.Fault.FailureThreshold <= 0 {
		return fmt.Errorf("fault.failure_threshold must be positive, got %d", c.Fault.FailureThreshold)
	}

	for i, spec := range c.Reactor.Nodes {
		if !isValidSpecialization(spec.Specialization) {
			return fmt.Errorf("invalid reactor.nodes[%d].specialization: %s (valid: %v)",
				i, spec.Specialization, ValidSpecializations)
		}
		if spec.Capacity <= 0 {
			return fmt.Errorf("reactor.nodes[%d].capacity must be positive, got %v", i, spec.Capacity)
		}
		if spec.Count <= 0 {
			return fmt.Errorf("reactor.nodes[%d].count must be positive, got %d", i, spec.Count)
		}
	}

	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid logging.level: %s (valid: %v)", c.Logging.Level, ValidLogLevels)
	}

	return nil
}

func isValidSpecialization(s string) bool {
	for _, v := range ValidSpecializations {
		if s == v {
			return true
		}
	}
	return false
}

func isValidLogLevel(level string) bool {
	for _, v := range ValidLogLevels {
		if level == v {
			return true
		}
	}
	return false
}
