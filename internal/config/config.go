// Package config loads the engine's YAML configuration file, with
// ${VAR} / ${VAR:-default} environment-variable interpolation applied
// before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's top-level configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Capture CaptureConfig `yaml:"capture"`
	Meter   MeterConfig   `yaml:"meter"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// EngineConfig holds the worker pool sizing and timeout knobs of spec §5.
type EngineConfig struct {
	WorkerCount   int           `yaml:"worker_count"`
	ConnTimeout   time.Duration `yaml:"conn_timeout"`
	ExpiryDelay   time.Duration `yaml:"expiry_delay"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	InitialWait   time.Duration `yaml:"initial_wait"`
	InterruptPoll time.Duration `yaml:"interrupt_poll"`
}

// CaptureConfig selects the packet source.
type CaptureConfig struct {
	URI    string `yaml:"uri"`
	Filter string `yaml:"filter"`
}

// MeterConfig configures the optional external flow-meter subprocess and
// its IPFIX-style TCP ingress (spec §6).
type MeterConfig struct {
	Command    []string `yaml:"command"`
	ListenAddr string   `yaml:"listen_addr"`
	WorkDir    string   `yaml:"work_dir"`
}

// MetricsConfig configures the Prometheus metrics listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads, interpolates, parses, defaults, and validates the engine
// config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR} and ${VAR:-default} with the
// environment, leaving unresolvable references untouched.
func substituteEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		name, def := parts[1], parts[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		if def != "" {
			return def
		}
		return match
	})
}

func (c *Config) applyDefaults() {
	if c.Engine.WorkerCount == 0 {
		c.Engine.WorkerCount = 4
	}
	if c.Engine.ConnTimeout == 0 {
		c.Engine.ConnTimeout = 10 * time.Second
	}
	if c.Engine.ExpiryDelay == 0 {
		c.Engine.ExpiryDelay = 5 * time.Second
	}
	if c.Engine.IdleTimeout == 0 {
		c.Engine.IdleTimeout = 30 * time.Second
	}
	if c.Engine.InitialWait == 0 {
		c.Engine.InitialWait = 3 * time.Second
	}
	if c.Engine.InterruptPoll == 0 {
		c.Engine.InterruptPoll = 5 * time.Second
	}
	if c.Meter.ListenAddr == "" {
		c.Meter.ListenAddr = ":4739"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
}

func (c *Config) validate() error {
	var problems []string

	if c.Engine.WorkerCount < 1 {
		problems = append(problems, "engine.worker_count must be at least 1")
	}
	// capture.uri selects the in-process packet Observer; leaving it empty
	// is valid and means the engine reads flows from the meter's TCP
	// ingress instead (spec.md §2, "interchangeable with Observer").

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
