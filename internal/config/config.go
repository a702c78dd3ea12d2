package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zde37/chordsim/internal/chord"
	"github.com/zde37/chordsim/internal/keyspace"
)

// Mode is the failure-injection policy as written in parameter files and flags.
type Mode string

const (
	ModeDisaster = Mode(chord.ModeDisaster)
	ModeChurn    = Mode(chord.ModeChurn)
)

// ParseMode accepts the mode names case-insensitively ("Disaster", "churn", ...).
func ParseMode(s string) (Mode, error) {
	parsed, err := chord.ParseMode(s)
	if err != nil {
		return "", err
	}
	return Mode(parsed), nil
}

// ChordMode converts to the protocol engine's mode type.
func (m Mode) ChordMode() chord.Mode {
	return chord.Mode(m)
}

// UnmarshalYAML lets parameter files spell the mode in any case.
func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Config holds all parameters of a simulation run.
// YAML keys follow the parameter names used by the experiment files.
type Config struct {
	// Chord parameters
	M                 int `yaml:"keys_exponent"`    // Identifier space size in bits
	Nodes             int `yaml:"nodes"`            // Initial ring population
	SuccessorListSize int `yaml:"successor_length"` // Backup successors kept per node

	// Experiment
	Rounds     int     `yaml:"rounds"`
	FailProb   float64 `yaml:"fail_prob"` // Fraction failed in disaster mode
	Mode       Mode    `yaml:"type"`
	ChurnCount int     `yaml:"join-fail"` // Nodes replaced per round in churn mode
	Seed       uint64  `yaml:"seed"`
	Batch      bool    `yaml:"batch"` // Nodes is an exponent e: N = 2^e, M = e + 7

	// Execution
	Workers int `yaml:"workers"` // 0 runs each phase sequentially in shuffled order

	// Reporting
	HTTPPort int `yaml:"http_port"` // 0 disables the live API

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogFile   string `yaml:"log_file"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		M:                 10,
		Nodes:             64,
		SuccessorListSize: 3,
		Rounds:            50,
		FailProb:          0.2,
		Mode:              ModeDisaster,
		ChurnCount:        2,
		Seed:              1,
		LogLevel:          "info",
		LogFormat:         "console",
	}
}

// Load reads a YAML parameter file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyBatch rewrites Nodes and M for batch sweeps, where the configured
// node count is an exponent. It is a no-op unless Batch is set.
func (c *Config) ApplyBatch() error {
	if !c.Batch {
		return nil
	}
	e := c.Nodes
	if e < 0 || e+7 > keyspace.MaxBits {
		return fmt.Errorf("batch exponent must be between 0 and %d, got %d", keyspace.MaxBits-7, e)
	}
	c.M = e + 7
	c.Nodes = 1 << uint(e)
	c.Batch = false
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.M <= 0 || c.M > keyspace.MaxBits {
		return fmt.Errorf("M must be between 1 and %d, got %d", keyspace.MaxBits, c.M)
	}
	if c.Nodes <= 0 {
		return fmt.Errorf("nodes must be positive, got %d", c.Nodes)
	}
	if uint64(c.Nodes) > uint64(1)<<uint(c.M) {
		return fmt.Errorf("cannot place %d nodes on a ring of 2^%d ids", c.Nodes, c.M)
	}
	if c.SuccessorListSize <= 0 {
		return fmt.Errorf("successor list size must be positive, got %d", c.SuccessorListSize)
	}
	if c.Rounds < 0 {
		return fmt.Errorf("rounds cannot be negative, got %d", c.Rounds)
	}
	if c.FailProb < 0 || c.FailProb > 1 {
		return fmt.Errorf("fail probability must be within [0, 1], got %v", c.FailProb)
	}
	mode, err := ParseMode(string(c.Mode))
	if err != nil {
		return err
	}
	c.Mode = mode
	if c.ChurnCount < 0 {
		return fmt.Errorf("churn count cannot be negative, got %d", c.ChurnCount)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", c.Workers)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	return nil
}
