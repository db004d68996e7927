// Package config loads the dnc-service configuration.
//
// Values come from three layers, later ones winning: built-in defaults, an
// optional YAML file named by --config or DNC_CONFIG, and environment
// variables. A .env file in the working directory is loaded into the
// environment first; variables already set are not replaced.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/publish"
)

// Runner kinds.
const (
	RunnerInProcess = "inprocess"
	RunnerProcess   = "process"
)

// Config is the service configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`
	Listen   string `yaml:"listen"`

	MachineID   string        `yaml:"machine_id"`
	ProgramDir  string        `yaml:"program_dir"`
	LockDir     string        `yaml:"lock_dir"`
	GracePeriod time.Duration `yaml:"grace_period"`

	Sender SenderConfig `yaml:"sender"`
	Bus    BusConfig    `yaml:"bus"`
}

// SenderConfig selects how transfers run.
type SenderConfig struct {
	// Runner is "inprocess" or "process".
	Runner string `yaml:"runner"`
	// Executable is the dnc-sender binary used by the process runner.
	Executable string `yaml:"executable"`
}

// BusConfig configures the progress publisher. An empty URL disables it.
type BusConfig struct {
	URL      string  `yaml:"url"`
	Stream   string  `yaml:"stream"`
	Encoding string  `yaml:"encoding"`
	AckRate  float64 `yaml:"ack_rate"`
	AckBurst int     `yaml:"ack_burst"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogLevel:    "info",
		Listen:      ":8080",
		MachineID:   dnc.DefaultMachineID,
		ProgramDir:  dnc.DefaultProgramDir,
		GracePeriod: dnc.DefaultGracePeriod,
		Sender: SenderConfig{
			Runner:     RunnerInProcess,
			Executable: "dnc-sender",
		},
		Bus: BusConfig{
			Stream:   publish.DefaultStream,
			Encoding: string(publish.EncodingJSON),
			AckRate:  publish.DefaultAckRate,
			AckBurst: publish.DefaultAckBurst,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// DNC_CONFIG names the file, if set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := Default()

	if path == "" {
		path = os.Getenv("DNC_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	return nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.LogLevel, "LOG_LEVEL")
	setFromEnv(&c.Listen, "DNC_LISTEN")
	setFromEnv(&c.MachineID, "MACHINE_ID")
	setFromEnv(&c.ProgramDir, "DNC_PROGRAM_DIR")
	setFromEnv(&c.LockDir, "DNC_LOCK_DIR")
	setFromEnv(&c.Bus.URL, "DNC_BUS_URL")
	setFromEnv(&c.Bus.Stream, "DNC_BUS_STREAM")

	// naming a sender executable selects the process runner
	if exe := os.Getenv("DNC_SENDER"); exe != "" {
		c.Sender.Executable = exe
		c.Sender.Runner = RunnerProcess
	}
}

func setFromEnv(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Listen == "" {
		return errors.New("config: listen address must not be empty")
	}
	if c.ProgramDir == "" {
		return errors.New("config: program_dir must not be empty")
	}
	if c.MachineID == "" {
		return errors.New("config: machine_id must not be empty")
	}
	if c.GracePeriod < 0 || c.GracePeriod > time.Minute {
		return errors.New("config: grace_period out of range [0, 1m]")
	}

	switch c.Sender.Runner {
	case RunnerInProcess:
	case RunnerProcess:
		if c.Sender.Executable == "" {
			return errors.New("config: sender.executable must be set for the process runner")
		}
	default:
		return fmt.Errorf("config: unknown sender.runner %q", c.Sender.Runner)
	}

	if _, err := publish.ParseEncoding(c.Bus.Encoding); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Bus.AckRate < 0 || c.Bus.AckBurst < 1 {
		return errors.New("config: bus.ack_rate must be >= 0 and bus.ack_burst >= 1")
	}

	return nil
}
