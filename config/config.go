// Package config loads the nvmeperf configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/srilakshmi/nvmedirect/emulator"
	"github.com/srilakshmi/nvmedirect/nvmedrv"
)

// Engine names accepted in the engine field.
const (
	EngineEmulator = "emulator"
	EngineSPDK     = "spdk"
)

// Config is the root configuration of the benchmark tool.
type Config struct {
	Engine    string             `yaml:"engine"`
	Env       nvmedrv.EnvOptions `yaml:"env"`
	Transport string             `yaml:"transport"`
	Workload  WorkloadConfig     `yaml:"workload"`
	Emulator  EmulatorConfig     `yaml:"emulator"`
	Logging   LoggingConfig      `yaml:"logging"`
	Status    StatusConfig       `yaml:"status"`
}

// WorkloadConfig describes the write/read-back benchmark.
type WorkloadConfig struct {
	// IOSize is the transfer size of each command in bytes.
	IOSize int `yaml:"io_size"`
	// QueueDepth is the number of commands each worker keeps in flight.
	QueueDepth int `yaml:"queue_depth"`
	// Workers is the number of queue pairs per controller.
	Workers    int           `yaml:"workers"`
	Duration   time.Duration `yaml:"duration"`
	Iterations int           `yaml:"iterations"`
	Verify     bool          `yaml:"verify"`
	Priority   string        `yaml:"priority"`
	FUA        bool          `yaml:"fua"`
}

// EmulatorConfig lists the devices the emulator engine exposes.
type EmulatorConfig struct {
	Devices []emulator.DeviceConfig `yaml:"devices"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// StatusConfig configures the HTTP status endpoint. Empty Addr disables it.
type StatusConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. Values are layered defaults, then file, then NVMEDIRECT_*
// variables, and the result is validated.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the validated defaults with environment overrides, for
// running without a file.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Engine: EngineEmulator,
		Env:    nvmedrv.DefaultEnvOptions(),
		Workload: WorkloadConfig{
			IOSize:     8 << 20,
			QueueDepth: 1,
			Workers:    1,
			Iterations: 1,
			Verify:     true,
			Priority:   nvmedrv.PriorityUrgent.String(),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NVMEDIRECT_ENGINE"); v != "" {
		cfg.Engine = v
	}
	if v := os.Getenv("NVMEDIRECT_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("NVMEDIRECT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("NVMEDIRECT_STATUS_ADDR"); v != "" {
		cfg.Status.Addr = v
	}
	if v := os.Getenv("NVMEDIRECT_MEM_SIZE_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Env.MemSizeMB = n
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Engine {
	case EngineEmulator, EngineSPDK:
	default:
		errs = append(errs, fmt.Sprintf("engine must be %q or %q", EngineEmulator, EngineSPDK))
	}

	if err := c.Env.Validate(); err != nil {
		errs = append(errs, "env: "+err.Error())
	}

	if c.Transport != "" {
		if _, err := nvmedrv.ParseTransportID(c.Transport); err != nil {
			errs = append(errs, "transport: "+err.Error())
		}
	}

	w := c.Workload
	if w.IOSize <= 0 {
		errs = append(errs, "workload.io_size must be positive")
	}
	if w.QueueDepth <= 0 {
		errs = append(errs, "workload.queue_depth must be positive")
	}
	if w.Workers <= 0 {
		errs = append(errs, "workload.workers must be positive")
	}
	if w.Duration < 0 || w.Iterations < 0 {
		errs = append(errs, "workload.duration and workload.iterations must not be negative")
	}
	if w.Duration == 0 && w.Iterations == 0 {
		errs = append(errs, "one of workload.duration or workload.iterations is required")
	}
	if _, err := nvmedrv.ParseQueuePriority(w.Priority); err != nil {
		errs = append(errs, "workload.priority: "+err.Error())
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be debug, info, warn or error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// QueuePriority returns the parsed workload priority.
func (c *Config) QueuePriority() nvmedrv.QueuePriority {
	p, _ := nvmedrv.ParseQueuePriority(c.Workload.Priority)
	return p
}

// TransportID returns the parsed transport, or nil for all local PCIe
// controllers.
func (c *Config) TransportID() *nvmedrv.TransportID {
	if c.Transport == "" {
		return nil
	}
	trid, _ := nvmedrv.ParseTransportID(c.Transport)
	return trid
}
