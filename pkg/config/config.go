package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the worker agent configuration, loaded from a YAML file with
// optional flag overrides applied by the CLI.
type Config struct {
	// ControllerURL is the base URL of the farm controller.
	ControllerURL string `yaml:"controller_url"`

	// DeviceName identifies this machine in the controller dashboard.
	// Defaults to the hostname.
	DeviceName string `yaml:"device_name"`

	// APIKey authenticates registration with the controller.
	APIKey string `yaml:"api_key"`

	// DataDir holds the identity database, pidfile, and per-build temp dirs.
	DataDir string `yaml:"data_dir"`

	// MaxConcurrentBuilds caps how many builds run at once.
	MaxConcurrentBuilds int `yaml:"max_concurrent_builds"`

	// PollInterval is the delay between job polls when idle.
	PollInterval time.Duration `yaml:"poll_interval"`

	// BuildTimeout is the wall-clock limit for one build.
	BuildTimeout time.Duration `yaml:"build_timeout"`

	// VMTemplate is the default base image for build VMs. A job may override
	// it with its own base image ID.
	VMTemplate string `yaml:"vm_template"`

	// CleanupAfterBuild deletes the cloned VM after each build. Disabling it
	// leaves the VM for reuse: faster cold starts, at the cost of state
	// leakage between builds.
	CleanupAfterBuild bool `yaml:"cleanup_after_build"`

	// MetricsAddr exposes Prometheus metrics when non-empty,
	// e.g. "127.0.0.1:9109".
	MetricsAddr string `yaml:"metrics_addr"`

	// Platforms this worker advertises to the controller.
	Platforms []string `yaml:"platforms"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogJSON switches from console to JSON log output.
	LogJSON bool `yaml:"log_json"`
}

// Default values applied by Load when the file omits a field.
const (
	DefaultMaxConcurrentBuilds = 1
	DefaultPollInterval        = 10 * time.Second
	DefaultBuildTimeout        = 2 * time.Hour
	DefaultLogLevel            = "info"
)

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "anvil.yaml"
	}
	return filepath.Join(home, ".anvil", "anvil.yaml")
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DeviceName == "" {
		if hostname, err := os.Hostname(); err == nil {
			c.DeviceName = hostname
		}
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".anvil")
		} else {
			c.DataDir = ".anvil"
		}
	}
	if c.MaxConcurrentBuilds <= 0 {
		c.MaxConcurrentBuilds = DefaultMaxConcurrentBuilds
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks that required fields are present and sane.
func (c *Config) Validate() error {
	if c.ControllerURL == "" {
		return fmt.Errorf("controller_url is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if c.VMTemplate == "" {
		return fmt.Errorf("vm_template is required")
	}
	if c.DeviceName == "" {
		return fmt.Errorf("device_name is required and hostname detection failed")
	}
	return nil
}

// PidfilePath is where the start command records its process ID.
func (c *Config) PidfilePath() string {
	return filepath.Join(c.DataDir, "anvil.pid")
}
