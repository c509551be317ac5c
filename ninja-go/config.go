package ninja_go

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigFile  = ".ninja.yaml"
	defaultHistoryPath = ".ninja_history.db"
	defaultRetention   = 30 * 24 * time.Hour
)

// Config is the optional .ninja.yaml file. Flags override it.
type Config struct {
	Build   BuildSection   `yaml:"build"`
	Log     LogSection     `yaml:"log"`
	History HistorySection `yaml:"history"`
}

// BuildSection mirrors the build flags.
type BuildSection struct {
	Jobs         int     `yaml:"jobs"`
	KeepGoing    *int    `yaml:"keep_going"`
	MaxLoad      float64 `yaml:"max_load"`
	MaxMemory    float64 `yaml:"max_memory"`
	SyncLogs     *bool   `yaml:"sync_logs"`
	StatusFormat string  `yaml:"status_format"`
}

// LogSection configures the diagnostics logger.
type LogSection struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HistorySection configures the build-history store.
type HistorySection struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig is used when there is no config file.
func DefaultConfig() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// ConfigPath picks the config file: the -c flag, then $NINJA_CONFIG, then
// .ninja.yaml if it exists. required reports whether a missing file is an
// error.
func ConfigPath(flag string) (path string, required bool) {
	if flag != "" {
		return flag, true
	}
	if env := os.Getenv("NINJA_CONFIG"); env != "" {
		return env, true
	}
	return defaultConfigFile, false
}

// LoadConfig reads and validates a config file. A missing optional file
// yields the defaults.
func LoadConfig(path string, required bool) (*Config, error) {
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) expandEnv() {
	c.Build.StatusFormat = os.ExpandEnv(c.Build.StatusFormat)
	c.Log.Level = os.ExpandEnv(c.Log.Level)
	c.Log.Format = os.ExpandEnv(c.Log.Format)
	c.History.Path = os.ExpandEnv(c.History.Path)
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "warn"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.History.Path == "" {
		c.History.Path = defaultHistoryPath
	}
	if c.History.Retention == 0 {
		c.History.Retention = defaultRetention
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Build.Jobs < 0 {
		return fmt.Errorf("build.jobs must not be negative: %d", c.Build.Jobs)
	}
	if c.Build.KeepGoing != nil && *c.Build.KeepGoing < 0 {
		return fmt.Errorf("build.keep_going must not be negative: %d", *c.Build.KeepGoing)
	}
	if c.Build.MaxLoad < 0 {
		return fmt.Errorf("build.max_load must not be negative: %g", c.Build.MaxLoad)
	}
	if c.Build.MaxMemory != 0 && (c.Build.MaxMemory <= 0 || c.Build.MaxMemory > 1) {
		return fmt.Errorf("build.max_memory must be a fraction in (0,1]: %g", c.Build.MaxMemory)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn or error)", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative: %s", c.History.Retention)
	}
	return nil
}

// SyncLogs reports whether log records are fsynced; on unless disabled.
func (c *Config) SyncLogs() bool {
	return c.Build.SyncLogs == nil || *c.Build.SyncLogs
}

// ApplyTo copies the build section into config. Flags are applied
// afterwards and win.
func (c *Config) ApplyTo(config *BuildConfig) {
	if c.Build.Jobs > 0 {
		config.Parallelism = c.Build.Jobs
	}
	if c.Build.KeepGoing != nil {
		config.FailuresAllowed = keepGoingValue(*c.Build.KeepGoing)
	}
	if c.Build.MaxLoad > 0 {
		config.MaxLoadAverage = c.Build.MaxLoad
	}
	if c.Build.MaxMemory > 0 {
		config.MaxMemoryUsage = c.Build.MaxMemory
	}
	if c.Build.StatusFormat != "" {
		config.StatusFormat = c.Build.StatusFormat
	}
}

// keepGoingValue maps "0 means unlimited" onto a failure allowance.
func keepGoingValue(n int) int {
	if n <= 0 {
		return int(^uint(0) >> 1)
	}
	return n
}
