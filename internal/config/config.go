package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"sandbox-invoker/internal/sandbox"
)

// Config holds all application configuration.
type Config struct {
	Invoker  InvokerConfig  `yaml:"invoker"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

type InvokerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	PollJitter   time.Duration `yaml:"poll_jitter"`
	LeasePing    time.Duration `yaml:"lease_ping"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

type SandboxConfig struct {
	CgroupParent       string        `yaml:"cgroup_parent"`
	WorkRoot           string        `yaml:"work_root"`
	TemplateDir        string        `yaml:"template_dir"`
	ScratchMode        string        `yaml:"scratch_mode"` // "overlay" (default) or "copy"
	SubordinateUIDBase uint32        `yaml:"subordinate_uid_base"`
	SubordinateGIDBase uint32        `yaml:"subordinate_gid_base"`
	SubordinateCount   int           `yaml:"subordinate_count"`
	SeparateCompileEnv bool          `yaml:"separate_compile_env"`
	CaptureBytes       int64         `yaml:"capture_bytes"`
	TeardownRetries    int           `yaml:"teardown_retries"`
	TeardownInterval   time.Duration `yaml:"teardown_interval"`
	DefaultLimits      DefaultLimits `yaml:"default_limits"`
}

type DefaultLimits struct {
	CPUTime      time.Duration `yaml:"cpu_time"`
	WallTime     time.Duration `yaml:"wall_time"`
	MemoryMB     int64         `yaml:"memory_mb"`
	MaxProcesses int64         `yaml:"max_processes"`
	MaxOpenFiles int64         `yaml:"max_open_files"`
	MaxOutputKB  int64         `yaml:"max_output_kb"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ResultBuffer    int           `yaml:"result_buffer"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Invoker: InvokerConfig{
			Workers:      4,
			PollInterval: 800 * time.Millisecond,
			PollJitter:   400 * time.Millisecond,
			LeasePing:    15 * time.Second,
			LeaseTTL:     2 * time.Minute,
		},
		Sandbox: SandboxConfig{
			CgroupParent:       "/sys/fs/cgroup/invoker.slice",
			WorkRoot:           "/var/lib/invoker/work",
			TemplateDir:        "/var/lib/invoker/rootfs",
			ScratchMode:        "overlay",
			SubordinateUIDBase: 100000,
			SubordinateGIDBase: 100000,
			SubordinateCount:   64,
			CaptureBytes:       64 << 10,
			TeardownRetries:    50,
			TeardownInterval:   20 * time.Millisecond,
			DefaultLimits: DefaultLimits{
				CPUTime:      time.Second,
				WallTime:     2 * time.Second,
				MemoryMB:     256,
				MaxProcesses: 50,
				MaxOpenFiles: 256,
				MaxOutputKB:  1024,
			},
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
			ResultBuffer:    10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "0.0.0.0:9090",
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Invoker.Workers < 1 {
		return fmt.Errorf("invoker.workers must be >= 1")
	}
	if c.Invoker.LeaseTTL <= c.Invoker.LeasePing {
		return fmt.Errorf("invoker.lease_ttl (%s) must be > lease_ping (%s)",
			c.Invoker.LeaseTTL, c.Invoker.LeasePing)
	}
	if !filepath.IsAbs(c.Sandbox.CgroupParent) {
		return fmt.Errorf("sandbox.cgroup_parent: %q must be an absolute path", c.Sandbox.CgroupParent)
	}
	if !filepath.IsAbs(c.Sandbox.WorkRoot) {
		return fmt.Errorf("sandbox.work_root: %q must be an absolute path", c.Sandbox.WorkRoot)
	}
	switch c.Sandbox.ScratchMode {
	case "overlay", "copy":
	default:
		return fmt.Errorf("sandbox.scratch_mode must be \"overlay\" or \"copy\", got %q", c.Sandbox.ScratchMode)
	}
	if c.Sandbox.SubordinateUIDBase == 0 || c.Sandbox.SubordinateGIDBase == 0 {
		return fmt.Errorf("sandbox.subordinate_uid_base and subordinate_gid_base must be non-zero")
	}
	if c.Sandbox.SubordinateCount < c.Invoker.Workers {
		return fmt.Errorf("sandbox.subordinate_count (%d) must be >= invoker.workers (%d)",
			c.Sandbox.SubordinateCount, c.Invoker.Workers)
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 16 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 16")
	}
	if err := c.Limits().Validate(); err != nil {
		return fmt.Errorf("sandbox.default_limits: %w", err)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Limits converts the configured defaults to runtime resource limits.
func (c *Config) Limits() sandbox.ResourceLimits {
	return sandbox.ResourceLimits{
		CPUTime:       c.Sandbox.DefaultLimits.CPUTime,
		WallTime:      c.Sandbox.DefaultLimits.WallTime,
		Memory:        c.Sandbox.DefaultLimits.MemoryMB << 20,
		MaxProcesses:  c.Sandbox.DefaultLimits.MaxProcesses,
		MaxOpenFiles:  c.Sandbox.DefaultLimits.MaxOpenFiles,
		MaxOutputSize: c.Sandbox.DefaultLimits.MaxOutputKB << 10,
	}
}
