// Package config handles loading and validating runbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for runbox.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.runbox/data. Override: RUNBOX_DATA_DIR env var.
	Sandbox       SandboxConfig         `json:"sandbox" yaml:"sandbox"`
	Safety        SafetyConfig          `json:"safety" yaml:"safety"`
	Shell         ShellConfig           `json:"shell" yaml:"shell"`
	Output        OutputConfig          `json:"output" yaml:"output"`
	State         *StateConfig          `json:"state,omitempty" yaml:"state,omitempty"`                 // nil = file store under DataDir
	HTTP          *HTTPConfig           `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = HTTP gateway disabled
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Audit         *AuditConfig          `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit log disabled
}

// SandboxConfig selects and tunes the execution backend.
type SandboxConfig struct {
	Backend        string            `json:"backend,omitempty" yaml:"backend,omitempty"` // "seatbelt", "docker", "remote", or "auto" (default).
	PythonBin      string            `json:"python_bin,omitempty" yaml:"python_bin,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	AllowNetwork   bool              `json:"allow_network,omitempty" yaml:"allow_network,omitempty"`
	MaxMemoryMB    int               `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	MaxCPUSeconds  int               `json:"max_cpu_seconds,omitempty" yaml:"max_cpu_seconds,omitempty"`
	CPUCores       float64           `json:"cpu_cores,omitempty" yaml:"cpu_cores,omitempty"`
	PIDsLimit      int               `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// SetupCode runs as a trusted submission before each session's first
	// real submission. Framework scaffolding only.
	SetupCode string `json:"setup_code,omitempty" yaml:"setup_code,omitempty"`

	Docker *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"`
	Remote *RemoteConfig `json:"remote,omitempty" yaml:"remote,omitempty"`

	// Seatbelt-only filesystem allowances.
	AdditionalReadDirs  []string `json:"additional_read_dirs,omitempty" yaml:"additional_read_dirs,omitempty"`
	AdditionalWriteDirs []string `json:"additional_write_dirs,omitempty" yaml:"additional_write_dirs,omitempty"`
}

// BackendName returns the configured backend, defaulting to "auto".
func (s *SandboxConfig) BackendName() string {
	if s.Backend == "" {
		return "auto"
	}
	return s.Backend
}

// Timeout returns the per-execution wall-clock timeout.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// DockerConfig holds container-backend settings.
type DockerConfig struct {
	Image string `json:"image,omitempty" yaml:"image,omitempty"` // Default: python:3.12-slim.
}

// RemoteConfig holds remote-backend settings.
type RemoteConfig struct {
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	APIKey    string            `json:"api_key,omitempty" yaml:"api_key,omitempty"` // Override: RUNBOX_REMOTE_API_KEY env var.
	Packages  []string          `json:"packages,omitempty" yaml:"packages,omitempty"`
	Secrets   map[string]string `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	SetupCode string            `json:"setup_code,omitempty" yaml:"setup_code,omitempty"`
}

// SafetyConfig tunes the static analysis applied to guest code.
type SafetyConfig struct {
	AuthorizedImports   []string `json:"authorized_imports,omitempty" yaml:"authorized_imports,omitempty"`
	AuthorizedFunctions []string `json:"authorized_functions,omitempty" yaml:"authorized_functions,omitempty"`
	CheckObfuscation    bool     `json:"check_obfuscation,omitempty" yaml:"check_obfuscation,omitempty"`
}

// ShellConfig tunes the shell command guard.
type ShellConfig struct {
	AdditionalSafeCommands  []string `json:"additional_safe_commands,omitempty" yaml:"additional_safe_commands,omitempty"`
	AdditionalSafeOperators []string `json:"additional_safe_operators,omitempty" yaml:"additional_safe_operators,omitempty"`
	Bypass                  bool     `json:"bypass,omitempty" yaml:"bypass,omitempty"`
}

// OutputConfig tunes result truncation.
type OutputConfig struct {
	MaxLines       int    `json:"max_lines,omitempty" yaml:"max_lines,omitempty"`
	MaxBytes       int    `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
	NoticeTemplate string `json:"notice_template,omitempty" yaml:"notice_template,omitempty"`
}

// StateConfig selects the snapshot store.
type StateConfig struct {
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // "file" (default) or "sqlite".
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`     // Store directory or database file.
}

// StateDriver returns the configured driver, defaulting to "file".
func (s *StateConfig) StateDriver() string {
	if s == nil || s.Driver == "" {
		return "file"
	}
	return s.Driver
}

// HTTPConfig configures the HTTP gateway.
type HTTPConfig struct {
	Addr       string `json:"addr,omitempty" yaml:"addr,omitempty"`               // Default: ":8080".
	APIKey     string `json:"api_key,omitempty" yaml:"api_key,omitempty"`         // Bearer token. Override: RUNBOX_API_KEY env var.
	EnableDocs bool   `json:"enable_docs,omitempty" yaml:"enable_docs,omitempty"` // Serve OpenAPI docs.

	RequestsPerMinute int `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"` // 0 = unlimited.
	BurstSize         int `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`
}

// ListenAddr returns the bind address, defaulting to ":8080".
func (h *HTTPConfig) ListenAddr() string {
	if h == nil || h.Addr == "" {
		return ":8080"
	}
	return h.Addr
}

// ObservabilityConfig groups the optional observability features.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig enables the Prometheus registry and /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// TracingConfig configures the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Endpoint    string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Protocol    string  `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure,omitempty" yaml:"insecure,omitempty"`
	SampleRate  float64 `json:"sample_rate,omitempty" yaml:"sample_rate,omitempty"`
}

// AuditConfig enables the append-only submission audit log.
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/audit.jsonl.
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold,omitempty" yaml:"error_rate_threshold,omitempty"`
	RejectionThreshold int     `json:"rejection_threshold,omitempty" yaml:"rejection_threshold,omitempty"`
	WindowSeconds      int     `json:"window_seconds,omitempty" yaml:"window_seconds,omitempty"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".runbox", "config.yaml")
}

// Default returns a Config with all defaults applied, usable without a
// config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.resolveDataDir()
	return cfg
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.resolveDataDir()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variables on top of file values.
func (c *Config) applyEnvOverrides() {
	if envDD := os.Getenv("RUNBOX_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envBackend := os.Getenv("RUNBOX_BACKEND"); envBackend != "" {
		c.Sandbox.Backend = envBackend
	}
	if envKey := os.Getenv("RUNBOX_API_KEY"); envKey != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.APIKey = envKey
	}
	if envKey := os.Getenv("RUNBOX_REMOTE_API_KEY"); envKey != "" {
		if c.Sandbox.Remote == nil {
			c.Sandbox.Remote = &RemoteConfig{}
		}
		c.Sandbox.Remote.APIKey = envKey
	}
	if envURL := os.Getenv("RUNBOX_REMOTE_URL"); envURL != "" {
		if c.Sandbox.Remote == nil {
			c.Sandbox.Remote = &RemoteConfig{}
		}
		c.Sandbox.Remote.BaseURL = envURL
	}
}

func (c *Config) resolveDataDir() {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".runbox", "data")
		}
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// validate checks cross-field constraints that unmarshalling cannot.
func (c *Config) validate() error {
	switch c.Sandbox.BackendName() {
	case "auto", "seatbelt", "docker", "remote":
	default:
		return fmt.Errorf("unknown sandbox backend %q", c.Sandbox.Backend)
	}
	if c.Sandbox.BackendName() == "remote" {
		if c.Sandbox.Remote == nil || c.Sandbox.Remote.BaseURL == "" {
			return fmt.Errorf("remote backend requires sandbox.remote.base_url")
		}
	}
	if s := c.State; s != nil {
		switch s.StateDriver() {
		case "file", "sqlite":
		default:
			return fmt.Errorf("unknown state driver %q", s.Driver)
		}
	}
	if o := c.Output; o.MaxBytes < 0 || o.MaxLines < 0 {
		return fmt.Errorf("output limits must be non-negative")
	}
	return nil
}

// AuditLogPath returns the audit log location, derived from DataDir
// when not set explicitly.
func (c *Config) AuditLogPath() string {
	if c.Audit != nil && c.Audit.Path != "" {
		return c.Audit.Path
	}
	return filepath.Join(c.DataDir, "audit.jsonl")
}

// StatePath returns the snapshot store location, derived from DataDir
// when not set explicitly.
func (c *Config) StatePath() string {
	if c.State != nil && c.State.Path != "" {
		return c.State.Path
	}
	if c.State.StateDriver() == "sqlite" {
		return filepath.Join(c.DataDir, "state.db")
	}
	return filepath.Join(c.DataDir, "state")
}
