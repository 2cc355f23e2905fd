// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agent-runtime/pkg/artifacts"
	"agent-runtime/pkg/opencode"
)

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	SessionsRoot    string `yaml:"sessions_root"`
	ToolStorageRoot string `yaml:"tool_storage_root"`
}

// ToolConfig describes the external agent CLI.
type ToolConfig struct {
	Executable  string `yaml:"executable"`
	Provider    string `yaml:"provider"`
	Model       string `yaml:"model"`
	ConfigPath  string `yaml:"config_path"`
	PromptsPath string `yaml:"prompts_path"`
	CustomAgent string `yaml:"custom_agent"`
}

// SupervisorConfig bounds each agent process. Durations use Go syntax
// ("90m", "3h").
type SupervisorConfig struct {
	Timeout     string `yaml:"timeout"`
	GracePeriod string `yaml:"grace_period"`
	Sentinel    string `yaml:"sentinel"`
}

// LoggerConfig selects level and output format.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// ArchiveConfig enables the Postgres event archive when DatabaseURL is set.
type ArchiveConfig struct {
	DatabaseURL string `yaml:"database_url"`
	QueueSize   int    `yaml:"queue_size"`
}

// ArtifactsConfig configures S3-compatible uploads. SAS uploads need no
// settings.
type ArtifactsConfig struct {
	Minio artifacts.MinioConfig `yaml:"minio"`
}

// Config is the full runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Paths      PathsConfig      `yaml:"paths"`
	Tool       ToolConfig       `yaml:"tool"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Logger     LoggerConfig     `yaml:"logger"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 5001, CORSOrigins: []string{"*"}},
		Paths: PathsConfig{
			SessionsRoot:    "./sessions",
			ToolStorageRoot: opencode.DefaultStorageRoot(),
		},
		Tool: ToolConfig{
			Executable:  "opencode",
			Provider:    "github-copilot",
			Model:       "claude-sonnet-4",
			ConfigPath:  "./config/opencode.json",
			PromptsPath: "./config/.opencode",
			CustomAgent: "build",
		},
		Supervisor: SupervisorConfig{Timeout: "3h", GracePeriod: "5s", Sentinel: "session.idle"},
		Logger:     LoggerConfig{Level: "info", Format: "json"},
		Archive:    ArchiveConfig{QueueSize: 1024},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. A variable that is set
// but empty clears string settings, which disables the sentinel for
// TASK_SENTINEL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("HOST", &c.Server.Host)
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}

	str("SESSION_ROOT", &c.Paths.SessionsRoot)
	str("OPENCODE_STORAGE", &c.Paths.ToolStorageRoot)

	str("OPENCODE_PATH", &c.Tool.Executable)
	str("OPENCODE_PROVIDER", &c.Tool.Provider)
	str("OPENCODE_MODEL", &c.Tool.Model)
	str("OPENCODE_CONFIG_PATH", &c.Tool.ConfigPath)
	str("OPENCODE_PROMPTS_PATH", &c.Tool.PromptsPath)
	str("OPENCODE_CUSTOM_AGENT", &c.Tool.CustomAgent)

	str("TASK_TIMEOUT", &c.Supervisor.Timeout)
	str("TASK_GRACE_PERIOD", &c.Supervisor.GracePeriod)
	str("TASK_SENTINEL", &c.Supervisor.Sentinel)

	str("LOG_LEVEL", &c.Logger.Level)
	str("LOG_FORMAT", &c.Logger.Format)

	str("DATABASE_URL", &c.Archive.DatabaseURL)

	m := &c.Artifacts.Minio
	str("MINIO_ENDPOINT", &m.Endpoint)
	str("MINIO_ACCESS_KEY", &m.AccessKey)
	str("MINIO_SECRET_KEY", &m.SecretKey)
	str("MINIO_BUCKET", &m.Bucket)
	if v, ok := lookup("MINIO_SECURE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MINIO_SECURE: %w", err)
		}
		m.Secure = b
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the runtime cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Paths.SessionsRoot == "" {
		errs = append(errs, errors.New("paths.sessions_root is required"))
	}
	if c.Paths.ToolStorageRoot == "" {
		errs = append(errs, errors.New("paths.tool_storage_root is required"))
	}
	if c.Tool.Executable == "" {
		errs = append(errs, errors.New("tool.executable is required"))
	}
	if c.Tool.Model == "" {
		errs = append(errs, errors.New("tool.model is required"))
	}
	if d, err := time.ParseDuration(c.Supervisor.Timeout); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.timeout %q must be a positive duration", c.Supervisor.Timeout))
	}
	if d, err := time.ParseDuration(c.Supervisor.GracePeriod); err != nil || d <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.grace_period %q must be a positive duration", c.Supervisor.GracePeriod))
	}
	switch c.Logger.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logger.format %q must be json or text", c.Logger.Format))
	}
	if m := c.Artifacts.Minio; m.Endpoint != "" && (m.AccessKey == "" || m.SecretKey == "") {
		errs = append(errs, errors.New("artifacts.minio needs access_key and secret_key"))
	}
	return errors.Join(errs...)
}

// Timeout returns the per-process wall-clock limit.
func (c *Config) Timeout() time.Duration {
	d, _ := time.ParseDuration(c.Supervisor.Timeout)
	return d
}

// GracePeriod returns the SIGTERM to SIGKILL delay.
func (c *Config) GracePeriod() time.Duration {
	d, _ := time.ParseDuration(c.Supervisor.GracePeriod)
	return d
}

// ModelID returns provider/model.
func (c *Config) ModelID() string {
	return opencode.ModelID(c.Tool.Provider, c.Tool.Model)
}
