// Package config loads workbench settings from defaults, a YAML file,
// WORKBENCH_* environment variables and caller overrides, in that order.
package config

import (
	"time"

	"workbench/internal/observability"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	SandboxLocal  = "local"
	SandboxRemote = "remote"
)

// DefaultConfigFile is looked up in the working directory when no path is given.
const DefaultConfigFile = "workbench.yaml"

// Config is the full workbench configuration.
type Config struct {
	Environment string                      `yaml:"environment"`
	Log         observability.LogConfig     `yaml:"log"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
	Sandbox     SandboxConfig               `yaml:"sandbox"`
	Runner      RunnerConfig                `yaml:"runner"`
	Telemetry   TelemetryConfig             `yaml:"telemetry"`
	Chat        ChatConfig                  `yaml:"chat"`
	History     HistoryConfig               `yaml:"history"`
	Server      ServerConfig                `yaml:"server"`
}

// SandboxConfig selects and configures the execution environment.
type SandboxConfig struct {
	Mode    string        `yaml:"mode"`
	Workdir string        `yaml:"workdir"`
	Shell   string        `yaml:"shell"`
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// RunnerConfig tunes action execution.
type RunnerConfig struct {
	StartupGrace time.Duration     `yaml:"startup_grace"`
	Env          map[string]string `yaml:"env"`
}

// TelemetryConfig points at the log and file sink.
type TelemetryConfig struct {
	BaseURL            string        `yaml:"base_url"`
	Timeout            time.Duration `yaml:"timeout"`
	Stream             bool          `yaml:"stream"`
	UseReasoning       bool          `yaml:"use_reasoning"`
	BatchDelay         time.Duration `yaml:"batch_delay"`
	ProcessingDebounce time.Duration `yaml:"processing_debounce"`
	UploadAttempts     int           `yaml:"upload_attempts"`
	UploadInterval     time.Duration `yaml:"upload_interval"`
}

// ChatConfig points at the generation backend.
type ChatConfig struct {
	URL string `yaml:"url"`
	SSE bool   `yaml:"sse"`
}

// HistoryConfig locates stored chats.
type HistoryConfig struct {
	Dir       string `yaml:"dir"`
	CacheSize int    `yaml:"cache_size"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EventBuffer     int           `yaml:"event_buffer"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Environment: "development",
		Log:         observability.LogConfig{Level: "info", Format: "text"},
		Tracing:     observability.TracingConfig{ServiceName: observability.TracerName, SampleRate: 1},
		Sandbox: SandboxConfig{
			Mode:    SandboxLocal,
			Workdir: ".",
			Shell:   "sh",
			BaseURL: "http://localhost:8090",
			Timeout: 30 * time.Second,
		},
		Runner: RunnerConfig{StartupGrace: 5 * time.Second},
		Telemetry: TelemetryConfig{
			Timeout:            30 * time.Second,
			Stream:             true,
			UseReasoning:       true,
			BatchDelay:         3 * time.Second,
			ProcessingDebounce: 2 * time.Second,
			UploadAttempts:     10,
			UploadInterval:     time.Second,
		},
		Chat:    ChatConfig{URL: "http://localhost:8000/api/chat"},
		History: HistoryConfig{Dir: "~/.workbench/chats", CacheSize: 64},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			EventBuffer:     256,
			CORSOrigins:     []string{"*"},
		},
	}
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	path     string
	sources  map[string]ValueSource
	loadedAt time.Time
}

// Source returns the origin for the given configuration key.
func (m Metadata) Source(key string) ValueSource {
	if src, ok := m.sources[key]; ok {
		return src
	}
	return SourceDefault
}

// Path returns the config file that was read, if any.
func (m Metadata) Path() string { return m.path }

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time { return m.loadedAt }
