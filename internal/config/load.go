package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WORKBENCH_"

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// Overrides conveys caller-specified values that win over env and file.
type Overrides struct {
	LogLevel         *string
	SandboxMode      *string
	Workdir          *string
	SandboxBaseURL   *string
	TelemetryBaseURL *string
	ChatURL          *string
	ServerAddr       *string
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// WithConfigPath reads configuration from a specific file. A missing
// explicit file is an error.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

// WithHomeDir overrides how "~" is expanded.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = resolver }
}

// Load merges defaults, file, environment and overrides.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: os.LookupEnv,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Default()
	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options.envLookup); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	cfg.History.Dir = expandHome(cfg.History.Dir, options.homeDir)
	cfg.Sandbox.Workdir = expandHome(cfg.Sandbox.Workdir, options.homeDir)
	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

// Validate checks values that cannot be defaulted.
func (c Config) Validate() error {
	switch c.Sandbox.Mode {
	case SandboxLocal, SandboxRemote:
	default:
		return fmt.Errorf("sandbox.mode must be %q or %q, got %q", SandboxLocal, SandboxRemote, c.Sandbox.Mode)
	}
	if c.Sandbox.Mode == SandboxRemote && strings.TrimSpace(c.Sandbox.BaseURL) == "" {
		return fmt.Errorf("sandbox.base_url is required in remote mode")
	}
	if c.Telemetry.UploadAttempts < 0 {
		return fmt.Errorf("telemetry.upload_attempts must not be negative")
	}
	return nil
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	data, err := opts.readFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	meta.path = path
	markSources(meta, "", keys)
	return nil
}

func markSources(meta *Metadata, prefix string, node map[string]any) {
	for key, value := range node {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if child, ok := value.(map[string]any); ok && full != "runner.env" {
			markSources(meta, full, child)
			continue
		}
		meta.sources[full] = SourceFile
	}
}

type envBinding struct {
	key string
	set func(cfg *Config, value string) error
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		*dst(cfg) = value
		return nil
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*dst(cfg) = parsed
		return nil
	}
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*dst(cfg) = parsed
		return nil
	}
}

func durationVar(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*dst(cfg) = parsed
		return nil
	}
}

var envBindings = []envBinding{
	{"environment", stringVar(func(c *Config) *string { return &c.Environment })},
	{"log.level", stringVar(func(c *Config) *string { return &c.Log.Level })},
	{"log.format", stringVar(func(c *Config) *string { return &c.Log.Format })},
	{"tracing.enabled", boolVar(func(c *Config) *bool { return &c.Tracing.Enabled })},
	{"tracing.exporter", stringVar(func(c *Config) *string { return &c.Tracing.Exporter })},
	{"tracing.otlp_endpoint", stringVar(func(c *Config) *string { return &c.Tracing.OTLPEndpoint })},
	{"tracing.zipkin_endpoint", stringVar(func(c *Config) *string { return &c.Tracing.ZipkinEndpoint })},
	{"sandbox.mode", stringVar(func(c *Config) *string { return &c.Sandbox.Mode })},
	{"sandbox.workdir", stringVar(func(c *Config) *string { return &c.Sandbox.Workdir })},
	{"sandbox.shell", stringVar(func(c *Config) *string { return &c.Sandbox.Shell })},
	{"sandbox.base_url", stringVar(func(c *Config) *string { return &c.Sandbox.BaseURL })},
	{"sandbox.timeout", durationVar(func(c *Config) *time.Duration { return &c.Sandbox.Timeout })},
	{"runner.startup_grace", durationVar(func(c *Config) *time.Duration { return &c.Runner.StartupGrace })},
	{"telemetry.base_url", stringVar(func(c *Config) *string { return &c.Telemetry.BaseURL })},
	{"telemetry.timeout", durationVar(func(c *Config) *time.Duration { return &c.Telemetry.Timeout })},
	{"telemetry.stream", boolVar(func(c *Config) *bool { return &c.Telemetry.Stream })},
	{"telemetry.use_reasoning", boolVar(func(c *Config) *bool { return &c.Telemetry.UseReasoning })},
	{"telemetry.batch_delay", durationVar(func(c *Config) *time.Duration { return &c.Telemetry.BatchDelay })},
	{"telemetry.processing_debounce", durationVar(func(c *Config) *time.Duration { return &c.Telemetry.ProcessingDebounce })},
	{"telemetry.upload_attempts", intVar(func(c *Config) *int { return &c.Telemetry.UploadAttempts })},
	{"telemetry.upload_interval", durationVar(func(c *Config) *time.Duration { return &c.Telemetry.UploadInterval })},
	{"chat.url", stringVar(func(c *Config) *string { return &c.Chat.URL })},
	{"chat.sse", boolVar(func(c *Config) *bool { return &c.Chat.SSE })},
	{"history.dir", stringVar(func(c *Config) *string { return &c.History.Dir })},
	{"history.cache_size", intVar(func(c *Config) *int { return &c.History.CacheSize })},
	{"server.addr", stringVar(func(c *Config) *string { return &c.Server.Addr })},
	{"server.shutdown_timeout", durationVar(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},
	{"server.event_buffer", intVar(func(c *Config) *int { return &c.Server.EventBuffer })},
}

// EnvName maps a dotted key onto its environment variable,
// e.g. "telemetry.base_url" -> WORKBENCH_TELEMETRY_BASE_URL.
func EnvName(key string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func applyEnv(cfg *Config, meta *Metadata, lookup EnvLookup) error {
	if lookup == nil {
		return nil
	}
	for _, b := range envBindings {
		value, ok := lookup(EnvName(b.key))
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := b.set(cfg, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("parse %s: %w", EnvName(b.key), err)
		}
		meta.sources[b.key] = SourceEnv
	}
	return nil
}

func applyOverrides(cfg *Config, meta *Metadata, o Overrides) {
	set := func(key string, src *string, dst *string) {
		if src == nil {
			return
		}
		*dst = *src
		meta.sources[key] = SourceOverride
	}
	set("log.level", o.LogLevel, &cfg.Log.Level)
	set("sandbox.mode", o.SandboxMode, &cfg.Sandbox.Mode)
	set("sandbox.workdir", o.Workdir, &cfg.Sandbox.Workdir)
	set("sandbox.base_url", o.SandboxBaseURL, &cfg.Sandbox.BaseURL)
	set("telemetry.base_url", o.TelemetryBaseURL, &cfg.Telemetry.BaseURL)
	set("chat.url", o.ChatURL, &cfg.Chat.URL)
	set("server.addr", o.ServerAddr, &cfg.Server.Addr)
}

func expandHome(path string, homeDir func() (string, error)) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := homeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
