package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func fileReader(files map[string]string) func(string) ([]byte, error) {
	return func(path string) ([]byte, error) {
		data, ok := files[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(data), nil
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, meta, err := Load(WithEnv(noEnv), WithFileReader(fileReader(nil)), WithHomeDir(func() (string, error) { return "/home/dev", nil }))
	require.NoError(t, err)

	assert.Equal(t, SandboxLocal, cfg.Sandbox.Mode)
	assert.Equal(t, 3*time.Second, cfg.Telemetry.BatchDelay)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.ProcessingDebounce)
	assert.Equal(t, 5*time.Second, cfg.Runner.StartupGrace)
	assert.Equal(t, 10, cfg.Telemetry.UploadAttempts)
	assert.Equal(t, "/home/dev/.workbench/chats", cfg.History.Dir)
	assert.Equal(t, SourceDefault, meta.Source("sandbox.mode"))
	assert.Empty(t, meta.Path())
}

func TestLoadPrecedence(t *testing.T) {
	files := map[string]string{
		"custom.yaml": `
sandbox:
  mode: remote
  base_url: http://sandbox:9000
telemetry:
  base_url: http://file-sink
  batch_delay: 500ms
runner:
  env:
    NODE_ENV: development
log:
  level: debug
`,
	}
	env := map[string]string{
		"WORKBENCH_TELEMETRY_BASE_URL": "http://env-sink",
		"WORKBENCH_SERVER_EVENT_BUFFER": "32",
	}
	addr := ":9999"
	cfg, meta, err := Load(
		WithConfigPath("custom.yaml"),
		WithFileReader(fileReader(files)),
		WithEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }),
		WithOverrides(Overrides{ServerAddr: &addr}),
	)
	require.NoError(t, err)

	assert.Equal(t, SandboxRemote, cfg.Sandbox.Mode)
	assert.Equal(t, "http://sandbox:9000", cfg.Sandbox.BaseURL)
	assert.Equal(t, "http://env-sink", cfg.Telemetry.BaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.Telemetry.BatchDelay)
	assert.Equal(t, "development", cfg.Runner.Env["NODE_ENV"])
	assert.Equal(t, 32, cfg.Server.EventBuffer)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Telemetry.ProcessingDebounce)

	assert.Equal(t, SourceFile, meta.Source("sandbox.mode"))
	assert.Equal(t, SourceFile, meta.Source("runner.env"))
	assert.Equal(t, SourceEnv, meta.Source("telemetry.base_url"))
	assert.Equal(t, SourceOverride, meta.Source("server.addr"))
	assert.Equal(t, "custom.yaml", meta.Path())
}

func TestLoadErrors(t *testing.T) {
	_, _, err := Load(WithConfigPath("missing.yaml"), WithFileReader(fileReader(nil)), WithEnv(noEnv))
	assert.Error(t, err)

	_, _, err = Load(WithFileReader(func(string) ([]byte, error) { return nil, errors.New("denied") }), WithEnv(noEnv))
	assert.ErrorContains(t, err, "denied")

	_, _, err = Load(WithFileReader(fileReader(nil)), WithEnv(func(k string) (string, bool) {
		return "soon", k == "WORKBENCH_TELEMETRY_BATCH_DELAY"
	}))
	assert.ErrorContains(t, err, "WORKBENCH_TELEMETRY_BATCH_DELAY")

	mode := "vm"
	_, _, err = Load(WithFileReader(fileReader(nil)), WithEnv(noEnv), WithOverrides(Overrides{SandboxMode: &mode}))
	assert.ErrorContains(t, err, "sandbox.mode")
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "WORKBENCH_TELEMETRY_BASE_URL", EnvName("telemetry.base_url"))
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "workbench.yaml")
	cfg := Default()
	cfg.Telemetry.BaseURL = "http://sink"
	require.NoError(t, Save(path, cfg, false))
	assert.Error(t, Save(path, cfg, false))

	loaded, _, err := Load(WithConfigPath(path), WithEnv(noEnv))
	require.NoError(t, err)
	assert.Equal(t, "http://sink", loaded.Telemetry.BaseURL)
	assert.Equal(t, cfg.Telemetry.BatchDelay, loaded.Telemetry.BatchDelay)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	var mu sync.Mutex
	var levels []string
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(cfg Config) {
			mu.Lock()
			levels = append(levels, cfg.Log.Level)
			mu.Unlock()
		}, WithWatchDebounce(20*time.Millisecond), WithLoadOptions(WithEnv(noEnv)))
	}()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatchRequiresPath(t *testing.T) {
	assert.Error(t, Watch(context.Background(), "", func(Config) {}))
}
