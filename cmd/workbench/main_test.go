package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"workbench/internal/config"
)

const transcript = `Creating the project.
<boltArtifact id="demo" title="Demo project">
<boltAction type="file" filePath="src/index.js">
console.log("hi");
</boltAction>
<boltAction type="shell">
echo built > out.txt
</boltAction>
</boltArtifact>
Done.`

func init() {
	color.NoColor = true
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Sandbox.Workdir = t.TempDir()
	cfg.Runner.StartupGrace = time.Second
	return cfg
}

func TestRunTranscriptFromStdin(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer

	err := runTranscript(context.Background(), cfg, nil, runOptions{timeout: 10 * time.Second, diff: true},
		strings.NewReader(transcript), &out)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(cfg.Sandbox.Workdir, "src", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(\"hi\");\n", string(data))
	data, err = os.ReadFile(filepath.Join(cfg.Sandbox.Workdir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "built\n", string(data))

	text := out.String()
	assert.Contains(t, text, "Demo project")
	assert.Contains(t, text, "Creating the project.")
	assert.NotContains(t, text, "boltAction")
	assert.Contains(t, text, "write src/index.js")
	assert.Contains(t, text, "2 complete, 0 failed, 0 aborted")
	assert.Contains(t, text, "src/index.js +1")
}

func TestRunTranscriptReportsFailure(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Sandbox.Workdir, "blocker"), []byte("file"), 0o644))
	path := filepath.Join(t.TempDir(), "message.txt")
	require.NoError(t, os.WriteFile(path, []byte(`<boltArtifact id="x" title="Broken">
<boltAction type="file" filePath="blocker/app.js">x</boltAction>
<boltAction type="shell">exit 3</boltAction>
</boltArtifact>`), 0o644))

	var out bytes.Buffer
	err := runTranscript(context.Background(), cfg, []string{path}, runOptions{timeout: 10 * time.Second},
		strings.NewReader(""), &out)
	var exitErr *exitCodeError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.code)
	assert.Contains(t, out.String(), "1 complete, 1 failed")
}

func TestRunTranscriptMissingFile(t *testing.T) {
	cfg := testConfig(t)
	err := runTranscript(context.Background(), cfg, []string{filepath.Join(t.TempDir(), "nope")},
		runOptions{timeout: time.Second}, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open transcript")
}

func TestConfigInitWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workbench.yaml")
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "init", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Wrote "+path)

	cfg, meta, err := config.Load(config.WithConfigPath(path), config.WithEnv(func(string) (string, bool) { return "", false }))
	require.NoError(t, err)
	assert.Equal(t, path, meta.Path())
	assert.Equal(t, config.Default().Server.Addr, cfg.Server.Addr)

	root = newRootCommand()
	root.SetArgs([]string{"config", "init", path})
	assert.Error(t, root.Execute())
}

func TestFlagsOverrideConfig(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"config", "show", "--sandbox", "remote", "--chat-url", "http://chat.local/api/chat"})
	require.NoError(t, root.Execute())
	text := out.String()
	assert.Contains(t, text, "remote")
	assert.Contains(t, text, "http://chat.local/api/chat")
	assert.Contains(t, text, "(override)")
}
