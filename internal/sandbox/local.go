package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"workbench/internal/logging"
)

const processWaitDelay = 2 * time.Second

// Local runs commands on the host inside a working directory. It is meant for
// development and replay, not for untrusted output.
type Local struct {
	root   string
	shell  []string
	logger logging.Logger
}

// LocalOption customises a Local sandbox.
type LocalOption func(*Local)

// WithShell overrides the shell used for Spawn. The command is appended as
// the final argument.
func WithShell(argv ...string) LocalOption {
	return func(l *Local) {
		if len(argv) > 0 {
			l.shell = append([]string(nil), argv...)
		}
	}
}

// WithLogger sets the logger used by the sandbox.
func WithLogger(logger logging.Logger) LocalOption {
	return func(l *Local) { l.logger = logging.OrNop(logger) }
}

// NewLocal creates the root directory if needed and returns a sandbox bound
// to it.
func NewLocal(root string, opts ...LocalOption) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workdir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	l := &Local{
		root:   abs,
		shell:  []string{"sh", "-c"},
		logger: logging.NewComponentLogger("sandbox-local"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Local) Workdir() string { return l.root }

// resolve maps a workdir-relative (or workdir-absolute) path onto the host.
func (l *Local) resolve(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return "", ErrPathOutsideWorkdir
		}
		p = rel
	}
	full := filepath.Join(l.root, filepath.Clean(p))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrPathOutsideWorkdir)
	}
	return full, nil
}

func (l *Local) MkdirAll(_ context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.MkdirAll(full, 0o755)
}

func (l *Local) WriteFile(_ context.Context, path, content string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.WriteFile(full, []byte(content), 0o644)
}

func (l *Local) ReadFile(_ context.Context, path string) (string, error) {
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *Local) Remove(_ context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	return os.RemoveAll(full)
}

// Spawn starts command under the configured shell with env layered over the
// host environment.
func (l *Local) Spawn(ctx context.Context, command string, env map[string]string) (Process, error) {
	args := append(append([]string(nil), l.shell[1:]...), command)
	cmd := exec.CommandContext(ctx, l.shell[0], args...)
	cmd.Dir = l.root
	cmd.Env = mergeEnv(os.Environ(), env)
	cmd.WaitDelay = processWaitDelay
	configureProcessGroup(cmd)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	l.logger.Debug("spawned pid=%d: %s", cmd.Process.Pid, command)
	return &localProcess{cmd: cmd, stdout: stdoutR, stderr: stderrR, stdoutW: stdoutW, stderrW: stderrW}, nil
}

func mergeEnv(base []string, extra map[string]string) []string {
	out := append([]string(nil), base...)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

type localProcess struct {
	cmd              *exec.Cmd
	stdout, stderr   *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	waitOnce sync.Once
	code     int
	err      error
}

func (p *localProcess) Stdout() io.Reader { return p.stdout }
func (p *localProcess) Stderr() io.Reader { return p.stderr }

func (p *localProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		p.code = p.cmd.ProcessState.ExitCode()
		if _, ok := err.(*exec.ExitError); ok {
			err = nil
		}
		p.err = err
	})
	return p.code, p.err
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return killProcessGroup(p.cmd)
}
