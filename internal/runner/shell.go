package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"workbench/internal/action"
	"workbench/internal/async"
)

var defaultShellEnv = map[string]string{
	"npm_config_yes": "true",
}

func (r *ActionRunner) shellEnv() map[string]string {
	env := make(map[string]string, len(defaultShellEnv)+len(r.cfg.Env))
	for k, v := range defaultShellEnv {
		env[k] = v
	}
	for k, v := range r.cfg.Env {
		env[k] = v
	}
	return env
}

// runShell spawns the command. Terminating commands are awaited; long-running
// ones return as soon as the process exists and report a single startup log
// in the background.
func (r *ActionRunner) runShell(ctx context.Context, id string, a action.ShellAction) error {
	if r.cfg.Sandbox == nil {
		return errors.New("no sandbox configured")
	}
	command := a.Command
	longRunning := IsLongRunning(command)
	r.activity()

	// The process lives on the runner context so long-running servers survive
	// the action; aborting before spawn returns still cancels it.
	spawnCtx, stopSpawn := context.WithCancel(r.ctx)
	var spawned atomic.Bool
	stop := context.AfterFunc(ctx, func() {
		if !spawned.Load() {
			stopSpawn()
		}
	})
	defer stop()

	proc, err := r.cfg.Sandbox.Spawn(spawnCtx, command, r.shellEnv())
	if err != nil {
		stopSpawn()
		if r.status(id) != action.StatusAborted {
			r.addLog(LogEntry{Command: command, Stderr: err.Error(), ExitCode: 1})
		}
		return err
	}
	spawned.Store(true)
	r.mu.Lock()
	r.procs[id] = proc
	r.mu.Unlock()
	if r.status(id) == action.StatusAborted {
		_ = proc.Kill()
	}

	out := newOutput(longRunning)
	var readers sync.WaitGroup
	readers.Add(2)
	go func() { defer readers.Done(); out.pump(proc.Stdout(), true) }()
	go func() { defer readers.Done(); out.pump(proc.Stderr(), false) }()

	if longRunning {
		r.mu.Lock()
		r.background = append(r.background, proc)
		r.mu.Unlock()
		async.Go(r.logger, "runner.startup", func() {
			r.awaitStartup(command, out)
			// Reap the process once it ends so the spawn context is released.
			_, _ = proc.Wait()
			stopSpawn()
		})
		return nil
	}
	defer stopSpawn()

	code, waitErr := proc.Wait()
	readers.Wait()
	if r.status(id) == action.StatusAborted {
		return nil
	}
	stdout, stderr := out.snapshot()
	if waitErr != nil {
		code = 1
		if stderr != "" && !strings.HasSuffix(stderr, "\n") {
			stderr += "\n"
		}
		stderr += waitErr.Error()
	}
	if isFalsePositive(command, stdout) {
		r.logger.Debug("skipping progress-only output of %q", command)
		return nil
	}
	r.addLog(LogEntry{
		Command:  command,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: code,
		Success:  code == 0,
	})
	return nil
}

// awaitStartup emits exactly one log for a long-running command: when its
// output shows a startup indicator, or when the grace period runs out.
func (r *ActionRunner) awaitStartup(command string, out *output) {
	timer := time.NewTimer(r.cfg.StartupGrace)
	defer timer.Stop()
	select {
	case <-out.ready:
	case <-timer.C:
	case <-r.ctx.Done():
		return
	}
	stdout, stderr := out.snapshot()
	r.addLog(LogEntry{
		Command:  command,
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: 0,
		Success:  true,
	})
}

// addLog buffers entry and re-arms the processing-end debounce. Process
// output alone never does, so a chatty dev server cannot hold logs back.
func (r *ActionRunner) addLog(entry LogEntry) {
	if r.cfg.Logs == nil {
		return
	}
	entry.Timestamp = time.Now()
	r.cfg.Logs.Add(entry)
	r.cfg.Logs.Activity()
}

func (r *ActionRunner) activity() {
	if r.cfg.Logs != nil {
		r.cfg.Logs.Activity()
	}
}

// output accumulates process output and signals startup indicators.
type output struct {
	watch bool

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder

	ready     chan struct{}
	readyOnce sync.Once
}

func newOutput(watch bool) *output {
	return &output{watch: watch, ready: make(chan struct{})}
}

func (o *output) pump(src io.Reader, isStdout bool) {
	if src == nil {
		return
	}
	buf := make([]byte, 4096)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			o.mu.Lock()
			var seen string
			if isStdout {
				o.stdout.Write(buf[:n])
				if o.watch {
					seen = o.stdout.String()
				}
			} else {
				o.stderr.Write(buf[:n])
			}
			o.mu.Unlock()
			if seen != "" && HasStartupIndicator(seen) {
				o.readyOnce.Do(func() { close(o.ready) })
			}
		}
		if err != nil {
			return
		}
	}
}

func (o *output) snapshot() (string, string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stdout.String(), o.stderr.String()
}

