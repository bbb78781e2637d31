// Package sandboxtest provides an in-memory sandbox for tests.
package sandboxtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"workbench/internal/sandbox"
)

// Script describes how a fake process behaves.
type Script struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Delay holds the process open before output and exit.
	Delay time.Duration
	// Block keeps the process alive after writing output until killed.
	Block bool
	// Tick, when set with Every, is written to stdout on every interval
	// after the initial output until the process is killed.
	Tick  string
	Every time.Duration
	// SpawnErr makes Spawn fail.
	SpawnErr error
}

// Spawn records one Spawn call.
type Spawn struct {
	Command string
	Env     map[string]string
	At      time.Time
}

// Fake is a scriptable sandbox. Commands are matched against registered
// scripts by substring, first match wins; unmatched commands exit 0 silently.
type Fake struct {
	mu       sync.Mutex
	files    map[string]string
	dirs     map[string]bool
	scripts  []scriptEntry
	spawns   []Spawn
	procs    []*Process
	writeErr map[string]error
	mkdirErr error
	events   chan sandbox.Event
}

type scriptEntry struct {
	match  string
	script Script
}

// New returns an empty fake sandbox.
func New() *Fake {
	return &Fake{
		files:    map[string]string{},
		dirs:     map[string]bool{},
		writeErr: map[string]error{},
		events:   make(chan sandbox.Event, 64),
	}
}

// On registers a script for commands containing match.
func (f *Fake) On(match string, script Script) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, scriptEntry{match: match, script: script})
	return f
}

// FailWrite makes WriteFile for path return err.
func (f *Fake) FailWrite(p string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr[clean(p)] = err
}

// FailMkdir makes every MkdirAll return err.
func (f *Fake) FailMkdir(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirErr = err
}

// Emit queues a watch event.
func (f *Fake) Emit(ev sandbox.Event) { f.events <- ev }

// Spawns returns the recorded Spawn calls in order.
func (f *Fake) Spawns() []Spawn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Spawn(nil), f.spawns...)
}

// Commands returns the spawned command lines in order.
func (f *Fake) Commands() []string {
	var out []string
	for _, s := range f.Spawns() {
		out = append(out, s.Command)
	}
	return out
}

// Processes returns every process spawned so far.
func (f *Fake) Processes() []*Process {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Process(nil), f.procs...)
}

// File returns the stored content for p.
func (f *Fake) File(p string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[clean(p)]
	return c, ok
}

// HasDir reports whether MkdirAll created p.
func (f *Fake) HasDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[clean(p)]
}

func (f *Fake) Workdir() string { return "/home/project" }

func (f *Fake) MkdirAll(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mkdirErr != nil {
		return f.mkdirErr
	}
	f.dirs[clean(p)] = true
	return nil
}

func (f *Fake) WriteFile(_ context.Context, p, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.writeErr[clean(p)]; err != nil {
		return err
	}
	f.files[clean(p)] = content
	return nil
}

func (f *Fake) ReadFile(_ context.Context, p string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.files[clean(p)]
	if !ok {
		return "", fmt.Errorf("%s: file not found", p)
	}
	return c, nil
}

func (f *Fake) Remove(_ context.Context, p string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, clean(p))
	return nil
}

func (f *Fake) Watch(ctx context.Context) (<-chan sandbox.Event, error) {
	out := make(chan sandbox.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *Fake) Spawn(ctx context.Context, command string, env map[string]string) (sandbox.Process, error) {
	f.mu.Lock()
	f.spawns = append(f.spawns, Spawn{Command: command, Env: env, At: time.Now()})
	script := Script{}
	for _, entry := range f.scripts {
		if strings.Contains(command, entry.match) {
			script = entry.script
			break
		}
	}
	f.mu.Unlock()

	if script.SpawnErr != nil {
		return nil, script.SpawnErr
	}
	p := newProcess(ctx, command, script)
	f.mu.Lock()
	f.procs = append(f.procs, p)
	f.mu.Unlock()
	return p, nil
}

// Process is a fake sandbox process.
type Process struct {
	Command string

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter
	killed           chan struct{}
	killOnce         sync.Once
	done             chan struct{}
	code             int
}

func newProcess(ctx context.Context, command string, script Script) *Process {
	p := &Process{Command: command, killed: make(chan struct{}), done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.run(ctx, script)
	return p
}

func (p *Process) run(ctx context.Context, script Script) {
	defer close(p.done)
	defer p.stdoutW.Close()
	defer p.stderrW.Close()

	if script.Delay > 0 {
		select {
		case <-time.After(script.Delay):
		case <-p.killed:
			p.code = 137
			return
		case <-ctx.Done():
			p.code = 137
			return
		}
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.WriteString(p.stdoutW, script.Stdout) }()
	go func() { defer wg.Done(); _, _ = io.WriteString(p.stderrW, script.Stderr) }()
	wg.Wait()

	if script.Tick != "" && script.Every > 0 {
		ticker := time.NewTicker(script.Every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := io.WriteString(p.stdoutW, script.Tick); err != nil {
					p.code = 137
					return
				}
			case <-p.killed:
				p.code = 137
				return
			case <-ctx.Done():
				p.code = 137
				return
			}
		}
	}
	if script.Block {
		select {
		case <-p.killed:
		case <-ctx.Done():
		}
		p.code = 137
		return
	}
	p.code = script.ExitCode
}

func (p *Process) Stdout() io.Reader { return p.stdoutR }
func (p *Process) Stderr() io.Reader { return p.stderrR }

func (p *Process) Wait() (int, error) {
	<-p.done
	return p.code, nil
}

func (p *Process) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	// Unblock writers if nobody is reading.
	_ = p.stdoutR.CloseWithError(errors.New("killed"))
	_ = p.stderrR.CloseWithError(errors.New("killed"))
	return nil
}

// Killed reports whether Kill was called.
func (p *Process) Killed() bool {
	select {
	case <-p.killed:
		return true
	default:
		return false
	}
}

func clean(p string) string {
	return strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(p)), "/")
}
