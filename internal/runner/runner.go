// Package runner executes the actions of one artifact strictly in arrival
// order against a sandbox and reports their status transitions.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"workbench/internal/action"
	"workbench/internal/logging"
	"workbench/internal/observability"
	"workbench/internal/sandbox"
	"workbench/internal/store"
)

// DefaultStartupGrace bounds how long a long-running command may stay silent
// before it is assumed to have started.
const DefaultStartupGrace = 5 * time.Second

var (
	// ErrActionNotFound is returned when running an id that was never added.
	ErrActionNotFound = errors.New("action not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("runner closed")
)

// FileSystem is the write path used by file actions.
type FileSystem interface {
	MkdirAll(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path, content string) error
}

// Config wires a runner to its collaborators.
type Config struct {
	ArtifactID string
	Sandbox    sandbox.Sandbox
	// Files receives file writes; defaults to Sandbox.
	Files    FileSystem
	Logs     LogSink
	Logger   logging.Logger
	Metrics  *Metrics
	Tracer   trace.Tracer
	OnUpdate func(action.State)
	// StartupGrace overrides DefaultStartupGrace.
	StartupGrace time.Duration
	// Env is layered on top of the defaults passed to every shell command.
	Env map[string]string
}

// ActionRunner owns the canonical state of all actions of one artifact.
// Execution happens on a single goroutine fed by a FIFO queue.
type ActionRunner struct {
	cfg     Config
	files   FileSystem
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
	actions *store.Map[string, action.State]

	ctx    context.Context
	cancel context.CancelFunc
	signal chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	queue      []string
	executing  bool
	closed     bool
	cancels    map[string]context.CancelFunc
	procs      map[string]sandbox.Process
	background []sandbox.Process
	idle       []chan struct{}
}

// New starts a runner. Call Close to stop it.
func New(cfg Config) *ActionRunner {
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	files := cfg.Files
	if files == nil && cfg.Sandbox != nil {
		files = cfg.Sandbox
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("runner")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &ActionRunner{
		cfg:     cfg,
		files:   files,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		ctx:     ctx,
		cancel:  cancel,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		cancels: map[string]context.CancelFunc{},
		procs:   map[string]sandbox.Process{},
	}
	r.actions = store.NewMap(func(_ string, st action.State, _ bool) {
		if cfg.OnUpdate != nil {
			cfg.OnUpdate(st)
		}
	})
	go r.loop()
	return r
}

// ArtifactID returns the artifact this runner belongs to.
func (r *ActionRunner) ArtifactID() string { return r.cfg.ArtifactID }

// AddAction registers an action as pending. Registering a known id is a
// no-op. Nothing is executed.
func (r *ActionRunner) AddAction(id string, act action.Action) bool {
	return r.actions.SetIfAbsent(id, action.State{ID: id, Action: act, Status: action.StatusPending})
}

// RunAction marks the action executed and queues it. act, when non-nil,
// replaces the registered body (streams register actions before their body
// is complete). Running an already executed action is a no-op.
func (r *ActionRunner) RunAction(id string, act action.Action) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, ok := r.actions.Get(id); !ok {
		return fmt.Errorf("%s: %w", id, ErrActionNotFound)
	}
	st, changed := r.actions.Update(id, func(cur action.State, _ bool) (action.State, bool) {
		if cur.Executed {
			return cur, false
		}
		cur.Executed = true
		if act != nil {
			cur.Action = act
		}
		return cur, true
	})
	if !changed || st.Status.Terminal() {
		return nil
	}
	r.enqueue(id)
	return nil
}

// Action returns a snapshot of one action.
func (r *ActionRunner) Action(id string) (action.State, bool) {
	return r.actions.Get(id)
}

// Actions returns snapshots of every action in registration order.
func (r *ActionRunner) Actions() []action.State {
	return r.actions.Values()
}

// Abort cancels an action that has not reached a terminal status, killing
// its process if one is running. It reports whether the status changed.
func (r *ActionRunner) Abort(id string) bool {
	_, changed := r.actions.Update(id, func(cur action.State, exists bool) (action.State, bool) {
		if !exists || !cur.Status.CanTransition(action.StatusAborted) {
			return cur, false
		}
		cur.Status = action.StatusAborted
		return cur, true
	})
	if !changed {
		return false
	}
	r.mu.Lock()
	cancel := r.cancels[id]
	proc := r.procs[id]
	r.mu.Unlock()
	if proc != nil {
		if err := proc.Kill(); err != nil {
			r.logger.Debug("kill action %s: %v", id, err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if st, ok := r.actions.Get(id); ok && st.Action != nil {
		r.metrics.ObserveAction(string(st.Action.Kind()), string(action.StatusAborted), 0)
	}
	return true
}

// AbortAll aborts every non-terminal action and returns how many changed.
func (r *ActionRunner) AbortAll() int {
	n := 0
	for _, st := range r.actions.Values() {
		if !st.Status.Terminal() && r.Abort(st.ID) {
			n++
		}
	}
	return n
}

// Drain blocks until the queue is empty and nothing is executing.
func (r *ActionRunner) Drain(ctx context.Context) error {
	r.mu.Lock()
	if len(r.queue) == 0 && !r.executing {
		r.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	r.idle = append(r.idle, ch)
	r.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return ErrClosed
	}
}

// Close stops the actor, aborts pending work and kills background servers.
func (r *ActionRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	background := r.background
	r.background = nil
	r.mu.Unlock()

	r.AbortAll()
	r.cancel()
	<-r.done
	for _, proc := range background {
		_ = proc.Kill()
	}
}

func (r *ActionRunner) enqueue(id string) {
	r.mu.Lock()
	r.queue = append(r.queue, id)
	r.mu.Unlock()
	r.metrics.AddQueueDepth(1)
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// next pops the queue head, or marks the runner idle when empty.
func (r *ActionRunner) next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		r.executing = false
		for _, ch := range r.idle {
			close(ch)
		}
		r.idle = nil
		return "", false
	}
	id := r.queue[0]
	r.queue = r.queue[1:]
	r.executing = true
	return id, true
}

func (r *ActionRunner) loop() {
	defer close(r.done)
	for {
		id, ok := r.next()
		if !ok {
			select {
			case <-r.signal:
				continue
			case <-r.ctx.Done():
				return
			}
		}
		r.metrics.AddQueueDepth(-1)
		if r.ctx.Err() != nil {
			return
		}
		r.execute(id)
	}
}

func (r *ActionRunner) execute(id string) {
	st, ok := r.actions.Get(id)
	if !ok || st.Status != action.StatusPending {
		return
	}

	ctx, cancel := context.WithCancel(r.ctx)
	defer cancel()
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, id)
		delete(r.procs, id)
		r.mu.Unlock()
	}()

	if !r.transition(id, action.StatusRunning, "") {
		return
	}
	kind := string(st.Action.Kind())
	started := time.Now()
	ctx = observability.ContextWithMessageID(ctx, r.cfg.ArtifactID)
	ctx, span := r.tracer.Start(ctx, observability.SpanActionExecute,
		trace.WithAttributes(observability.ActionAttrs(id, kind)...),
		trace.WithAttributes(attribute.String(observability.AttrMessageID, r.cfg.ArtifactID)))
	defer span.End()

	err := r.dispatch(ctx, id, st.Action)

	var final action.Status
	switch {
	case r.status(id) == action.StatusAborted:
		final = action.StatusAborted
	case err != nil:
		final = action.StatusFailed
		msg := "Action failed: " + err.Error()
		logging.WithContext(ctx, r.logger).Error("action %s (%s) failed: %v", id, action.Describe(st.Action), err)
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		r.transition(id, action.StatusFailed, msg)
	default:
		final = action.StatusComplete
		r.transition(id, action.StatusComplete, "")
	}
	span.SetAttributes(attribute.String(observability.AttrStatus, string(final)))
	if final != action.StatusAborted {
		r.metrics.ObserveAction(kind, string(final), time.Since(started))
	}
}

// transition moves id to next when legal.
func (r *ActionRunner) transition(id string, next action.Status, errMsg string) bool {
	_, changed := r.actions.Update(id, func(cur action.State, exists bool) (action.State, bool) {
		if !exists || !cur.Status.CanTransition(next) {
			return cur, false
		}
		cur.Status = next
		cur.Error = errMsg
		return cur, true
	})
	return changed
}

func (r *ActionRunner) status(id string) action.Status {
	st, _ := r.actions.Get(id)
	return st.Status
}

func (r *ActionRunner) dispatch(ctx context.Context, id string, act action.Action) error {
	switch a := act.(type) {
	case action.FileAction:
		return r.writeFile(ctx, a)
	case action.ShellAction:
		return r.runShell(ctx, id, a)
	default:
		return fmt.Errorf("unsupported action %T", act)
	}
}

func (r *ActionRunner) writeFile(ctx context.Context, a action.FileAction) error {
	if r.files == nil {
		return fmt.Errorf("no file system configured")
	}
	p := strings.TrimSpace(a.Path)
	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := r.files.MkdirAll(ctx, dir); err != nil {
			r.logger.Warn("create folder %s: %v", dir, err)
		}
	}
	if err := r.files.WriteFile(ctx, p, a.Content); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	r.logger.Debug("file written %s", p)
	return nil
}
