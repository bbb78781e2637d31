package sandbox

import (
	"context"
	"errors"
	"sync"

	"workbench/internal/async"
	"workbench/internal/logging"
)

// ErrNotReady is returned by Lazy when the underlying sandbox failed to boot.
var ErrNotReady = errors.New("sandbox not ready")

// Lazy defers every call until the underlying sandbox is resolved. Calls made
// before that block until it is ready or the caller's context ends.
type Lazy struct {
	ready chan struct{}
	once  sync.Once
	sb    Sandbox
	err   error
}

// NewLazy returns an unresolved sandbox; call Resolve when boot finishes.
func NewLazy() *Lazy {
	return &Lazy{ready: make(chan struct{})}
}

// Boot starts init in the background and resolves with its result.
func Boot(ctx context.Context, logger logging.Logger, init func(context.Context) (Sandbox, error)) *Lazy {
	l := NewLazy()
	async.Go(logging.OrNop(logger), "sandbox.boot", func() {
		sb, err := init(ctx)
		l.Resolve(sb, err)
	})
	return l
}

// Resolve publishes the booted sandbox (or boot error). Later calls are ignored.
func (l *Lazy) Resolve(sb Sandbox, err error) {
	l.once.Do(func() {
		if err == nil && sb == nil {
			err = ErrNotReady
		}
		l.sb, l.err = sb, err
		close(l.ready)
	})
}

// Ready reports whether Resolve has been called.
func (l *Lazy) Ready() bool {
	select {
	case <-l.ready:
		return true
	default:
		return false
	}
}

// Get blocks until the sandbox is resolved or ctx ends.
func (l *Lazy) Get(ctx context.Context) (Sandbox, error) {
	select {
	case <-l.ready:
		if l.err != nil {
			return nil, errors.Join(ErrNotReady, l.err)
		}
		return l.sb, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Lazy) Workdir() string {
	if !l.Ready() || l.sb == nil {
		return ""
	}
	return l.sb.Workdir()
}

func (l *Lazy) Spawn(ctx context.Context, command string, env map[string]string) (Process, error) {
	sb, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return sb.Spawn(ctx, command, env)
}

func (l *Lazy) MkdirAll(ctx context.Context, path string) error {
	sb, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return sb.MkdirAll(ctx, path)
}

func (l *Lazy) WriteFile(ctx context.Context, path, content string) error {
	sb, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return sb.WriteFile(ctx, path, content)
}

func (l *Lazy) ReadFile(ctx context.Context, path string) (string, error) {
	sb, err := l.Get(ctx)
	if err != nil {
		return "", err
	}
	return sb.ReadFile(ctx, path)
}

func (l *Lazy) Remove(ctx context.Context, path string) error {
	sb, err := l.Get(ctx)
	if err != nil {
		return err
	}
	return sb.Remove(ctx, path)
}

func (l *Lazy) Watch(ctx context.Context) (<-chan Event, error) {
	sb, err := l.Get(ctx)
	if err != nil {
		return nil, err
	}
	return sb.Watch(ctx)
}
