// Package sandbox abstracts the isolated environment that holds the project
// files and runs shell commands for the workbench.
package sandbox

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrPathOutsideWorkdir is returned for paths that resolve outside the
	// sandbox working directory.
	ErrPathOutsideWorkdir = errors.New("path escapes sandbox workdir")
	// ErrWatchUnsupported is returned by sandboxes that cannot stream file
	// system changes.
	ErrWatchUnsupported = errors.New("sandbox does not support watching")
)

// Process is a spawned shell command.
type Process interface {
	// Stdout and Stderr stream output until the process exits.
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	// Kill terminates the process and its children.
	Kill() error
}

// Sandbox is the execution environment. Implementations must allow
// concurrent Spawn calls.
type Sandbox interface {
	Workdir() string
	Spawn(ctx context.Context, command string, env map[string]string) (Process, error)
	MkdirAll(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string) (string, error)
	Remove(ctx context.Context, path string) error
	// Watch streams file system changes under the workdir. The channel is
	// closed when ctx ends.
	Watch(ctx context.Context) (<-chan Event, error)
}

// EventKind classifies a watch event.
type EventKind string

const (
	EventAdd       EventKind = "add"
	EventChange    EventKind = "change"
	EventRemove    EventKind = "remove"
	EventAddDir    EventKind = "add_dir"
	EventRemoveDir EventKind = "remove_dir"
)

// Event is one file system change. Path is relative to the workdir. Content
// is set for file add/change events.
type Event struct {
	Kind    EventKind
	Path    string
	Content []byte
}
