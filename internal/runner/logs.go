package runner

import (
	"context"
	"time"

	"workbench/internal/files"
	"workbench/internal/history"
)

// LogEntry records one shell command execution.
type LogEntry struct {
	Command   string    `json:"command"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  int       `json:"exitCode"`
	Success   bool      `json:"success"`
	First     bool      `json:"first"`
	Timestamp time.Time `json:"-"`
}

// Batch is a flushed group of log entries plus the context shipped with it.
type Batch struct {
	Entries  []LogEntry
	Messages []history.Message
	Files    map[string]files.Modification
}

// BatchContext is the chat and file state attached to a batch.
type BatchContext struct {
	Messages []history.Message
	Files    map[string]files.Modification
}

// ContextProvider supplies BatchContext at flush time.
type ContextProvider func(ctx context.Context) BatchContext

// Sender delivers batches to the telemetry sink.
type Sender interface {
	SendLogs(ctx context.Context, batch Batch) error
}

// LogSink receives command logs and activity signals from runners.
type LogSink interface {
	Add(entry LogEntry)
	Activity()
}
