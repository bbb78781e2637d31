package server

import (
	"time"

	"workbench/internal/action"
	"workbench/internal/files"
	"workbench/internal/history"
)

// APIResponse is the envelope of every JSON reply.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status       string    `json:"status"`
	SandboxReady bool      `json:"sandbox_ready"`
	Ready        bool      `json:"ready"`
	Uptime       string    `json:"uptime"`
	Timestamp    time.Time `json:"timestamp"`
}

// ArtifactResponse describes one artifact with its actions.
type ArtifactResponse struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	Title     string         `json:"title"`
	Closed    bool           `json:"closed"`
	Actions   []action.State `json:"actions"`
}

// MessageRequest submits a complete assistant message for parsing.
type MessageRequest struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// ChatRequest asks the generation backend for the next assistant message.
type ChatRequest struct {
	ChatID    string            `json:"chat_id"`
	MessageID string            `json:"message_id"`
	Messages  []history.Message `json:"messages"`
}

// MessageAccepted acknowledges a message that is being processed.
type MessageAccepted struct {
	MessageID string `json:"message_id"`
	ChatID    string `json:"chat_id,omitempty"`
}

// FileInfo lists one mirrored path.
type FileInfo struct {
	Path     string          `json:"path"`
	Type     files.EntryType `json:"type"`
	IsBinary bool            `json:"is_binary"`
	Size     int             `json:"size"`
	Modified bool            `json:"modified"`
}

// DocumentRequest replaces an editor buffer.
type DocumentRequest struct {
	Content string `json:"content"`
}

// SaveRequest saves one path, or every unsaved buffer when Path is empty.
type SaveRequest struct {
	Path string `json:"path"`
}

// WebSocketMessage is one frame on the event feed.
type WebSocketMessage struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
