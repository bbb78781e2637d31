// Package telemetry delivers command logs and project snapshots to the
// backend sink.
package telemetry

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	wberrors "workbench/internal/errors"
	"workbench/internal/files"
	"workbench/internal/history"
	"workbench/internal/httpclient"
	"workbench/internal/logging"
	"workbench/internal/observability"
	"workbench/internal/runner"
	"workbench/internal/utils/id"
)

const (
	logsPath  = "/api/logs"
	filesPath = "/api/files"

	maxErrorBody = 4 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	Stream       bool
	UseReasoning bool
	Logger       logging.Logger
	Metrics      *Metrics
	Tracer       trace.Tracer
	// HTTPClient overrides the breaker-guarded default.
	HTTPClient *http.Client
	// ThreadID generates the per-request thread id.
	ThreadID func() string
}

// Client posts to the telemetry sink. It implements runner.Sender.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

var _ runner.Sender = (*Client)(nil)

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpclient.DefaultTimeout
	}
	if cfg.ThreadID == nil {
		cfg.ThreadID = id.NewThreadID
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("telemetry")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpclient.NewWithCircuitBreaker(cfg.Timeout, logger, "telemetry")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		http:    client,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

type logsRequest struct {
	Logs         []runner.LogEntry             `json:"logs"`
	ThreadID     string                        `json:"thread_id"`
	Stream       bool                          `json:"stream"`
	UseReasoning bool                          `json:"use_reasoning"`
	Messages     []history.Message             `json:"messages"`
	Files        map[string]files.Modification `json:"files,omitempty"`
}

// SendLogs posts a log batch.
func (c *Client) SendLogs(ctx context.Context, batch runner.Batch) error {
	messages := batch.Messages
	if messages == nil {
		messages = []history.Message{}
	}
	return c.post(ctx, logsPath, logsRequest{
		Logs:         batch.Entries,
		ThreadID:     c.cfg.ThreadID(),
		Stream:       c.cfg.Stream,
		UseReasoning: c.cfg.UseReasoning,
		Messages:     messages,
		Files:        batch.Files,
	})
}

// Snapshot is a full project upload.
type Snapshot struct {
	ArtifactID      string
	MessageID       string
	ChatID          string
	URLID           string
	ApplicationName string
	Files           []files.Entry
	Messages        []history.Message
}

// UploadedFile is one file on the wire. Binary content is base64 encoded.
type UploadedFile struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	IsBinary bool   `json:"is_binary"`
	Size     int    `json:"size"`
}

type filesRequest struct {
	ArtifactID      string            `json:"artifact_id"`
	MessageID       string            `json:"message_id"`
	ChatID          string            `json:"chat_id,omitempty"`
	URLID           string            `json:"url_id,omitempty"`
	ApplicationName string            `json:"application_name,omitempty"`
	Files           []UploadedFile    `json:"files"`
	Messages        []history.Message `json:"messages"`
	ThreadID        string            `json:"thread_id"`
	FileCount       int               `json:"file_count"`
}

// UploadFiles posts a project snapshot.
func (c *Client) UploadFiles(ctx context.Context, snap Snapshot) error {
	ctx, span := c.tracer.Start(ctx, observability.SpanFilesUpload, trace.WithAttributes(
		attribute.String(observability.AttrMessageID, snap.MessageID),
		attribute.Int("workbench.file_count", len(snap.Files)),
	))
	defer span.End()

	req := filesRequest{
		ArtifactID:      snap.ArtifactID,
		MessageID:       snap.MessageID,
		ChatID:          snap.ChatID,
		URLID:           snap.URLID,
		ApplicationName: snap.ApplicationName,
		Files:           make([]UploadedFile, 0, len(snap.Files)),
		Messages:        snap.Messages,
		ThreadID:        c.cfg.ThreadID(),
	}
	if req.Messages == nil {
		req.Messages = []history.Message{}
	}
	for _, f := range snap.Files {
		if f.Type != files.TypeFile {
			continue
		}
		content := f.Content
		if f.IsBinary {
			content = base64.StdEncoding.EncodeToString([]byte(f.Content))
		}
		req.Files = append(req.Files, UploadedFile{
			Path:     f.Path,
			Content:  content,
			IsBinary: f.IsBinary,
			Size:     len(f.Content),
		})
	}
	req.FileCount = len(req.Files)

	if err := c.post(ctx, filesPath, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	c.logger.Info("uploaded %d files for artifact %s", req.FileCount, snap.ArtifactID)
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	if c.baseURL == "" {
		return wberrors.NewPermanentError(fmt.Errorf("telemetry base url not configured"), "telemetry is disabled")
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telemetry request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.observe(path, "error", time.Since(start))
		return fmt.Errorf("telemetry request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body := httpclient.ReadErrorBody(resp.Body, maxErrorBody)
		c.metrics.observe(path, "error", time.Since(start))
		return &wberrors.StatusError{
			Service:    "telemetry",
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}
	c.metrics.observe(path, "ok", time.Since(start))
	return nil
}
