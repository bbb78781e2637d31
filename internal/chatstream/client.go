package chatstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	wberrors "workbench/internal/errors"
	"workbench/internal/history"
	"workbench/internal/httpclient"
	"workbench/internal/logging"
)

const maxErrorBody = 4 << 10

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the chat endpoint, e.g. http://localhost:8000/api/chat.
	URL string
	// SSE decodes "data:" framing. Without it the body is read as raw text.
	SSE    bool
	Logger logging.Logger
	// HTTPClient overrides the default client, which has no overall timeout.
	HTTPClient *http.Client
}

// Client requests a generation and returns its text stream.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger logging.Logger
}

// NewClient builds a Client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("chatstream")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpclient.New(0, logger)
		client.Timeout = 0
	}
	return &Client{cfg: cfg, http: client, logger: logger}
}

type chatRequest struct {
	Messages []history.Message `json:"messages"`
}

// Stream posts the conversation and returns the assistant text stream. The
// caller closes it.
func (c *Client) Stream(ctx context.Context, messages []history.Message) (io.ReadCloser, error) {
	body, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer func() { _ = resp.Body.Close() }()
		body := httpclient.ReadErrorBody(resp.Body, maxErrorBody)
		return nil, &wberrors.StatusError{Service: "chat", StatusCode: resp.StatusCode, Body: body}
	}
	c.logger.Debug("chat stream opened (%s)", resp.Header.Get("Content-Type"))
	if !c.cfg.SSE {
		return resp.Body, nil
	}
	return &sseBody{Reader: NewSSEReader(resp.Body), body: resp.Body}, nil
}

type sseBody struct {
	io.Reader
	body io.Closer
}

func (b *sseBody) Close() error { return b.body.Close() }
