package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	wberrors "workbench/internal/errors"
	"workbench/internal/httpclient"
	"workbench/internal/logging"
)

const maxRemoteErrorBody = 4 << 10

// RemoteConfig configures a Remote sandbox.
type RemoteConfig struct {
	BaseURL string
	Workdir string
	Timeout time.Duration
	Logger  logging.Logger
}

// Remote talks to a sandbox service over HTTP:
//
//	GET    /v1/health
//	POST   /v1/file/mkdir    {path}
//	POST   /v1/file/write    {path, content}
//	POST   /v1/file/read     {path} -> {content}
//	POST   /v1/file/remove   {path}
//	POST   /v1/processes     {command, env, cwd} -> {id}
//	GET    /v1/processes/:id/stdout | /stderr   (chunked stream until exit)
//	POST   /v1/processes/:id/wait -> {exit_code}
//	DELETE /v1/processes/:id
type Remote struct {
	baseURL string
	workdir string
	client  *http.Client
	stream  *http.Client
	logger  logging.Logger
}

// NewRemote builds a Remote sandbox client.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("sandbox base URL is required")
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("sandbox-remote")
	}
	workdir := cfg.Workdir
	if workdir == "" {
		workdir = "/home/project"
	}
	stream := httpclient.New(0, logger)
	stream.Timeout = 0
	return &Remote{
		baseURL: baseURL,
		workdir: workdir,
		client:  httpclient.NewWithCircuitBreaker(cfg.Timeout, logger, "sandbox"),
		stream:  stream,
		logger:  logger,
	}, nil
}

func (r *Remote) Workdir() string { return r.workdir }

// WaitReady polls the health endpoint with exponential backoff until the
// sandbox answers, a permanent error occurs, or ctx ends.
func (r *Remote) WaitReady(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := r.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || wberrors.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		r.logger.Debug("sandbox not ready (attempt %d): %v", attempt, err)
		return err
	}
	return backoff.Retry(op, backoff.WithContext(b, ctx))
}

type pathRequest struct {
	Path    string  `json:"path"`
	Content *string `json:"content,omitempty"`
}

func (r *Remote) MkdirAll(ctx context.Context, path string) error {
	return r.doJSON(ctx, http.MethodPost, "/v1/file/mkdir", pathRequest{Path: path}, nil)
}

func (r *Remote) WriteFile(ctx context.Context, path, content string) error {
	return r.doJSON(ctx, http.MethodPost, "/v1/file/write", pathRequest{Path: path, Content: &content}, nil)
}

func (r *Remote) ReadFile(ctx context.Context, path string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/v1/file/read", pathRequest{Path: path}, &out); err != nil {
		return "", err
	}
	return out.Content, nil
}

func (r *Remote) Remove(ctx context.Context, path string) error {
	return r.doJSON(ctx, http.MethodPost, "/v1/file/remove", pathRequest{Path: path}, nil)
}

// Watch is not offered by the HTTP API; the file mirror is then fed by the
// pipeline's own writes.
func (r *Remote) Watch(context.Context) (<-chan Event, error) {
	return nil, ErrWatchUnsupported
}

func (r *Remote) Spawn(ctx context.Context, command string, env map[string]string) (Process, error) {
	req := struct {
		Command string            `json:"command"`
		Env     map[string]string `json:"env,omitempty"`
		Cwd     string            `json:"cwd"`
	}{Command: command, Env: env, Cwd: r.workdir}
	var out struct {
		ID string `json:"id"`
	}
	if err := r.doJSON(ctx, http.MethodPost, "/v1/processes", req, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("sandbox returned empty process id")
	}
	p := &remoteProcess{remote: r, id: out.ID, ctx: ctx}
	p.stdout = &lazyStream{open: func() (io.ReadCloser, error) { return p.openStream("stdout") }}
	p.stderr = &lazyStream{open: func() (io.ReadCloser, error) { return p.openStream("stderr") }}
	return p, nil
}

func (r *Remote) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal sandbox request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build sandbox request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body := httpclient.ReadErrorBody(resp.Body, maxRemoteErrorBody)
		return &wberrors.StatusError{Service: "sandbox", StatusCode: resp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode sandbox response: %w", err)
	}
	return nil
}

type remoteProcess struct {
	remote *Remote
	id     string
	ctx    context.Context
	stdout *lazyStream
	stderr *lazyStream

	waitOnce sync.Once
	code     int
	err      error
}

func (p *remoteProcess) Stdout() io.Reader { return p.stdout }
func (p *remoteProcess) Stderr() io.Reader { return p.stderr }

func (p *remoteProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		var out struct {
			ExitCode int `json:"exit_code"`
		}
		req, err := http.NewRequestWithContext(p.ctx, http.MethodPost, p.remote.baseURL+"/v1/processes/"+url.PathEscape(p.id)+"/wait", nil)
		if err != nil {
			p.code, p.err = 1, err
			return
		}
		resp, err := p.remote.stream.Do(req)
		if err != nil {
			p.code, p.err = 1, fmt.Errorf("wait for process %s: %w", p.id, err)
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			body := httpclient.ReadErrorBody(resp.Body, maxRemoteErrorBody)
			p.code, p.err = 1, &wberrors.StatusError{Service: "sandbox", StatusCode: resp.StatusCode, Body: body}
			return
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			p.code, p.err = 1, fmt.Errorf("decode wait response: %w", err)
			return
		}
		p.code = out.ExitCode
	})
	return p.code, p.err
}

func (p *remoteProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.stdout.close()
	p.stderr.close()
	return p.remote.doJSON(ctx, http.MethodDelete, "/v1/processes/"+url.PathEscape(p.id), nil, nil)
}

func (p *remoteProcess) openStream(name string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, p.remote.baseURL+"/v1/processes/"+url.PathEscape(p.id)+"/"+name, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.remote.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		body := httpclient.ReadErrorBody(resp.Body, maxRemoteErrorBody)
		return nil, &wberrors.StatusError{Service: "sandbox", StatusCode: resp.StatusCode, Body: body}
	}
	return resp.Body, nil
}

// lazyStream opens its HTTP body on first Read.
type lazyStream struct {
	open func() (io.ReadCloser, error)

	mu     sync.Mutex
	body   io.ReadCloser
	err    error
	closed bool
}

func (s *lazyStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.EOF
	}
	if s.body == nil && s.err == nil {
		s.body, s.err = s.open()
	}
	body, err := s.body, s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return body.Read(p)
}

func (s *lazyStream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.body != nil {
		_ = s.body.Close()
	}
}
