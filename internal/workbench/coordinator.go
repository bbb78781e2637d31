// Package workbench coordinates artifacts, their action runners, the file
// mirror and the editor for one chat session.
package workbench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"workbench/internal/action"
	"workbench/internal/async"
	"workbench/internal/editor"
	"workbench/internal/eventhub"
	"workbench/internal/files"
	"workbench/internal/history"
	"workbench/internal/logging"
	"workbench/internal/parser"
	"workbench/internal/runner"
	"workbench/internal/sandbox"
	"workbench/internal/store"
	"workbench/internal/telemetry"
)

const (
	DefaultUploadAttempts = 10
	DefaultUploadInterval = time.Second
)

// ErrArtifactNotFound is returned for actions of an unknown message.
var ErrArtifactNotFound = errors.New("artifact not found")

// Artifact is the workbench view of one assistant message's artifact.
type Artifact struct {
	ID        string               `json:"id"`
	MessageID string               `json:"messageId"`
	Title     string               `json:"title"`
	Closed    bool                 `json:"closed"`
	Runner    *runner.ActionRunner `json:"-"`
}

// ArtifactPatch updates selected artifact fields. Nil fields are kept.
type ArtifactPatch struct {
	Title  *string
	Closed *bool
}

// Uploader receives the one-time project snapshot.
type Uploader interface {
	UploadFiles(ctx context.Context, snap telemetry.Snapshot) error
}

// Config wires a Coordinator.
type Config struct {
	Sandbox  sandbox.Sandbox
	Hub      *eventhub.Hub
	Logs     runner.LogSink
	Uploader Uploader
	History  history.Store
	ChatID   string
	Logger   logging.Logger

	RunnerMetrics *runner.Metrics
	Tracer        trace.Tracer
	StartupGrace  time.Duration
	Env           map[string]string

	UploadAttempts int
	UploadInterval time.Duration
}

// Coordinator is the single entry point the chat stream and the API use.
type Coordinator struct {
	cfg       Config
	files     *files.Store
	editor    *editor.Editor
	hub       *eventhub.Hub
	logger    logging.Logger
	artifacts *store.Map[string, Artifact]

	ctx     context.Context
	cancel  context.CancelFunc
	uploads sync.WaitGroup

	mu            sync.Mutex
	chatID        string
	uploadStarted bool
	ready         bool
	closed        bool
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.UploadAttempts <= 0 {
		cfg.UploadAttempts = DefaultUploadAttempts
	}
	if cfg.UploadInterval <= 0 {
		cfg.UploadInterval = DefaultUploadInterval
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("workbench")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		editor:    editor.New(),
		hub:       cfg.Hub,
		logger:    logger,
		artifacts: store.NewMap[string, Artifact](nil),
		ctx:       ctx,
		cancel:    cancel,
		chatID:    cfg.ChatID,
		ready:     true,
	}
	c.files = files.New(cfg.Sandbox, files.WithLogger(logger), files.WithOnChange(c.onFileChange))
	return c
}

// Files exposes the file mirror.
func (c *Coordinator) Files() *files.Store { return c.files }

// Editor exposes the document buffers.
func (c *Coordinator) Editor() *editor.Editor { return c.editor }

// Hub returns the event hub, which may be nil.
func (c *Coordinator) Hub() *eventhub.Hub { return c.hub }

// SetChatID switches the chat whose history accompanies telemetry.
func (c *Coordinator) SetChatID(chatID string) {
	c.mu.Lock()
	c.chatID = chatID
	c.mu.Unlock()
}

// ChatID returns the current chat id.
func (c *Coordinator) ChatID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chatID
}

// WatchFiles mirrors sandbox file events until ctx ends. Sandboxes without
// watch support are mirrored only through writes.
func (c *Coordinator) WatchFiles(ctx context.Context) error {
	events, err := c.cfg.Sandbox.Watch(ctx)
	if errors.Is(err, sandbox.ErrWatchUnsupported) {
		c.logger.Debug("sandbox does not support file watching")
		return nil
	}
	if err != nil {
		return fmt.Errorf("watch sandbox: %w", err)
	}
	async.Go(c.logger, "workbench.watch", func() { c.files.Run(ctx, events) })
	return nil
}

// Parser returns a stream parser whose events drive this coordinator.
func (c *Coordinator) Parser(messageID string) *parser.Parser {
	return parser.New(messageID, parser.Callbacks{
		OnArtifactOpen: func(ev parser.ArtifactEvent) {
			c.AddArtifact(ev)
		},
		OnArtifactClose: func(ev parser.ArtifactEvent) {
			closed := true
			if err := c.UpdateArtifact(ev.MessageID, ArtifactPatch{Closed: &closed}); err != nil {
				c.logger.Warn("close artifact %s: %v", ev.ID, err)
			}
		},
		OnActionOpen: func(ev parser.ActionEvent) {
			if err := c.AddAction(ev); err != nil {
				c.logger.Warn("add action %s: %v", ev.ActionID, err)
			}
		},
		OnActionClose: func(ev parser.ActionEvent) {
			if err := c.RunAction(ev); err != nil {
				c.logger.Warn("run action %s: %v", ev.ActionID, err)
			}
		},
		OnActionDiscard: func(ev parser.ActionEvent) {
			if err := c.DiscardAction(ev); err != nil {
				c.logger.Warn("discard action %s: %v", ev.ActionID, err)
			}
		},
	}, parser.WithLogger(c.logger))
}

// AddArtifact registers the artifact of a message. Repeated calls for the
// same message are ignored. The first artifact of the session triggers the
// project upload.
func (c *Coordinator) AddArtifact(ev parser.ArtifactEvent) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	art, created := c.artifacts.Update(ev.MessageID, func(cur Artifact, exists bool) (Artifact, bool) {
		if exists {
			return cur, false
		}
		return Artifact{
			ID:        ev.ID,
			MessageID: ev.MessageID,
			Title:     ev.Title,
			Runner:    c.newRunner(ev.ID),
		}, true
	})
	if !created {
		return false
	}
	c.logger.Info("artifact %s opened for message %s", art.ID, art.MessageID)
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	c.publishArtifact(art)
	c.startUpload(art)
	return true
}

// UpdateArtifact changes title or closed state.
func (c *Coordinator) UpdateArtifact(messageID string, patch ArtifactPatch) error {
	art, changed := c.artifacts.Update(messageID, func(cur Artifact, exists bool) (Artifact, bool) {
		if !exists {
			return cur, false
		}
		if patch.Title != nil {
			cur.Title = *patch.Title
		}
		if patch.Closed != nil {
			cur.Closed = *patch.Closed
		}
		return cur, true
	})
	if !changed {
		return fmt.Errorf("%s: %w", messageID, ErrArtifactNotFound)
	}
	c.publishArtifact(art)
	return nil
}

// AddAction registers a streamed action as pending on its artifact's runner.
func (c *Coordinator) AddAction(ev parser.ActionEvent) error {
	art, ok := c.artifacts.Get(ev.MessageID)
	if !ok {
		return fmt.Errorf("%s: %w", ev.MessageID, ErrArtifactNotFound)
	}
	art.Runner.AddAction(ev.ActionID, ev.Action)
	return nil
}

// RunAction queues a completed action for execution.
func (c *Coordinator) RunAction(ev parser.ActionEvent) error {
	art, ok := c.artifacts.Get(ev.MessageID)
	if !ok {
		return fmt.Errorf("%s: %w", ev.MessageID, ErrArtifactNotFound)
	}
	return art.Runner.RunAction(ev.ActionID, ev.Action)
}

// DiscardAction aborts an action whose stream ended before its body did, so
// it does not stay pending.
func (c *Coordinator) DiscardAction(ev parser.ActionEvent) error {
	art, ok := c.artifacts.Get(ev.MessageID)
	if !ok {
		return fmt.Errorf("%s: %w", ev.MessageID, ErrArtifactNotFound)
	}
	art.Runner.Abort(ev.ActionID)
	return nil
}

// Artifact returns the artifact of a message.
func (c *Coordinator) Artifact(messageID string) (Artifact, bool) {
	return c.artifacts.Get(messageID)
}

// Artifacts returns every artifact in the order they were opened.
func (c *Coordinator) Artifacts() []Artifact {
	return c.artifacts.Values()
}

// FirstArtifact returns the earliest artifact of the session.
func (c *Coordinator) FirstArtifact() (Artifact, bool) {
	keys := c.artifacts.Keys()
	if len(keys) == 0 {
		return Artifact{}, false
	}
	if len(keys) > 1 {
		c.logger.Debug("%d artifacts present, using the first", len(keys))
	}
	return c.artifacts.Get(keys[0])
}

// Actions returns the action states of one artifact.
func (c *Coordinator) Actions(messageID string) ([]action.State, error) {
	art, ok := c.artifacts.Get(messageID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", messageID, ErrArtifactNotFound)
	}
	return art.Runner.Actions(), nil
}

// AbortAllActions aborts every unfinished action of every artifact, closes
// the artifacts and leaves the coordinator ready for new work. It returns
// the number of aborted actions.
func (c *Coordinator) AbortAllActions() int {
	aborted := 0
	for _, key := range c.artifacts.Keys() {
		art, ok := c.artifacts.Get(key)
		if !ok {
			continue
		}
		aborted += art.Runner.AbortAll()
		if !art.Closed {
			closed := true
			_ = c.UpdateArtifact(key, ArtifactPatch{Closed: &closed})
		}
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	c.logger.Info("aborted %d actions", aborted)
	return aborted
}

// Ready reports whether no artifact was opened since the last abort.
func (c *Coordinator) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Drain waits until every runner is idle.
func (c *Coordinator) Drain(ctx context.Context) error {
	for _, art := range c.artifacts.Values() {
		if err := art.Runner.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every runner and waits for a pending upload.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	for _, art := range c.artifacts.Values() {
		art.Runner.Close()
	}
	c.cancel()
	c.uploads.Wait()
}

func (c *Coordinator) newRunner(artifactID string) *runner.ActionRunner {
	cfg := runner.Config{
		ArtifactID:   artifactID,
		Sandbox:      c.cfg.Sandbox,
		Files:        c.files,
		Logger:       c.logger,
		Metrics:      c.cfg.RunnerMetrics,
		Tracer:       c.cfg.Tracer,
		StartupGrace: c.cfg.StartupGrace,
		Env:          c.cfg.Env,
		OnUpdate: func(st action.State) {
			c.hub.Publish(eventhub.ActionUpdate{ArtifactID: artifactID, State: st, At: time.Now()})
		},
	}
	if c.cfg.Logs != nil {
		cfg.Logs = c.cfg.Logs
	}
	return runner.New(cfg)
}

func (c *Coordinator) publishArtifact(art Artifact) {
	c.hub.Publish(eventhub.ArtifactUpdate{
		ArtifactID: art.ID,
		Title:      art.Title,
		Closed:     art.Closed,
		At:         time.Now(),
	})
}

func (c *Coordinator) onFileChange(ch files.Change) {
	if ch.Removed {
		c.editor.Close(ch.Path)
	} else if content, ok := c.files.Read(ch.Path); ok {
		c.editor.Open(ch.Path, content)
	}
	c.hub.Publish(eventhub.FileUpdate{
		Path:     ch.Path,
		Removed:  ch.Removed,
		Modified: ch.Modified,
		At:       time.Now(),
	})
}
