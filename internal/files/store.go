// Package files mirrors the sandbox file system in memory and tracks which
// files differ from their last saved content.
package files

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"workbench/internal/diff"
	"workbench/internal/logging"
	"workbench/internal/sandbox"
)

// EntryType distinguishes files from directories.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
)

// Entry is one mirrored path.
type Entry struct {
	Path     string    `json:"path"`
	Type     EntryType `json:"type"`
	Content  string    `json:"content,omitempty"`
	IsBinary bool      `json:"isBinary,omitempty"`
}

// Writer is the sandbox write path.
type Writer interface {
	MkdirAll(ctx context.Context, path string) error
	WriteFile(ctx context.Context, path, content string) error
}

// Change describes a mirror update for observers.
type Change struct {
	Path     string
	Removed  bool
	Modified bool
}

// Modification is what changed in a file since its baseline: a unified
// diff, or the full content when the diff would be larger.
type Modification struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Store is the in-memory mirror. Writes go to the sandbox first.
type Store struct {
	sb       Writer
	diff     *diff.Generator
	logger   logging.Logger
	onChange func(Change)

	mu       sync.RWMutex
	entries  map[string]Entry
	baseline map[string]string
}

// Option customises a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) { s.logger = logging.OrNop(logger) }
}

// WithOnChange registers a callback for every mirror change.
func WithOnChange(fn func(Change)) Option {
	return func(s *Store) { s.onChange = fn }
}

// New creates an empty mirror over sb.
func New(sb Writer, opts ...Option) *Store {
	s := &Store{
		sb:       sb,
		diff:     diff.NewGenerator(false),
		logger:   logging.NewComponentLogger("files"),
		entries:  map[string]Entry{},
		baseline: map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Normalize maps sandbox paths onto mirror keys: slash separated, relative,
// without leading "./" or "/".
func Normalize(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// MkdirAll creates a directory in the sandbox and mirrors it.
func (s *Store) MkdirAll(ctx context.Context, dir string) error {
	if err := s.sb.MkdirAll(ctx, dir); err != nil {
		return err
	}
	s.mu.Lock()
	s.addDirsLocked(Normalize(dir))
	s.mu.Unlock()
	return nil
}

// WriteFile satisfies the runner's file system; it is Write.
func (s *Store) WriteFile(ctx context.Context, p, content string) error {
	return s.Write(ctx, p, content)
}

// Write stores content in the sandbox, then in the mirror. The baseline is
// left alone, so the file shows as modified until saved or reset.
func (s *Store) Write(ctx context.Context, p, content string) error {
	key := Normalize(p)
	if key == "" {
		return fmt.Errorf("empty path")
	}
	if dir := path.Dir(key); dir != "." {
		if err := s.sb.MkdirAll(ctx, dir); err != nil {
			s.logger.Warn("create folder %s: %v", dir, err)
		}
	}
	if err := s.sb.WriteFile(ctx, p, content); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	s.mu.Lock()
	s.setFileLocked(key, content)
	modified := s.isModifiedLocked(key)
	s.mu.Unlock()
	s.notify(Change{Path: key, Modified: modified})
	return nil
}

// Read returns mirrored content of a file.
func (s *Store) Read(p string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[Normalize(p)]
	if !ok || e.Type != TypeFile {
		return "", false
	}
	return e.Content, true
}

// Entry returns the mirrored entry for p.
func (s *Store) Entry(p string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[Normalize(p)]
	return e, ok
}

// Save writes content through the sandbox and makes it the new baseline.
func (s *Store) Save(ctx context.Context, p, content string) error {
	if err := s.Write(ctx, p, content); err != nil {
		return err
	}
	key := Normalize(p)
	s.mu.Lock()
	s.baseline[key] = content
	s.mu.Unlock()
	s.notify(Change{Path: key})
	return nil
}

// IsModified reports whether p differs from its baseline.
func (s *Store) IsModified(p string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isModifiedLocked(Normalize(p))
}

// ListModified returns modified paths in lexical order.
func (s *Store) ListModified() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for key, e := range s.entries {
		if e.Type == TypeFile && s.isModifiedLocked(key) {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

// ResetModifications makes current content the baseline for every file.
func (s *Store) ResetModifications() {
	s.mu.Lock()
	s.baseline = make(map[string]string, len(s.entries))
	for key, e := range s.entries {
		if e.Type == TypeFile {
			s.baseline[key] = e.Content
		}
	}
	s.mu.Unlock()
}

// Modifications describes every modified text file relative to its baseline.
func (s *Store) Modifications() map[string]Modification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]Modification{}
	for key, e := range s.entries {
		if e.Type != TypeFile || e.IsBinary || !s.isModifiedLocked(key) {
			continue
		}
		base, ok := s.baseline[key]
		if !ok {
			out[key] = Modification{Type: "file", Content: e.Content}
			continue
		}
		res := s.diff.Unified(key, base, e.Content)
		if len(res.UnifiedDiff) >= len(e.Content) {
			out[key] = Modification{Type: "file", Content: e.Content}
			continue
		}
		out[key] = Modification{Type: "diff", Content: res.UnifiedDiff}
	}
	return out
}

// Count returns the number of mirrored files.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if e.Type == TypeFile {
			n++
		}
	}
	return n
}

// Files returns mirrored files sorted by path.
func (s *Store) Files() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Type == TypeFile {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// TextFiles returns path -> content for every non-binary file.
func (s *Store) TextFiles() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]string{}
	for key, e := range s.entries {
		if e.Type == TypeFile && !e.IsBinary {
			out[key] = e.Content
		}
	}
	return out
}

// Apply folds a sandbox watch event into the mirror. Files seen for the
// first time take their content as baseline.
func (s *Store) Apply(ev sandbox.Event) {
	key := Normalize(ev.Path)
	if key == "" {
		return
	}
	change := Change{Path: key}
	s.mu.Lock()
	switch ev.Kind {
	case sandbox.EventAdd, sandbox.EventChange:
		content := string(ev.Content)
		_, known := s.entries[key]
		s.setFileLocked(key, content)
		if !known {
			s.baseline[key] = content
		}
		change.Modified = s.isModifiedLocked(key)
	case sandbox.EventRemove:
		delete(s.entries, key)
		delete(s.baseline, key)
		change.Removed = true
	case sandbox.EventAddDir:
		s.addDirsLocked(key)
	case sandbox.EventRemoveDir:
		prefix := key + "/"
		for p := range s.entries {
			if p == key || strings.HasPrefix(p, prefix) {
				delete(s.entries, p)
				delete(s.baseline, p)
			}
		}
		change.Removed = true
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.notify(change)
}

// Run applies events until the channel closes or ctx ends.
func (s *Store) Run(ctx context.Context, events <-chan sandbox.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}

func (s *Store) setFileLocked(key, content string) {
	s.addDirsLocked(path.Dir(key))
	s.entries[key] = Entry{
		Path:     key,
		Type:     TypeFile,
		Content:  content,
		IsBinary: isBinary(content),
	}
}

func (s *Store) addDirsLocked(dir string) {
	for dir != "." && dir != "" && dir != "/" {
		if e, ok := s.entries[dir]; ok && e.Type == TypeDirectory {
			return
		}
		s.entries[dir] = Entry{Path: dir, Type: TypeDirectory}
		dir = path.Dir(dir)
	}
}

func (s *Store) isModifiedLocked(key string) bool {
	e, ok := s.entries[key]
	if !ok || e.Type != TypeFile {
		return false
	}
	base, ok := s.baseline[key]
	return !ok || base != e.Content
}

func (s *Store) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}

func isBinary(content string) bool {
	return strings.IndexByte(content, 0) >= 0 || !utf8.ValidString(content)
}
