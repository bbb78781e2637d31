package sandbox

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"workbench/internal/async"
)

var ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// Watch performs an initial scan of the workdir, emitting add events for
// everything present, then streams fsnotify changes.
func (l *Local) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &localWatcher{
		local:   l,
		watcher: watcher,
		out:     make(chan Event, 256),
		ctx:     ctx,
		dirs:    map[string]bool{},
	}
	if err := watcher.Add(l.root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	async.Go(l.logger, "sandbox.watch", w.loop)
	return w.out, nil
}

type localWatcher struct {
	local   *Local
	watcher *fsnotify.Watcher
	out     chan Event
	ctx     context.Context

	mu   sync.Mutex
	dirs map[string]bool
}

func (w *localWatcher) loop() {
	defer close(w.out)
	defer func() { _ = w.watcher.Close() }()

	if err := w.addTree(w.local.root, false); err != nil {
		w.local.logger.Warn("sandbox initial scan failed: %v", err)
	}
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.local.logger.Warn("sandbox watcher error: %v", err)
		}
	}
}

func (w *localWatcher) handle(event fsnotify.Event) {
	rel, ok := w.rel(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Op&fsnotify.Create != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := w.addTree(event.Name, true); err != nil {
				w.local.logger.Warn("watch %s: %v", rel, err)
			}
			return
		}
		w.emitFile(EventAdd, event.Name, rel)
	case event.Op&fsnotify.Write != 0:
		w.emitFile(EventChange, event.Name, rel)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.mu.Lock()
		isDir := w.dirs[event.Name]
		delete(w.dirs, event.Name)
		w.mu.Unlock()
		if isDir {
			w.send(Event{Kind: EventRemoveDir, Path: rel})
			return
		}
		w.send(Event{Kind: EventRemove, Path: rel})
	}
}

// addTree registers dir and its descendants. emitDir controls whether the
// root itself is reported.
func (w *localWatcher) addTree(dir string, emitDir bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, ok := w.rel(path)
		if d.IsDir() {
			if path != w.local.root && ignoredDirs[d.Name()] {
				return filepath.SkipDir
			}
			if err := w.watcher.Add(path); err != nil {
				return err
			}
			w.mu.Lock()
			w.dirs[path] = true
			w.mu.Unlock()
			if ok && (path != dir || emitDir) {
				w.send(Event{Kind: EventAddDir, Path: rel})
			}
			return nil
		}
		if ok {
			w.emitFile(EventAdd, path, rel)
		}
		return nil
	})
}

func (w *localWatcher) emitFile(kind EventKind, full, rel string) {
	data, err := os.ReadFile(full)
	if err != nil {
		return
	}
	w.send(Event{Kind: kind, Path: rel, Content: data})
}

func (w *localWatcher) send(ev Event) {
	select {
	case w.out <- ev:
	case <-w.ctx.Done():
	}
}

func (w *localWatcher) rel(full string) (string, bool) {
	rel, err := filepath.Rel(w.local.root, full)
	if err != nil || rel == "." {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
