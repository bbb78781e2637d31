package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"workbench/internal/logging"
)

type watchOptions struct {
	debounce time.Duration
	logger   logging.Logger
	load     []Option
}

// WatchOption tunes Watch.
type WatchOption func(*watchOptions)

// WithWatchDebounce coalesces bursts of writes (editors often write twice).
func WithWatchDebounce(d time.Duration) WatchOption {
	return func(o *watchOptions) {
		if d > 0 {
			o.debounce = d
		}
	}
}

func WithWatchLogger(logger logging.Logger) WatchOption {
	return func(o *watchOptions) { o.logger = logging.OrNop(logger) }
}

// WithLoadOptions is appended to WithConfigPath on every reload.
func WithLoadOptions(opts ...Option) WatchOption {
	return func(o *watchOptions) { o.load = append(o.load, opts...) }
}

// Watch reloads the config at path whenever it changes and hands each
// successfully loaded Config to onChange. A file that fails to load is
// logged and skipped. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, onChange func(Config), opts ...WatchOption) error {
	if path == "" {
		return fmt.Errorf("config path required")
	}
	o := watchOptions{debounce: 750 * time.Millisecond, logger: logging.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	abs = filepath.Clean(abs)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	// The directory, not the file: editors save by renaming over it.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", abs, err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == abs && ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				pending = time.After(o.debounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			o.logger.Warn("config watch: %v", err)
		case <-pending:
			pending = nil
			cfg, _, err := Load(append([]Option{WithConfigPath(abs)}, o.load...)...)
			if err != nil {
				o.logger.Warn("config reload from %s failed: %v", abs, err)
				continue
			}
			o.logger.Info("config reloaded from %s", abs)
			onChange(cfg)
		}
	}
}
