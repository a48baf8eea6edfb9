package runbooks

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher reloads a runbook directory into a Library whenever it changes.
// A reload that fails validation keeps the previous repository.
type Watcher struct {
	dir      string
	library  *Library
	builtin  []Runbook
	debounce time.Duration
	logger   *zap.Logger
}

// WatcherOption configures a Watcher
type WatcherOption func(*Watcher)

// WithBuiltin prepends runbooks that are always present
func WithBuiltin(rbs []Runbook) WatcherOption {
	return func(w *Watcher) {
		w.builtin = rbs
	}
}

// WithDebounce sets how long to wait for writes to settle
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// WithWatcherLogger adds logging
func WithWatcherLogger(logger *zap.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher for dir
func NewWatcher(dir string, library *Library, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:      dir,
		library:  library,
		debounce: defaultDebounce,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Reload loads the directory and swaps it into the library
func (w *Watcher) Reload() error {
	loaded, err := LoadDir(w.dir)
	if err != nil {
		return err
	}
	all := make([]Runbook, 0, len(w.builtin)+len(loaded))
	all = append(all, w.builtin...)
	all = append(all, loaded...)

	repo, err := NewRepository(all...)
	if err != nil {
		return err
	}
	w.library.Swap(repo)
	return nil
}

// Run watches the directory until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch runbook directory: %w", err)
	}
	w.logger.Info("watching runbooks", zap.String("dir", w.dir))

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isRunbookFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(w.debounce)
			}

		case <-timer.C:
			if err := w.Reload(); err != nil {
				w.logger.Error("failed to reload runbooks",
					zap.String("dir", w.dir),
					zap.Error(err))
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("runbook watcher error", zap.Error(err))
		}
	}
}
