package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Mindburn-Labs/helm/instructions/pkg/store"
)

// Watcher pushes invalidations into a Freshness as soon as the catalog
// directory changes. It also catches hand edits that never touch the
// marker.
type Watcher struct {
	dir       string
	freshness Freshness
	watcher   *fsnotify.Watcher
	logger    *slog.Logger
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, freshness Freshness, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "catalog")
	}
	return &Watcher{dir: dir, freshness: freshness, watcher: fsw, logger: logger}, nil
}

// Run processes events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.logger.DebugContext(ctx, "catalog: watch invalidation", "file", filepath.Base(event.Name), "op", event.Op.String())
				w.freshness.Invalidate()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WarnContext(ctx, "catalog: watcher error", "error", err)
			// Events may have been dropped.
			w.freshness.Invalidate()
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Chmod) {
		return false
	}
	name := filepath.Base(event.Name)
	if name == store.MarkerName {
		return true
	}
	ignored, _ := store.Ignored(name)
	return !ignored
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
