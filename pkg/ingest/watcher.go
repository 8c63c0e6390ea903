package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/Mindburn-Labs/puffer/broker/pkg/manifest"
)

// Watcher signals when a manifest appears or changes in a directory.
// Notifications are coalesced: at most one is pending at a time.
type Watcher struct {
	fsw    *fsnotify.Watcher
	notify chan struct{}
	logger *slog.Logger
}

// NewWatcher starts watching dir.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{fsw: fsw, notify: make(chan struct{}, 1), logger: logger}, nil
}

// C fires after manifest events.
func (w *Watcher) C() <-chan struct{} {
	return w.notify
}

// Run forwards events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !manifest.IsManifestName(filepath.Base(ev.Name)) {
				continue
			}
			select {
			case w.notify <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.WarnContext(ctx, "inbox watch error", "error", err)
		}
	}
}
