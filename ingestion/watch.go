package ingestion

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watch calls fn whenever the file at path is written, created or renamed
// into place, after changes have been quiet for debounce. The parent
// directory is watched so editors that replace the file are handled.
// Errors from fn are logged and watching continues. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, fn func(ctx context.Context) error, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger = logger.With("component", "watch", "path", path)

	target, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}
	logger.Info("watching for changes")

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("change detected", "op", event.Op.String())
			timer.Reset(debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("watch error", "err", err)

		case <-timer.C:
			if err := fn(ctx); err != nil {
				logger.Error("re-ingestion failed", "err", err)
			}
		}
	}
}
