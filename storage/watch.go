package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long WatchFile waits for further writes before
// reading the file.
const DefaultDebounce = 200 * time.Millisecond

// WatchFile calls fn with the contents of path now and after every change
// until ctx is done. The parent directory is watched, so atomic replacement by
// rename is seen. Changes within debounce of each other are reported once.
func WatchFile(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, fn func([]byte)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var last []byte
	emit := func() {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Warn("Failed to read watched file", "path", path, "error", err)
			}
			return
		}
		if last != nil && string(last) == string(data) {
			return
		}
		last = data
		fn(data)
	}
	emit()

	target := filepath.Clean(path)
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				timer.Reset(debounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error", "path", path, "error", err)

		case <-timer.C:
			emit()
		}
	}
}
