package settings

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDuration = 500 * time.Millisecond

// WatchFiles emits on the returned channel after a debounced change to any
// of the files. The channel closes when ctx is done.
//
// The parent directories are watched rather than the files so that editors
// replacing the file by rename are still observed.
func WatchFiles(ctx context.Context, files ...string) <-chan struct{} {
	reloadCh := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create fsnotify watcher", "error", err)
		close(reloadCh)
		return reloadCh
	}

	watched := make(map[string]bool, len(files))
	for _, file := range files {
		absPath, err := filepath.Abs(file)
		if err != nil {
			slog.Warn("Could not resolve absolute path for watch file", "file", file)
			continue
		}
		watched[absPath] = true
		dir := filepath.Dir(absPath)
		if err := watcher.Add(dir); err != nil {
			slog.Warn("Could not watch directory", "dir", dir, "error", err)
		} else {
			slog.Debug("Watching configuration file", "file", absPath)
		}
	}

	go func() {
		defer watcher.Close()
		defer close(reloadCh)

		timer := time.NewTimer(debounceDuration)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !watched[filepath.Clean(event.Name)] {
					continue
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
					timer.Reset(debounceDuration)
				}
			case <-timer.C:
				slog.Info("Configuration change detected")
				select {
				case reloadCh <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Watcher encountered an error", "error", err)
			}
		}
	}()

	return reloadCh
}
