package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchFile calls reload every time path is written or re-created. It runs
// until ctx is cancelled. A failing reload is logged and the caller keeps
// whatever it loaded before.
//
// The parent directory is watched so the watch survives editors that save
// by renaming a temporary file over path.
func WatchFile(ctx context.Context, path string, logger *slog.Logger, reload func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	logger.Info("watching file for changes", "path", path)

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
			// A rename over path arrives as Create; Remove and Rename leave nothing to load.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			if err := reload(); err != nil {
				logger.Error("reload failed, keeping previous version", "path", path, "error", err)
			} else {
				logger.Info("file reloaded", "path", path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("file watcher error", "error", err)
		}
	}
}

// Watch reloads the application config at path and hands every successfully
// parsed version to onChange.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	return WatchFile(ctx, path, logger, func() error {
		cfg, err := Load(path)
		if err != nil {
			return err
		}
		onChange(cfg)
		return nil
	})
}
