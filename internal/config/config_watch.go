package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads tunable sections (security limits, memory budgets, alert
// thresholds) when the config file changes on disk. Structural settings
// (listeners, storage driver, providers) still require a restart.
// Runs until ctx is done.
func (c *Config) Watch(ctx context.Context, path string, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace the file, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(250*time.Millisecond, func() {
					fresh, err := Load(path)
					if err != nil {
						slog.Warn("config.reload_failed", "path", path, "error", err)
						return
					}
					c.ApplyTunables(fresh.Security, fresh.Memory, fresh.Monitor)
					slog.Info("config.reloaded", "path", path)
					if onReload != nil {
						onReload()
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config.watch_error", "error", err)
			}
		}
	}()
	return nil
}
