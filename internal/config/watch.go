package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives the previous and the newly loaded config with their diff.
type ReloadFunc func(old, new *Config, d ConfigDiff)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads path whenever it is written and calls fn when the result
// differs. The directory is watched so editors that replace the file by
// rename are still seen. Invalid files are logged and skipped. It blocks
// until ctx is done.
func Watch(ctx context.Context, path string, current *Config, fn ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-pending:
			pending = nil
			next, err := LoadFile(abs)
			if err != nil {
				slog.Error("config reload failed", "path", abs, "error", err)
				continue
			}
			d := Diff(current, next)
			for _, field := range d.NonReloadable {
				slog.Warn("config change requires restart", "field", field)
			}
			if d.HasChanges() {
				slog.Info("config reloaded", "path", abs,
					"agents_added", d.AgentsAdded, "agents_removed", d.AgentsRemoved, "agents_changed", d.AgentsChanged)
				fn(current, next, d)
			}
			current = next
		}
	}
}
