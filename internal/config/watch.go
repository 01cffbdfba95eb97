package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editors that write config files in several events.
const reloadDebounce = 500 * time.Millisecond

// Watch reloads the config file on change and calls onReload with the new
// config. Reloads that fail validation or do not change the effective
// config are dropped. Blocks until ctx is done.
func Watch(ctx context.Context, path string, current *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory, not the file: most editors replace the file,
	// which drops a watch set on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	lastHash, err := current.Hash()
	if err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)

		case <-fire:
			cfg, err := Load(path)
			if err != nil {
				slog.Error("config reload rejected", "path", path, "error", err)
				continue
			}
			hash, err := cfg.Hash()
			if err != nil || hash == lastHash {
				continue
			}
			lastHash = hash
			slog.Info("config reloaded", "path", path)
			onReload(cfg)
		}
	}
}
