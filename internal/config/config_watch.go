package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce absorbs editor write bursts (rename+write+chmod) into one
// reload.
const debounce = 300 * time.Millisecond

// Watch reloads the config file on change and calls onChange with each
// successfully parsed result. It blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename, which
	// drops a watch placed on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	base := filepath.Base(path)
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
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
				slog.Warn("config reload failed, keeping previous", "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}
