package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fossabot/otoroshi/internal/datastore"
	"github.com/fossabot/otoroshi/internal/logging"
)

// Watch reloads the config file on change and stores the new snapshot.
// Events are debounced: editors often emit several writes per save.
func Watch(ctx context.Context, path string, store datastore.Datastore) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: rename-and-replace saves drop the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	base := filepath.Base(path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(evt.Name) != base {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn("config watcher error", zap.Error(err))

		case <-reload:
			if !fileExists(path) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logging.Error("config reload rejected", zap.Error(err))
				continue
			}
			if err := store.Store(ctx, cfg.Snapshot()); err != nil {
				logging.Error("config store failed", zap.Error(err))
				continue
			}
			logging.Info("configuration reloaded",
				zap.Int("services", len(cfg.Services)),
				zap.Int("apiKeys", len(cfg.ApiKeys)))
		}
	}
}
