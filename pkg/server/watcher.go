package server

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/vyvo/laminar/pkg/engine"
)

// WatchConfig watches cfg/nodes and cfg/jobs and reloads the engine
// configuration when files change. The returned close function stops the
// watcher.
func WatchConfig(homeDir string, e *engine.Engine, log *slog.Logger) (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{
		filepath.Join(homeDir, "cfg", "nodes"),
		filepath.Join(homeDir, "cfg", "jobs"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			watcher.Close()
			return nil, err
		}
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, err
		}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Info("configuration changed", "path", event.Name)
					e.NotifyConfigChanged()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher", "error", err)
			}
		}
	}()

	return watcher.Close, nil
}
