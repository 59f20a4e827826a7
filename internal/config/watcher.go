package config

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchTargets holds callbacks that fire when the config changes on disk.
// The running server sets these at startup.
type WatchTargets struct {
	// OnChange fires with the freshly loaded config after config.yaml is
	// written or created.
	OnChange func(*Config)

	// OnError fires when the changed file fails to load. The previous
	// config stays in effect.
	OnError func(error)
}

// Watcher monitors the tally config directory for changes to config.yaml
// using fsnotify and reloads it.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	dir       string
	fsWatcher *fsnotify.Watcher
	logger    *zap.Logger
	done      chan struct{}
}

// NewWatcher creates a file watcher on the given config directory.
// Watching the directory rather than the file survives editors that
// replace the file on save.
func NewWatcher(dir string, targets WatchTargets, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		dir:       dir,
		fsWatcher: fw,
		logger:    logger.Named("config-watcher"),
		done:      make(chan struct{}),
	}
	go w.processEvents(targets)

	w.logger.Info("File watcher started", zap.String("dir", dir))
	return w, nil
}

// processEvents reads fsnotify events and reloads on config.yaml writes.
// Runs in a background goroutine until Close() is called.
func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}

			cfg, err := Load(w.dir)
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous config", zap.Error(err))
				if targets.OnError != nil {
					targets.OnError(err)
				}
				continue
			}
			w.logger.Info("config.yaml changed, applying reload")
			if targets.OnChange != nil {
				targets.OnChange(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

// Close stops the file watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
