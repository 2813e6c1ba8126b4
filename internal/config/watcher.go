package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors config.yaml for changes using fsnotify and reloads it,
// so a long-running `auditanchor serve` picks up a new anchoring policy or
// log level without a restart.
//
// The watcher runs a background goroutine that processes fsnotify events.
// Call Close() to stop the watcher and release resources.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	done      chan struct{}
}

// NewWatcher watches the directory containing path and calls onChange with
// the freshly loaded config each time path is written or created.
//
// The directory is watched rather than the file itself: editors that save
// by rename would otherwise detach the watch after the first save.
// A reload that fails to parse or validate is logged and skipped; the
// previous config stays in effect.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher: fw,
		path:      path,
		done:      make(chan struct{}),
	}

	go w.processEvents(onChange)

	slog.Info("config watcher started", "path", path)
	return w, nil
}

// processEvents reads fsnotify events until Close() is called.
func (w *Watcher) processEvents(onChange func(*Config)) {
	target := filepath.Base(w.path)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != target {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				slog.Error("config reload failed, keeping previous config", "path", w.path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", w.path)
			if onChange != nil {
				onChange(cfg)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying
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
