package config

import (
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the carpid config file when it changes on disk and
// pushes the result to its handler. Editors and provisioning scripts
// write in bursts, so events are debounced before reloading.
type Watcher struct {
	path     string
	fs       *fsnotify.Watcher
	handler  func(cfg *Config)
	debounce time.Duration
	stop     chan struct{}
}

// NewWatcher creates a watcher for the config at path. The handler
// receives every successfully reloaded config; a reload that fails to
// parse is logged and the previous settings stay in effect.
func NewWatcher(path string, handler func(cfg *Config)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		fs:       fs,
		handler:  handler,
		debounce: 300 * time.Millisecond,
	}, nil
}

// Start begins watching. Stop must be called to release the watch.
func (w *Watcher) Start() error {
	if err := w.fs.Add(w.path); err != nil {
		return err
	}
	w.stop = make(chan struct{})
	go w.watchLoop()
	slog.Info("watching config for changes", "path", w.path)
	return nil
}

func (w *Watcher) Stop() {
	if w.stop != nil {
		close(w.stop)
	}
	w.fs.Close()
}

func (w *Watcher) watchLoop() {
	var pending *time.Timer
	for {
		select {
		case <-w.stop:
			if pending != nil {
				pending.Stop()
			}
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			// Write for in-place edits, Create for the rename dance
			// most editors do on save.
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Error("config reload failed, keeping previous settings", "path", w.path, "error", err)
		return
	}
	slog.Info("config reloaded", "path", w.path)
	w.handler(cfg)
}
