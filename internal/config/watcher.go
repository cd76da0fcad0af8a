package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
// Editors often write config files with several rapid operations.
const DebounceDelay = 200 * time.Millisecond

// ReloadFunc receives the freshly loaded configuration after the config
// file changed on disk.
type ReloadFunc func(cfg *Config)

// Watcher monitors the daemon configuration file and reloads the backend
// list when it changes. Reload failures keep the previous configuration.
type Watcher struct {
	path     string
	onReload ReloadFunc
	logger   *slog.Logger

	watcher *fsnotify.Watcher

	debounceMu    sync.Mutex
	debounceTimer *time.Timer
	debounceDelay time.Duration

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the given configuration file.
// Call Start to begin watching and Close when done.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: editors replace files via rename,
	// which drops a direct file watch.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	return &Watcher{
		path:          path,
		onReload:      onReload,
		logger:        logger,
		watcher:       fw,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay overrides the debounce delay. Must be called before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceDelay = d
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher and waits for the event loop to exit.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("config watcher error", "error", err)
			}
		}
	}
}

// scheduleReload debounces rapid sequences of file events into one reload.
func (w *Watcher) scheduleReload() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("config reload failed, keeping previous configuration",
				"path", w.path,
				"error", err)
		}
		return
	}

	if w.logger != nil {
		w.logger.Info("configuration reloaded",
			"path", w.path,
			"backends", len(cfg.Backends))
	}
	w.onReload(cfg)
}
