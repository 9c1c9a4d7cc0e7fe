package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kyotosystems/quell/internal/qerrors"
)

// Watcher reloads the configuration file when it changes on disk and
// hands the parsed result to subscribers. Reload failures keep the
// previous configuration and are logged, never propagated to callers.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(Config)
	running   bool

	debounce time.Duration
	done     chan struct{}
}

// NewWatcher creates a watcher for the given config path
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, qerrors.Wrap(qerrors.TypeConfig, "create file watcher", err)
	}
	return &Watcher{
		logger:   logger,
		path:     path,
		watcher:  fw,
		debounce: time.Second,
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. onChange receives every successfully reloaded
// configuration.
func (w *Watcher) Start(onChange func(Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return qerrors.New(qerrors.TypeConfig, "config watcher already running")
	}
	if onChange != nil {
		w.callbacks = append(w.callbacks, onChange)
	}

	if err := w.watcher.Add(w.path); err != nil {
		return qerrors.Wrap(qerrors.TypeConfig, "watch config file", err)
	}
	// Watch the directory too so atomic rename-over saves are seen
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("Cannot watch config directory", zap.Error(err))
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

func (w *Watcher) handleEvents() {
	var timer *time.Timer

	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// Debounce bursts from editors writing in chunks
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("Config reload failed, keeping previous configuration",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}

	w.mu.Lock()
	callbacks := append([]func(Config){}, w.callbacks...)
	w.mu.Unlock()

	w.logger.Info("Configuration reloaded", zap.String("summary", cfg.String()))
	for _, cb := range callbacks {
		cb(cfg)
	}
}

// Stop ends watching and releases the underlying watcher
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.done)
	return w.watcher.Close()
}
