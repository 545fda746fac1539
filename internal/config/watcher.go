package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk. The
// containing directory is watched so replaced files and swapped symlinks
// (as done by editors and mounted ConfigMaps) are noticed. Events that
// leave the file content unchanged are ignored.
type Watcher struct {
	path     string
	loader   *Loader
	logger   *zap.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	onChange []func(*Config)
	digest   [sha256.Size]byte
	timer    *time.Timer
	started  bool
	stopped  bool
	done     chan struct{}
	finished chan struct{}
}

// NewWatcher creates a watcher for path. The current content is taken as
// the baseline and does not trigger a callback.
func NewWatcher(path string, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		loader:   NewLoader(),
		logger:   logger,
		fs:       fs,
		debounce: defaultDebounce,
		digest:   sha256.Sum256(data),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

// SetDebounce sets how long the file must be quiet before it is reloaded.
// Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// OnChange registers fn to receive every successfully parsed new config.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	w.onChange = append(w.onChange, fn)
	w.mu.Unlock()
}

// Start begins watching in the background.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	go w.loop()
	return nil
}

// Stop ends watching and cancels a pending reload. It is safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
	close(w.done)
	started := w.started
	w.mu.Unlock()

	err := w.fs.Close()
	if started {
		<-w.finished
	}
	return err
}

func (w *Watcher) loop() {
	defer close(w.finished)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.schedule()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload parses the file and notifies callbacks when its content changed.
// A missing, empty or invalid file keeps the previous configuration.
func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.logger.Warn("Config file unreadable, keeping current config", zap.String("path", w.path), zap.Error(err))
		return
	}
	if len(bytes.TrimSpace(data)) == 0 {
		w.logger.Warn("Config file empty, keeping current config", zap.String("path", w.path))
		return
	}
	digest := sha256.Sum256(data)

	w.mu.Lock()
	if w.stopped || bytes.Equal(digest[:], w.digest[:]) {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	cfg, err := w.loader.Parse(data)
	if err != nil {
		w.logger.Error("Config file invalid, keeping current config", zap.String("path", w.path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.digest = digest
	callbacks := slices.Clone(w.onChange)
	w.mu.Unlock()

	w.logger.Info("Config file changed", zap.String("path", w.path))
	for _, fn := range callbacks {
		fn(cfg)
	}
}
