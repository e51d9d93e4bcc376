package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"themis/core"
	"themis/util/goroutine"
)

// DefaultDebounce is how long the watcher waits after the last file event
// before reloading. Editors and sync tools emit bursts of writes; one reload
// per burst is enough.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc receives the freshly loaded rule set after a catalog change.
// Returning an error keeps the previous set active.
type ReloadFunc func(rules []core.Rule) error

// Watcher reloads a rule catalog when its files change. Reloads are
// fail-safe: a catalog that no longer parses is logged and skipped, so the
// rules loaded last keep running.
type Watcher struct {
	path     string
	debounce time.Duration
	onReload ReloadFunc
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	timer   *time.Timer
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool

	// runMu serializes reloads and lets Stop wait out a reload in flight.
	runMu sync.Mutex
}

// NewWatcher creates a watcher for a catalog file or directory. A debounce
// of zero or less selects DefaultDebounce.
func NewWatcher(path string, debounce time.Duration, onReload ReloadFunc, logger *zap.SugaredLogger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("watcher needs a catalog path")
	}
	if onReload == nil {
		return nil, fmt.Errorf("watcher needs a reload callback")
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Watcher{
		path:     path,
		debounce: debounce,
		onReload: onReload,
		logger:   logger,
	}, nil
}

// Start begins watching. The event loop runs until Stop is called or ctx is
// cancelled. Calling Start on a running watcher is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.started.Store(false)
		return fmt.Errorf("create fs watcher: %w", err)
	}
	if err := addPath(fsw, w.path); err != nil {
		fsw.Close()
		w.started.Store(false)
		return fmt.Errorf("watch %s: %w", w.path, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	w.mu.Lock()
	w.fsw = fsw
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go w.loop(loopCtx, fsw, done)

	w.logger.Infow("catalog watcher started",
		"path", w.path,
		"debounce", w.debounce)
	return nil
}

// Stop tears the watcher down, waiting for the event loop and any reload in
// flight to finish. Safe to call on a watcher that never started; must not
// be called from the reload callback.
func (w *Watcher) Stop() error {
	if !w.started.CompareAndSwap(true, false) {
		return nil
	}

	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	fsw := w.fsw
	done := w.done
	w.mu.Unlock()

	if done != nil {
		<-done
	}
	w.runMu.Lock()
	w.runMu.Unlock()
	if fsw != nil {
		if err := fsw.Close(); err != nil {
			return fmt.Errorf("close fs watcher: %w", err)
		}
	}
	w.logger.Infow("catalog watcher stopped", "path", w.path)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer goroutine.Recover("catalog-watcher", w.logger)
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			w.logger.Debugw("catalog file event",
				"path", event.Name,
				"op", event.Op.String())
			w.scheduleReload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("catalog watcher error", "error", err)
		}
	}
}

// scheduleReload arms the debounce timer, pushing out any pending reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	defer goroutine.Recover("catalog-reload", w.logger)
	w.runMu.Lock()
	defer w.runMu.Unlock()
	if !w.started.Load() {
		return
	}

	rules, err := LoadPath(w.path)
	if err != nil {
		w.logger.Errorw("catalog reload failed, previous rules stay active",
			"path", w.path,
			"error", err)
		return
	}
	if err := w.onReload(rules); err != nil {
		w.logger.Errorw("catalog reload rejected, previous rules stay active",
			"path", w.path,
			"error", err)
		return
	}
	w.logger.Infow("catalog reloaded",
		"path", w.path,
		"rules", len(rules))
}

// relevant filters events down to content changes on visible YAML files.
func relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return isYAML(event.Name)
}

// addPath registers a file, or a directory tree, with the fs watcher.
// fsnotify only reports events for directly watched paths, so directories
// are walked and added one by one.
func addPath(fsw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fsw.Add(path)
	}
	return filepath.Walk(path, func(sub string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if strings.HasPrefix(filepath.Base(sub), ".") && sub != path {
			return filepath.SkipDir
		}
		return fsw.Add(sub)
	})
}
