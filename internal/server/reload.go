package server

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/config"
)

// reloadDebounce batches rapid file events (editors write several) into
// one reload.
const reloadDebounce = 500 * time.Millisecond

// reloadWatcher observes the resolved config files and re-runs the
// loader on change. A failed reload keeps the old registry; in-flight
// calls are never disturbed either way.
type reloadWatcher struct {
	server  *Server
	logger  *common.Logger
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	stopOnce sync.Once
	stop     chan struct{}
}

func newReloadWatcher(s *Server, logger *common.Logger) (*reloadWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &reloadWatcher{
		server:  s,
		logger:  logger,
		watcher: fw,
		stop:    make(chan struct{}),
	}
	if err := w.watchResolvedFiles(); err != nil {
		fw.Close()
		return nil, err
	}
	go w.run()
	return w, nil
}

// watchResolvedFiles registers the current file set with fsnotify. The
// parent directories are watched too so newly matching files trigger a
// reload.
func (w *reloadWatcher) watchResolvedFiles() error {
	result := config.Load(w.server.sources, w.server.mergeOpts, nil)
	dirs := make(map[string]bool)
	for _, file := range result.ResolvedFilePaths {
		if err := w.watcher.Add(file); err != nil {
			w.logger.Warn().Str("file", file).Str("error", err.Error()).Msg("cannot watch config file")
		}
		dirs[dirOf(file)] = true
	}
	for dir := range dirs {
		if err := w.watcher.Add(dir); err != nil {
			w.logger.Warn().Str("dir", dir).Str("error", err.Error()).Msg("cannot watch config directory")
		}
	}
	return nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[:i]
		}
	}
	return "."
}

func (w *reloadWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isYAML(event.Name) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Str("error", err.Error()).Msg("config watcher error")
		case <-w.stop:
			return
		}
	}
}

func isYAML(path string) bool {
	n := len(path)
	return (n > 5 && path[n-5:] == ".yaml") || (n > 4 && path[n-4:] == ".yml")
}

// scheduleReload resets the debounce timer.
func (w *reloadWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() {
		select {
		case <-w.stop:
			return
		default:
		}
		if err := w.server.loadToolConfig(false); err != nil {
			w.logger.Warn().Str("error", err.Error()).Msg("config reload rejected, keeping previous registry")
		}
	})
}

// Stop halts the watcher. Idempotent.
func (w *reloadWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.watcher.Close()
	})
}
