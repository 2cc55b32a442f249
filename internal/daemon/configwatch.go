package daemon

import (
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the daemon's configuration whenever its source file
// changes on disk, so `fastsearchd config init` followed by an edit takes
// effect without a restart. fsnotify watches the containing directory
// rather than the file directly: editors that save via rename-into-place
// replace the inode, which a direct file watch would silently stop
// following.
type ConfigWatcher struct {
	daemon *Daemon
	path   string

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// WatchConfig starts watching path for changes and reloads the daemon's
// configuration on every write or rename event targeting it. path must be
// the file actually read at startup (config.LoadWithPath's second return
// value); a daemon started from built-in defaults alone has nothing to
// watch and WatchConfig is a no-op.
func (d *Daemon) WatchConfig(path string) (*ConfigWatcher, error) {
	if path == "" {
		return nil, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		daemon:  d,
		path:    filepath.Clean(path),
		watcher: w,
		done:    make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *ConfigWatcher) run() {
	defer close(cw.done)
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != cw.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := cw.daemon.ReloadConfig(cw.path); err != nil {
				slog.Warn("config reload failed", slog.String("path", cw.path), slog.String("error", err.Error()))
				continue
			}
			slog.Info("config reloaded", slog.String("path", cw.path))
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

// Stop closes the watcher and waits for its goroutine to exit. Safe to call
// more than once and safe to call with a nil receiver (from a daemon
// started without a watched config file).
func (cw *ConfigWatcher) Stop() {
	if cw == nil {
		return
	}
	cw.stopOnce.Do(func() {
		_ = cw.watcher.Close()
	})
	<-cw.done
}
