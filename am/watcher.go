package am

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/labshot/labshot/errors"
	"github.com/labshot/labshot/logger"
)

const (
	debounceWindow  = 250 * time.Millisecond
	ownWriteGrace   = 500 * time.Millisecond
	watcherStopWait = time.Second
)

// Watcher reloads the store when the backing file changes on disk. Writes
// made through Store.Set are suppressed so they do not double-apply.
type Watcher struct {
	store *Store
	fs    *fsnotify.Watcher

	mu        sync.Mutex
	lastOwn   time.Time
	debounce  *time.Timer
	done      chan struct{}
	closeOnce sync.Once
}

// Watch starts watching the store's backing file and attaches the watcher
// to the store. Call Close to stop.
func Watch(store *Store) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}
	// Watch the directory: editors and atomic renames replace the inode.
	dir := filepath.Dir(store.Path())
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, errors.Wrapf(err, "watching config directory %s", dir)
	}

	w := &Watcher{
		store: store,
		fs:    fs,
		done:  make(chan struct{}),
	}
	store.watcher = w
	go w.run()
	logger.Debugw("Watching config file", "path", store.Path())
	return w, nil
}

func (w *Watcher) run() {
	target := filepath.Clean(w.store.Path())
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.Warnw("Config watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

// scheduleReload coalesces bursts of events into a single reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceWindow, w.reload)
}

func (w *Watcher) reload() {
	w.mu.Lock()
	own := time.Since(w.lastOwn) < ownWriteGrace
	w.mu.Unlock()
	if own {
		logger.Debugw("Skipping reload of own config write")
		return
	}

	cfg, err := Load(w.store.Path())
	if err != nil {
		// Keep the last good config on a bad edit.
		logger.Warnw("Ignoring invalid config change", "path", w.store.Path(), "error", err)
		return
	}
	version := w.store.replace(cfg)
	logger.Infow("Config reloaded from disk", "path", w.store.Path(), "version", version)
}

func (w *Watcher) markOwnWrite() {
	w.mu.Lock()
	w.lastOwn = time.Now()
	w.mu.Unlock()
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Stop()
		}
		w.mu.Unlock()
	})
	return err
}
