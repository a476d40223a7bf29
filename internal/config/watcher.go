package config

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"toolgate/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval batches rapid file events (editors write several times
// per save) into one reload.
const debounceInterval = 500 * time.Millisecond

// Watcher watches the tenants directory and invokes a reload callback when
// tenant files change.
type Watcher struct {
	dir      string
	watcher  *fsnotify.Watcher
	onReload func()

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher over the config directory's tenants/
// subdirectory. onReload is called, debounced, after any change.
func NewWatcher(dir string, onReload func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	tenantsPath := filepath.Join(dir, TenantsDir)
	if err := fsw.Add(tenantsPath); err != nil {
		fsw.Close()
		return nil, err
	}

	return &Watcher{
		dir:      tenantsPath,
		watcher:  fsw,
		onReload: onReload,
	}, nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug("ConfigWatcher", "Change detected: %s %s", event.Op, event.Name)
			w.scheduleReload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("ConfigWatcher", "Watch error: %v", err)
		}
	}
}

// scheduleReload arms the debounce timer, restarting it if already armed.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, func() {
		logging.Info("ConfigWatcher", "Reloading tenant configuration from %s", w.dir)
		w.onReload()
	})
}

func isYAML(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
