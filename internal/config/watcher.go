package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce window for editors that write config files in several events.
const reloadDebounce = 200 * time.Millisecond

// Watcher reloads the config file on change and hands the new value to a
// callback. Reload failures keep the previous config.
type Watcher struct {
	path     string
	logger   *zap.Logger
	onChange func(*Config)

	fsw      *fsnotify.Watcher
	stopOnce sync.Once
	stop     chan struct{}
}

// Watch starts watching path. The callback runs on the watcher goroutine.
func Watch(path string, logger *zap.Logger, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: many editors replace the file on save, which
	// drops a watch registered on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		fsw:      fsw,
		stop:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			w.reload()
		case err, ok := <-w.fsw.Errors:
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
		w.logger.Warn("Config reload failed, keeping previous config", zap.Error(err))
		return
	}
	w.logger.Info("Config reloaded", zap.String("path", w.path))
	w.onChange(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	return w.fsw.Close()
}
