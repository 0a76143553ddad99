package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// configWatcher re-reads the config file whenever it changes on disk and
// hands the parsed file to onChange. The directory is watched rather than
// the file so editors that replace the file by rename are seen.
type configWatcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*fileConfig)
	debounce time.Duration

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func newConfigWatcher(path string, logger *slog.Logger, onChange func(*fileConfig)) *configWatcher {
	return &configWatcher{
		path:     filepath.Clean(path),
		logger:   logger,
		onChange: onChange,
		debounce: reloadDebounce,
	}
}

func (w *configWatcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.watcher, w.cancel, w.done = fw, cancel, make(chan struct{})
	go w.loop(ctx)
	w.logger.Info("Watching config file", "path", w.path)
	return nil
}

func (w *configWatcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	<-w.done
	w.cancel = nil
	return w.watcher.Close()
}

func (w *configWatcher) loop(ctx context.Context) {
	defer close(w.done)
	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			reload = timer.C
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		case <-reload:
			reload = nil
			fc, err := readConfigFile(w.path)
			if err != nil {
				w.logger.Warn("Ignoring config change", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("Config file changed", "path", w.path)
			w.onChange(fc)
		}
	}
}
