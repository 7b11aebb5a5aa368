package daemon

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
)

const reloadDebounce = 2 * time.Second

// ReloadFunc applies a freshly loaded daemon configuration.
type ReloadFunc func(ctx context.Context) error

// Watcher reloads the daemon configuration when the file changes on disk.
// It watches the containing directory rather than the file itself so that
// editor rename-and-replace saves are still observed.
type Watcher struct {
	path     string
	reload   ReloadFunc
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the config file at path. The reload
// callback runs after changes have settled for the debounce window.
func NewWatcher(path string, reload ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.DaemonError("failed to resolve config path").
			WithContext(logfields.KeyPath, path).
			WithCause(err).
			Build()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.DaemonError("failed to create file watcher").
			WithCause(err).
			Build()
	}

	return &Watcher{
		path:    abs,
		reload:  reload,
		logger:  logger,
		watcher: fsw,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return errors.DaemonError("failed to watch config directory").
			WithContext(logfields.KeyPath, dir).
			WithCause(err).
			Build()
	}

	w.logger.Info("watching daemon config", logfields.Path(w.path))

	go w.watchLoop(ctx)
	go w.reloadLoop(ctx)

	return nil
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		if err := w.watcher.Close(); err != nil {
			w.logger.Warn("failed to close file watcher", logfields.Error(err))
		}
	})
}

func (w *Watcher) watchLoop(ctx context.Context) {
	name := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Write), ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Rename):
				w.fire()
			case ev.Op.Has(fsnotify.Remove):
				// Some editors remove before rewriting; the create event
				// that follows triggers the reload.
				w.logger.Warn("daemon config removed", logfields.Path(w.path))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", logfields.Error(err))
		}
	}
}

func (w *Watcher) reloadLoop(ctx context.Context) {
	var timer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-w.trigger:
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := w.reload(ctx); err != nil {
					w.logger.Error("config reload failed", logfields.Error(err))
				}
			})
		}
	}
}

func (w *Watcher) fire() {
	select {
	case w.trigger <- struct{}{}:
	default:
		// A reload is already pending.
	}
}
