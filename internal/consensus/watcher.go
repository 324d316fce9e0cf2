package consensus

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ProfileWatcher reloads a profiles file into a Registry whenever it
// changes. Runs already in progress keep the profile they resolved.
type ProfileWatcher struct {
	path     string
	registry *Registry
	watcher  *fsnotify.Watcher
	reloads  chan error
	stop     chan struct{}
	logger   *zap.Logger
	metrics  *Metrics
}

// NewProfileWatcher creates a watcher for path. The file is not read until
// Start.
func NewProfileWatcher(registry *Registry, path string, logger *zap.Logger) (*ProfileWatcher, error) {
	if registry == nil {
		return nil, ErrNoProfiles
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving profiles path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	return &ProfileWatcher{
		path:     abs,
		registry: registry,
		watcher:  watcher,
		reloads:  make(chan error, 1),
		stop:     make(chan struct{}),
		logger:   logger.Named("profiles"),
	}, nil
}

// SetMetrics sets the collectors that count reloads.
func (w *ProfileWatcher) SetMetrics(m *Metrics) {
	w.metrics = m
}

// Start loads the file once and then watches it in a background goroutine.
//
// The parent directory is watched rather than the file so that editors which
// save by renaming a temporary file are still observed.
func (w *ProfileWatcher) Start(ctx context.Context) error {
	if err := w.registry.LoadFile(w.path); err != nil {
		return err
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching profiles directory: %w", err)
	}

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and releases its resources.
func (w *ProfileWatcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Reloads delivers the result of every reload attempt. Results are dropped
// while a previous one is unread.
func (w *ProfileWatcher) Reloads() <-chan error {
	return w.reloads
}

func (w *ProfileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("profile watcher error", zap.Error(err))
		}
	}
}

func (w *ProfileWatcher) reload() {
	err := w.registry.LoadFile(w.path)
	w.metrics.RecordProfileReload(err)
	if err != nil {
		w.logger.Warn("profiles reload failed, keeping previous profiles",
			zap.String("path", w.path), zap.Error(err))
	} else {
		w.logger.Info("profiles reloaded",
			zap.String("path", w.path), zap.Strings("profiles", w.registry.Names()))
	}

	select {
	case w.reloads <- err:
	default:
	}
}
