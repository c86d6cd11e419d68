package certs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"appstore/pkg/logging"
)

// DefaultDebounceInterval is the time to wait after the last lineage change
// before swapping. certbot replaces several files per renewal.
const DefaultDebounceInterval = 2 * time.Second

// DefaultPollInterval is used when fsnotify is unavailable.
const DefaultPollInterval = time.Minute

// WatcherConfig configures a LineageWatcher.
type WatcherConfig struct {
	Lineage      string
	Debounce     time.Duration
	PollInterval time.Duration
	// OnSwap runs after a changed lineage went live, e.g. to reload the web
	// server.
	OnSwap func(ctx context.Context) error
}

// LineageWatcher swaps a lineage in whenever the ACME client updates it
// outside of appstore, for example from its own renewal timer.
type LineageWatcher struct {
	mu      sync.Mutex
	m       *Manager
	config  WatcherConfig
	fs      *fsnotify.Watcher
	stopCh  chan struct{}
	running bool

	lastMod       time.Time
	debounceTimer *time.Timer
	debounceMu    sync.Mutex
}

// NewWatcher creates a watcher for m.
func NewWatcher(m *Manager, config WatcherConfig) *LineageWatcher {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounceInterval
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	return &LineageWatcher{m: m, config: config}
}

// Start begins watching. The lineage directory may not exist yet, so the
// parent live/ directory is watched and created if needed.
func (w *LineageWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	liveDir := filepath.Dir(w.m.layout.LineageDir(w.config.Lineage))
	if err := os.MkdirAll(liveDir, 0755); err != nil {
		return err
	}
	w.stopCh = make(chan struct{})
	w.running = true

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Warn(subsystem, "fsnotify not available, falling back to polling: %v", err)
		go w.poll(ctx)
		return nil
	}
	for _, dir := range []string{liveDir, w.m.layout.LineageDir(w.config.Lineage)} {
		if err := fs.Add(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn(subsystem, "Failed to watch %s, falling back to polling: %v", dir, err)
			fs.Close()
			go w.poll(ctx)
			return nil
		}
	}
	w.fs = fs
	go w.process(ctx, fs.Events, fs.Errors)
	logging.Info(subsystem, "Watching %s for renewals", w.m.layout.LineageDir(w.config.Lineage))
	return nil
}

func (w *LineageWatcher) process(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	lineage := w.m.layout.LineageDir(w.config.Lineage)
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			// a lineage created after Start must be added explicitly
			if ev.Name == lineage && ev.Op&fsnotify.Create != 0 {
				w.mu.Lock()
				if w.fs != nil {
					_ = w.fs.Add(lineage)
				}
				w.mu.Unlock()
			}
			if ev.Name != lineage && filepath.Dir(ev.Name) != lineage {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logging.Debug(subsystem, "Lineage changed: %s", ev.Name)
			w.trigger(ctx)
		case err, ok := <-errs:
			if !ok {
				return
			}
			logging.Error(subsystem, err, "fsnotify error")
		}
	}
}

func (w *LineageWatcher) trigger(ctx context.Context) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.config.Debounce, func() {
		if !w.IsRunning() {
			return
		}
		w.swap(ctx)
	})
}

func (w *LineageWatcher) swap(ctx context.Context) {
	changed, err := w.m.SwapLineage(w.config.Lineage)
	if err != nil {
		logging.Error(subsystem, err, "Keeping the previous certificate")
		return
	}
	if changed && w.config.OnSwap != nil {
		if err := w.config.OnSwap(ctx); err != nil {
			logging.Error(subsystem, err, "Post-swap hook failed")
		}
	}
}

func (w *LineageWatcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()
	w.changed()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.changed() {
				w.trigger(ctx)
			}
		}
	}
}

// changed compares the lineage certificate's mtime with the last seen one.
func (w *LineageWatcher) changed() bool {
	info, err := os.Stat(filepath.Join(w.m.layout.LineageDir(w.config.Lineage), "fullchain.pem"))
	if err != nil {
		return false
	}
	prev := w.lastMod
	w.lastMod = info.ModTime()
	return !prev.IsZero() && info.ModTime().After(prev)
}

// Stop stops the watcher and cancels a pending swap.
func (w *LineageWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	w.running = false
	close(w.stopCh)

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
		w.debounceTimer = nil
	}
	w.debounceMu.Unlock()

	if w.fs != nil {
		if err := w.fs.Close(); err != nil {
			logging.Warn(subsystem, "Error closing fsnotify watcher: %v", err)
		}
		w.fs = nil
	}
	return nil
}

// IsRunning reports whether the watcher is active.
func (w *LineageWatcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}
