package policy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/authz-engine/policy-admin/pkg/types"
)

// ReloadFunc receives each freshly loaded bundle. The admin wires its
// snapshot swap here.
type ReloadFunc func(bundle *types.ServicePolicies)

// ReloadedEvent reports one watcher-triggered reload
type ReloadedEvent struct {
	Timestamp     time.Time
	PolicyVersion int64
	Error         error
}

// Watcher monitors a bundle file and reloads it on change, with
// debouncing to coalesce editor write bursts.
type Watcher struct {
	watcher         *fsnotify.Watcher
	bundlePath      string
	loader          *Loader
	reload          ReloadFunc
	logger          *zap.Logger
	debounceTimeout time.Duration
	debounceTimer   *time.Timer
	eventChan       chan ReloadedEvent
	stopChan        chan struct{}
	mu              sync.RWMutex
	isWatching      bool
}

// NewWatcher creates a watcher for one bundle file
func NewWatcher(bundlePath string, loader *Loader, reload ReloadFunc, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:         watcher,
		bundlePath:      bundlePath,
		loader:          loader,
		reload:          reload,
		logger:          logger,
		debounceTimeout: 500 * time.Millisecond,
		eventChan:       make(chan ReloadedEvent, 10),
		stopChan:        make(chan struct{}),
	}, nil
}

// Watch starts watching the bundle file's directory for changes
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.isWatching {
		w.mu.Unlock()
		return fmt.Errorf("watcher is already running")
	}
	w.isWatching = true
	w.mu.Unlock()

	// Watch the directory: editors replace files rather than write in place.
	if err := w.watcher.Add(filepath.Dir(w.bundlePath)); err != nil {
		w.mu.Lock()
		w.isWatching = false
		w.mu.Unlock()
		return fmt.Errorf("failed to add path to watcher: %w", err)
	}

	w.logger.Info("Starting policy bundle watcher",
		zap.String("bundle", w.bundlePath),
		zap.Duration("debounce", w.debounceTimeout),
	)

	go w.watchLoop(ctx)
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.isWatching = false
		w.mu.Unlock()
		w.logger.Info("Policy bundle watcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) == filepath.Clean(w.bundlePath) {
				w.handleEvent(event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.logger.Debug("Policy bundle change detected",
		zap.String("file", event.Name),
		zap.String("op", event.Op.String()),
	)

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	w.debounceTimer = time.AfterFunc(w.debounceTimeout, func() {
		w.performReload()
	})
}

func (w *Watcher) performReload() {
	w.logger.Info("Reloading policy bundle", zap.String("bundle", w.bundlePath))

	bundle, err := w.loader.LoadBundle(w.bundlePath)
	if err != nil {
		w.logger.Error("Failed to load policy bundle",
			zap.String("bundle", w.bundlePath),
			zap.Error(err),
		)
		w.emit(ReloadedEvent{Timestamp: time.Now(), Error: err})
		return
	}

	if w.reload != nil {
		w.reload(bundle)
	}

	w.logger.Info("Policy bundle reloaded",
		zap.Int64("policyVersion", bundle.PolicyVersion),
		zap.Int("policies", len(bundle.Policies)),
		zap.Int("deltas", len(bundle.Deltas)),
	)

	w.emit(ReloadedEvent{Timestamp: time.Now(), PolicyVersion: bundle.PolicyVersion})
}

func (w *Watcher) emit(event ReloadedEvent) {
	select {
	case w.eventChan <- event:
	default:
	}
}

// EventChan returns a channel for observing reload events
func (w *Watcher) EventChan() <-chan ReloadedEvent {
	return w.eventChan
}

// SetDebounceTimeout sets the debounce timeout for file changes
func (w *Watcher) SetDebounceTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceTimeout = d
}

// IsWatching reports whether the watcher is currently active
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.isWatching
}

// Stop stops watching for file changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isWatching {
		return nil
	}

	close(w.stopChan)

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}

	return w.watcher.Close()
}
