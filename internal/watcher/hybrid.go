package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// HybridWatcher implements Watcher with fsnotify, falling back to polling.
type HybridWatcher struct {
	fsWatcher      *fsnotify.Watcher
	pollWatcher    *PollingWatcher
	useFsnotify    bool
	debouncer      *Debouncer
	events         chan []FileEvent
	errors         chan error
	stopCh         chan struct{}
	dir            string
	opts           Options
	mu             sync.RWMutex
	stopped        bool
	droppedBatches atomic.Uint64
}

var _ Watcher = (*HybridWatcher)(nil)

// NewHybridWatcher creates a watcher, using polling if fsnotify cannot be
// initialised or opts.ForcePolling is set.
func NewHybridWatcher(opts Options) (*HybridWatcher, error) {
	opts = opts.WithDefaults()

	h := &HybridWatcher{
		debouncer: NewDebouncer(opts.DebounceWindow),
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
		opts:      opts,
	}

	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err == nil {
			h.fsWatcher = fsw
			h.useFsnotify = true
			return h, nil
		}
		slog.Warn("fsnotify unavailable, polling instead", slog.String("error", err.Error()))
	}
	h.pollWatcher = NewPollingWatcher(opts)
	return h, nil
}

// Start watches dir and blocks until Stop or ctx cancellation.
func (h *HybridWatcher) Start(ctx context.Context, dir string) error {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}
	h.mu.Lock()
	h.dir = absPath
	h.mu.Unlock()

	go h.forwardDebouncedEvents(ctx)

	if h.useFsnotify {
		if err := h.fsWatcher.Add(absPath); err != nil {
			return fmt.Errorf("watch %s: %w", absPath, err)
		}
		return h.runFsnotify(ctx)
	}
	return h.runPolling(ctx)
}

func (h *HybridWatcher) runFsnotify(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = h.Stop()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-h.fsWatcher.Events:
			if !ok {
				return nil
			}
			h.handleFsnotifyEvent(event)
		case err, ok := <-h.fsWatcher.Errors:
			if !ok {
				return nil
			}
			h.emitError(err)
		}
	}
}

func (h *HybridWatcher) runPolling(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-h.pollWatcher.Events():
				if !ok {
					return
				}
				h.debouncer.Add(event)
			case err, ok := <-h.pollWatcher.Errors():
				if !ok {
					return
				}
				h.emitError(err)
			}
		}
	}()

	err := h.pollWatcher.Start(ctx, h.dir)
	if ctx.Err() != nil {
		_ = h.Stop()
	}
	return err
}

// handleFsnotifyEvent filters and converts an fsnotify event.
func (h *HybridWatcher) handleFsnotifyEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if !h.opts.watches(name) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		return // chmod
	}

	h.debouncer.Add(FileEvent{Path: name, Operation: op, Timestamp: time.Now()})
}

func (h *HybridWatcher) forwardDebouncedEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case events, ok := <-h.debouncer.Output():
			if !ok {
				return
			}
			if len(events) > 0 {
				h.emitEvents(events)
			}
		}
	}
}

func (h *HybridWatcher) emitEvents(events []FileEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.stopped {
		return
	}

	select {
	case h.events <- events:
	default:
		count := h.droppedBatches.Add(1)
		slog.Warn("event buffer full, dropping batch",
			slog.Int("batch_size", len(events)),
			slog.Uint64("total_dropped_batches", count),
		)
	}
}

// DroppedBatches returns the number of batches dropped on a full buffer.
func (h *HybridWatcher) DroppedBatches() uint64 {
	return h.droppedBatches.Load()
}

func (h *HybridWatcher) emitError(err error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.stopped {
		return
	}

	select {
	case h.errors <- err:
	default:
	}
}

// Stop stops the watcher and closes its channels.
func (h *HybridWatcher) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return nil
	}

	h.stopped = true
	close(h.stopCh)
	h.debouncer.Stop()

	if h.fsWatcher != nil {
		_ = h.fsWatcher.Close()
	}
	if h.pollWatcher != nil {
		_ = h.pollWatcher.Stop()
	}

	close(h.events)
	close(h.errors)
	return nil
}

// Events returns the channel of debounced batches.
func (h *HybridWatcher) Events() <-chan []FileEvent {
	return h.events
}

// Errors returns the channel of errors.
func (h *HybridWatcher) Errors() <-chan error {
	return h.errors
}

// WatcherType returns "fsnotify" or "polling".
func (h *HybridWatcher) WatcherType() string {
	if h.useFsnotify {
		return "fsnotify"
	}
	return "polling"
}

// Dir returns the absolute directory being watched.
func (h *HybridWatcher) Dir() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dir
}
