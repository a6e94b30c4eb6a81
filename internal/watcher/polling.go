package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PollingWatcher detects changes by comparing file stats on an interval.
// Used when fsnotify is unavailable.
type PollingWatcher struct {
	interval  time.Duration
	opts      Options
	fileState map[string]fileSnapshot
	events    chan FileEvent
	errors    chan error
	stopCh    chan struct{}
	mu        sync.Mutex
	stopped   bool
	dir       string
}

type fileSnapshot struct {
	modTime time.Time
	size    int64
}

// NewPollingWatcher creates a polling watcher for the files named in opts.
func NewPollingWatcher(opts Options) *PollingWatcher {
	opts = opts.WithDefaults()
	return &PollingWatcher{
		interval:  opts.PollInterval,
		opts:      opts,
		fileState: make(map[string]fileSnapshot),
		events:    make(chan FileEvent, 100),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}
}

// Start polls dir until Stop is called or ctx is cancelled.
func (p *PollingWatcher) Start(ctx context.Context, dir string) error {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve absolute path: %w", err)
	}

	p.mu.Lock()
	p.dir = absPath
	state, err := p.scan()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("perform initial scan: %w", err)
	}
	p.fileState = state
	p.mu.Unlock()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = p.Stop()
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case <-ticker.C:
			if err := p.detectChanges(); err != nil {
				select {
				case p.errors <- err:
				default:
				}
			}
		}
	}
}

// Stop stops the polling watcher.
func (p *PollingWatcher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}

	p.stopped = true
	close(p.stopCh)
	close(p.events)
	close(p.errors)
	return nil
}

// Events returns the channel of file events.
func (p *PollingWatcher) Events() <-chan FileEvent {
	return p.events
}

// Errors returns the channel of errors.
func (p *PollingWatcher) Errors() <-chan error {
	return p.errors
}

// scan records the stats of watched files. Must be called with lock held.
func (p *PollingWatcher) scan() (map[string]fileSnapshot, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return nil, err
	}
	state := make(map[string]fileSnapshot, len(entries))
	for _, e := range entries {
		if e.IsDir() || !p.opts.watches(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue // removed between ReadDir and Info
		}
		state[e.Name()] = fileSnapshot{modTime: info.ModTime(), size: info.Size()}
	}
	return state, nil
}

func (p *PollingWatcher) detectChanges() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current, err := p.scan()
	if err != nil {
		return fmt.Errorf("scan directory for changes: %w", err)
	}

	now := time.Now()
	for name, snap := range current {
		prev, exists := p.fileState[name]
		switch {
		case !exists:
			p.emitEvent(FileEvent{Path: name, Operation: OpCreate, Timestamp: now})
		case !prev.modTime.Equal(snap.modTime) || prev.size != snap.size:
			p.emitEvent(FileEvent{Path: name, Operation: OpModify, Timestamp: now})
		}
	}
	for name := range p.fileState {
		if _, exists := current[name]; !exists {
			p.emitEvent(FileEvent{Path: name, Operation: OpDelete, Timestamp: now})
		}
	}

	p.fileState = current
	return nil
}

// emitEvent must be called with lock held.
func (p *PollingWatcher) emitEvent(event FileEvent) {
	if p.stopped {
		return
	}

	select {
	case p.events <- event:
	default:
		slog.Warn("polling watcher buffer full, dropping event",
			slog.String("path", event.Path),
			slog.String("op", event.Operation.String()),
		)
	}
}
