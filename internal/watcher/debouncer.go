package watcher

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Debouncer coalesces rapid events so a commit that rewrites several files
// is seen once. Events for the same file within the window merge:
//   - CREATE + MODIFY = CREATE
//   - CREATE + DELETE = nothing
//   - MODIFY + DELETE = DELETE
//   - DELETE + CREATE = MODIFY (temp file renamed over the original)
type Debouncer struct {
	window  time.Duration
	pending map[string]*pendingEvent
	mu      sync.Mutex
	output  chan []FileEvent
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event   FileEvent
	firstOp Operation
}

// NewDebouncer creates a debouncer that emits after window of quiet.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []FileEvent, 10),
	}
}

// Add queues an event and restarts the quiet period.
func (d *Debouncer) Add(event FileEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		coalesced := coalesce(existing, event)
		if coalesced == nil {
			delete(d.pending, event.Path)
		} else {
			existing.event = *coalesced
		}
	} else {
		d.pending[event.Path] = &pendingEvent{event: event, firstOp: event.Operation}
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// coalesce returns nil when the two events cancel out.
func coalesce(existing *pendingEvent, next FileEvent) *FileEvent {
	switch existing.firstOp {
	case OpCreate:
		switch next.Operation {
		case OpModify:
			return &existing.event
		case OpDelete:
			return nil
		}
	case OpDelete:
		if next.Operation == OpCreate {
			result := next
			result.Operation = OpModify
			return &result
		}
	}
	return &next
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]FileEvent, 0, len(d.pending))
	for _, pe := range d.pending {
		events = append(events, pe.event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- events:
	default:
		slog.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)),
		)
	}
}

// Output returns the channel of debounced batches.
func (d *Debouncer) Output() <-chan []FileEvent {
	return d.output
}

// Stop discards pending events and closes the output channel.
// Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
