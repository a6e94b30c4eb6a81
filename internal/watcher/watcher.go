// Package watcher reports changes to a fixed set of files in one directory.
//
// A HybridWatcher prefers fsnotify and falls back to polling where fsnotify
// is unavailable (network mounts, some container volumes). Events are
// debounced so a burst of writes, such as a two-store commit, arrives as a
// single batch.
package watcher

import (
	"context"
	"time"
)

// Operation represents a file system operation type.
type Operation int

const (
	// OpCreate indicates a new file was created or renamed into place.
	OpCreate Operation = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
	// OpRename indicates a file was renamed away.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent represents a change to one watched file.
type FileEvent struct {
	// Path is the base name of the file inside the watched directory.
	Path string

	Operation Operation
	Timestamp time.Time
}

// Watcher defines the interface for directory watching.
type Watcher interface {
	// Start watches dir until Stop is called or ctx is cancelled.
	Start(ctx context.Context, dir string) error

	// Stop releases resources. Safe to call multiple times.
	Stop() error

	// Events returns debounced batches. Closed when the watcher stops.
	Events() <-chan []FileEvent

	// Errors returns non-fatal watcher errors. Closed when the watcher stops.
	Errors() <-chan error
}

// Options configures the watcher behavior.
type Options struct {
	// DebounceWindow is the quiet period before a batch is emitted.
	// Default: 200ms
	DebounceWindow time.Duration

	// PollInterval is the interval for polling mode (fallback).
	// Default: 2s
	PollInterval time.Duration

	// EventBufferSize is the size of the batch channel buffer.
	// Default: 16
	EventBufferSize int

	// Files are the base names to report. Empty means every file in the
	// directory.
	Files []string

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		PollInterval:    2 * time.Second,
		EventBufferSize: 16,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.PollInterval == 0 {
		o.PollInterval = defaults.PollInterval
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}

// watches reports whether name is one of the configured files.
func (o Options) watches(name string) bool {
	if len(o.Files) == 0 {
		return true
	}
	for _, f := range o.Files {
		if f == name {
			return true
		}
	}
	return false
}
