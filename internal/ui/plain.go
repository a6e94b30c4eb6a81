package ui

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// PlainRenderer outputs plain text progress (for CI/pipes).
type PlainRenderer struct {
	mu     sync.Mutex
	out    io.Writer
	errors []ErrorEvent
}

// NewPlainRenderer creates a plain text renderer.
func NewPlainRenderer(cfg Config) *PlainRenderer {
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}
	return &PlainRenderer{out: out}
}

// Start implements Renderer.
func (r *PlainRenderer) Start(context.Context) error {
	return nil
}

// UpdateProgress implements Renderer.
// Format: [STAGE] current/total - file (message)
func (r *PlainRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg := event.CurrentFile
	if event.Message != "" {
		if msg != "" {
			msg += " (" + event.Message + ")"
		} else {
			msg = event.Message
		}
	}

	switch {
	case event.Total > 0:
		_, _ = fmt.Fprintf(r.out, "[%s] %d/%d - %s\n", event.Stage.Icon(), event.Current, event.Total, msg)
	case msg != "":
		_, _ = fmt.Fprintf(r.out, "[%s] %s\n", event.Stage.Icon(), msg)
	}
}

// AddError implements Renderer.
func (r *PlainRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.errors = append(r.errors, event)

	prefix := "ERROR"
	if event.IsWarn {
		prefix = "WARN"
	}
	if event.File != "" {
		_, _ = fmt.Fprintf(r.out, "%s: %s: %v\n", prefix, event.File, event.Err)
	} else {
		_, _ = fmt.Fprintf(r.out, "%s: %v\n", prefix, event.Err)
	}
}

// Complete implements Renderer.
func (r *PlainRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = fmt.Fprintf(r.out, "Complete: %d files, %d chunks committed in %s",
		stats.Files, stats.Chunks, stats.Duration.Round(100*time.Millisecond))
	if stats.Skipped > 0 {
		_, _ = fmt.Fprintf(r.out, ", %d already ingested", stats.Skipped)
	}
	if stats.Errors > 0 || stats.Warnings > 0 {
		_, _ = fmt.Fprintf(r.out, " (%d errors, %d warnings)", stats.Errors, stats.Warnings)
	}
	_, _ = fmt.Fprintln(r.out)

	if stats.Stages.Embed > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "Stage Breakdown:")
		_, _ = fmt.Fprintf(r.out, "  Chunk:   %s\n", stats.Stages.Chunk.Round(100*time.Millisecond))
		if stats.Chunks > 0 {
			_, _ = fmt.Fprintf(r.out, "  Embed:   %s (%d chunks @ %.1f/sec)\n",
				stats.Stages.Embed.Round(100*time.Millisecond), stats.Chunks,
				float64(stats.Chunks)/stats.Stages.Embed.Seconds())
		}
		_, _ = fmt.Fprintf(r.out, "  Commit:  %s (metadata + vector index)\n", stats.Stages.Commit.Round(100*time.Millisecond))
	}

	if stats.Embedder.Provider != "" {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintf(r.out, "Embedder: %s (%s, %d dims)\n",
			stats.Embedder.Provider, stats.Embedder.Model, stats.Embedder.Dimensions)
	}
}

// Stop implements Renderer.
func (r *PlainRenderer) Stop() error {
	return nil
}

// Errors returns the errors reported so far.
func (r *PlainRenderer) Errors() []ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ErrorEvent(nil), r.errors...)
}

var _ Renderer = (*PlainRenderer)(nil)
