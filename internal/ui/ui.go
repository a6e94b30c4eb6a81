// Package ui renders ingestion progress and corpus status on the terminal.
package ui

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
)

// Stage is one phase of an ingestion run.
type Stage int

const (
	// StageDiscovering lists extracted documents and consults the checkpoint.
	StageDiscovering Stage = iota
	// StageChunking splits a document into chunks.
	StageChunking
	// StageEmbedding embeds and commits batches.
	StageEmbedding
	// StageComplete indicates the run finished.
	StageComplete
)

// String returns the human-readable stage name.
func (s Stage) String() string {
	switch s {
	case StageDiscovering:
		return "Discovering"
	case StageChunking:
		return "Chunking"
	case StageEmbedding:
		return "Embedding"
	case StageComplete:
		return "Complete"
	default:
		return "Unknown"
	}
}

// Icon returns the short stage tag for plain text output.
func (s Stage) Icon() string {
	switch s {
	case StageDiscovering:
		return "FIND"
	case StageChunking:
		return "CHUNK"
	case StageEmbedding:
		return "EMBED"
	case StageComplete:
		return "DONE"
	default:
		return "???"
	}
}

// ProgressEvent represents a progress update.
type ProgressEvent struct {
	Stage       Stage
	Current     int
	Total       int
	CurrentFile string
	Message     string
}

// ErrorEvent represents an error during ingestion. Warnings are per-file
// failures the run continued past.
type ErrorEvent struct {
	File   string
	Err    error
	IsWarn bool
}

// StageTimings tracks time spent per stage.
type StageTimings struct {
	Chunk  time.Duration
	Embed  time.Duration // provider calls, excluding commits
	Commit time.Duration // synchronizer inserts and checkpoint writes
}

// EmbedderInfo describes the embedding provider of a run.
type EmbedderInfo struct {
	Provider   string // "voyage", "openai", "gemini", "ollama" or "static"
	Model      string
	Dimensions int
}

// CompletionStats contains final run statistics.
type CompletionStats struct {
	Files    int // processed in this run
	Skipped  int // already complete
	Chunks   int
	Duration time.Duration
	Errors   int
	Warnings int
	Stages   StageTimings
	Embedder EmbedderInfo
}

// Renderer defines the interface for progress display.
type Renderer interface {
	// Start initializes the renderer.
	Start(ctx context.Context) error

	// UpdateProgress updates progress display.
	UpdateProgress(event ProgressEvent)

	// AddError adds an error to display.
	AddError(event ErrorEvent)

	// Complete marks rendering as complete with summary.
	Complete(stats CompletionStats)

	// Stop stops the renderer and cleans up.
	Stop() error
}

// Config configures the UI renderer.
type Config struct {
	Output     io.Writer
	ForcePlain bool
	NoColor    bool
	DataDir    string // shown in the TUI header
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithForcePlain forces plain text output.
func WithForcePlain(force bool) ConfigOption {
	return func(c *Config) {
		c.ForcePlain = force
	}
}

// WithNoColor disables color output.
func WithNoColor(noColor bool) ConfigOption {
	return func(c *Config) {
		c.NoColor = noColor
	}
}

// WithDataDir sets the corpus directory shown in the header.
func WithDataDir(dir string) ConfigOption {
	return func(c *Config) {
		c.DataDir = dir
	}
}

// NewConfig creates a new Config with the given output and options.
func NewConfig(output io.Writer, opts ...ConfigOption) Config {
	cfg := Config{Output: output}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewRenderer returns a TUI renderer for interactive terminals and a plain
// text renderer for CI, pipes, or when plain output is forced.
func NewRenderer(cfg Config) Renderer {
	if cfg.ForcePlain || !IsTTY(cfg.Output) || DetectCI() {
		return NewPlainRenderer(cfg)
	}

	tui, err := NewTUIRenderer(cfg)
	if err != nil {
		return NewPlainRenderer(cfg)
	}
	return tui
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

// DetectCI checks if running in a CI environment.
func DetectCI() bool {
	ciVars := []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"}
	for _, v := range ciVars {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
