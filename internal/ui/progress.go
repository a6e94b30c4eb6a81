package ui

import (
	"sync"
	"time"
)

// ProgressTracker holds the progress state shown by the TUI.
// It is safe for concurrent use.
type ProgressTracker struct {
	mu          sync.RWMutex
	stage       Stage
	current     int
	total       int
	currentFile string
	message     string
	startTime   time.Time
	stageStart  time.Time
	errors      []ErrorEvent
	warnings    []ErrorEvent

	// lastETA is the previous estimate, for exponential smoothing.
	lastETA time.Duration
}

// ProgressStats is a snapshot of current progress.
type ProgressStats struct {
	Stage       Stage
	Current     int
	Total       int
	Progress    float64
	ETA         time.Duration
	CurrentFile string
	Message     string
	ErrorCount  int
	WarnCount   int
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker() *ProgressTracker {
	now := time.Now()
	return &ProgressTracker{
		stage:      StageDiscovering,
		startTime:  now,
		stageStart: now,
	}
}

// SetStage transitions to a new stage.
func (p *ProgressTracker) SetStage(stage Stage, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stage = stage
	p.total = total
	p.current = 0
	p.currentFile = ""
	p.message = ""
	p.stageStart = time.Now()
	p.lastETA = 0
}

// Apply folds a progress event into the tracker.
func (p *ProgressTracker) Apply(event ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.Stage != p.stage || event.Total != p.total {
		if event.Stage != p.stage {
			p.stageStart = time.Now()
		}
		p.stage = event.Stage
		p.total = event.Total
		p.lastETA = 0
	}
	p.current = event.Current
	if event.CurrentFile != "" {
		p.currentFile = event.CurrentFile
	}
	p.message = event.Message
}

// AddError records an error or warning.
func (p *ProgressTracker) AddError(event ErrorEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.IsWarn {
		p.warnings = append(p.warnings, event)
	} else {
		p.errors = append(p.errors, event)
	}
}

// Elapsed returns time since tracker creation.
func (p *ProgressTracker) Elapsed() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Since(p.startTime)
}

// Stats returns a snapshot. It takes the write lock because the ETA
// estimate is smoothed against the previous one.
func (p *ProgressTracker) Stats() ProgressStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	progress := 0.0
	if p.total > 0 {
		progress = float64(p.current) / float64(p.total)
		if progress > 1.0 {
			progress = 1.0
		}
	}

	return ProgressStats{
		Stage:       p.stage,
		Current:     p.current,
		Total:       p.total,
		Progress:    progress,
		ETA:         p.calculateETA(),
		CurrentFile: p.currentFile,
		Message:     p.message,
		ErrorCount:  len(p.errors),
		WarnCount:   len(p.warnings),
	}
}

// etaSmoothingFactor is the weight of a new estimate against the previous one.
const etaSmoothingFactor = 0.3

// calculateETA must be called with the lock held.
func (p *ProgressTracker) calculateETA() time.Duration {
	if p.current == 0 || p.total == 0 {
		return 0
	}

	elapsed := time.Since(p.stageStart)
	progress := float64(p.current) / float64(p.total)
	if progress <= 0 || progress >= 1.0 {
		return 0
	}

	remaining := time.Duration(float64(elapsed)/progress) - elapsed
	if remaining < 0 {
		return 0
	}
	if p.lastETA == 0 {
		p.lastETA = remaining
		return remaining
	}

	smoothed := time.Duration(etaSmoothingFactor*float64(remaining) + (1-etaSmoothingFactor)*float64(p.lastETA))
	p.lastETA = smoothed
	return smoothed
}

// Errors returns the recorded errors.
func (p *ProgressTracker) Errors() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ErrorEvent(nil), p.errors...)
}

// Warnings returns the recorded warnings.
func (p *ProgressTracker) Warnings() []ErrorEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]ErrorEvent(nil), p.warnings...)
}
