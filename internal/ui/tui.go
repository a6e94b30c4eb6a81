package ui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUIRenderer renders ingestion progress with bubbletea.
type TUIRenderer struct {
	mu      sync.Mutex
	cfg     Config
	program *tea.Program
	model   *ingestModel
	tracker *ProgressTracker
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// NewTUIRenderer creates a TUI renderer. It fails when the output is not a
// terminal.
func NewTUIRenderer(cfg Config) (*TUIRenderer, error) {
	if !IsTTY(cfg.Output) {
		return nil, fmt.Errorf("output is not a TTY")
	}

	tracker := NewProgressTracker()
	model := newIngestModel(tracker, cfg.DataDir)
	if cfg.NoColor || DetectNoColor() {
		model.styles = NoColorStyles()
	}

	return &TUIRenderer{
		cfg:     cfg,
		tracker: tracker,
		model:   model,
		done:    make(chan struct{}),
	}, nil
}

// Start implements Renderer.
func (r *TUIRenderer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}

	ctx, r.cancel = context.WithCancel(ctx)

	opts := []tea.ProgramOption{tea.WithContext(ctx)}
	if f, ok := r.cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}

	r.program = tea.NewProgram(r.model, opts...)
	r.started = true

	go func() {
		defer close(r.done)
		_, _ = r.program.Run()
	}()
	return nil
}

// UpdateProgress implements Renderer.
func (r *TUIRenderer) UpdateProgress(event ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.Apply(event)
	if r.program != nil {
		r.program.Send(progressUpdateMsg(event))
	}
}

// AddError implements Renderer.
func (r *TUIRenderer) AddError(event ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.AddError(event)
	if r.program != nil {
		r.program.Send(errorMsg(event))
	}
}

// Complete implements Renderer.
func (r *TUIRenderer) Complete(stats CompletionStats) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tracker.SetStage(StageComplete, 0)
	if r.program != nil {
		r.program.Send(completeMsg(stats))
	}
}

// Stop implements Renderer.
func (r *TUIRenderer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.program == nil {
		return nil
	}
	r.program.Quit()

	// An unresponsive TUI must not keep the process alive after Ctrl+C.
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
	}
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}

type progressUpdateMsg ProgressEvent
type errorMsg ErrorEvent
type completeMsg CompletionStats
type tickMsg time.Time

// ingestModel is the bubbletea model for ingestion progress.
type ingestModel struct {
	tracker     *ProgressTracker
	width       int
	quitting    bool
	complete    bool
	stats       CompletionStats
	spinner     spinner.Model
	progressBar progress.Model
	styles      Styles
	dataDir     string
}

func newIngestModel(tracker *ProgressTracker, dataDir string) *ingestModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent))

	p := progress.New(
		progress.WithSolidFill(ColorAccent),
		progress.WithWidth(50),
		progress.WithoutPercentage(),
	)

	return &ingestModel{
		tracker:     tracker,
		spinner:     s,
		progressBar: p,
		styles:      DefaultStyles(),
		width:       80,
		dataDir:     dataDir,
	}
}

// Init implements tea.Model.
func (m *ingestModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m *ingestModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = max(msg.Width-20, 20)

	case progressUpdateMsg, errorMsg:
		// The renderer already folded these into the tracker.
		return m, nil

	case completeMsg:
		m.complete = true
		m.stats = CompletionStats(msg)
		return m, tea.Quit

	case tickMsg:
		return m, tickCmd()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View implements tea.Model.
func (m *ingestModel) View() string {
	if m.quitting {
		return "Cancelled. Committed batches are kept; run ingest again to resume.\n"
	}
	if m.complete {
		return m.renderComplete()
	}

	width := max(m.width-4, 40)
	stats := m.tracker.Stats()

	sections := []string{
		m.renderStages(stats.Stage),
		m.styles.Border.Render(strings.Repeat("─", width)),
		m.renderProgress(stats),
	}
	if stats.CurrentFile != "" {
		sections = append(sections, m.styles.Dim.Render(truncate(stats.CurrentFile, width-2)))
	}

	title := "pdfrag ingest"
	if m.dataDir != "" {
		title = "pdfrag ingest • " + m.dataDir
	}
	panel := m.styles.Panel.Width(width).Render(strings.Join(sections, "\n"))
	return lipgloss.JoinVertical(lipgloss.Left, m.styles.Header.Render(title), panel) +
		"\n" + m.renderStatusBar(stats)
}

func (m *ingestModel) renderStages(current Stage) string {
	stages := []Stage{StageDiscovering, StageChunking, StageEmbedding}

	parts := make([]string, 0, len(stages))
	for _, s := range stages {
		switch {
		case s < current:
			parts = append(parts, m.styles.Success.Render("● "+s.String()))
		case s == current:
			parts = append(parts, m.styles.Active.Render(m.spinner.View()+" "+s.String()))
		default:
			parts = append(parts, m.styles.Dim.Render("○ "+s.String()))
		}
	}
	return strings.Join(parts, m.styles.Dim.Render(" → "))
}

func (m *ingestModel) renderProgress(stats ProgressStats) string {
	if stats.Total == 0 {
		return fmt.Sprintf("%s %s...", m.spinner.View(), stats.Stage)
	}

	bar := m.progressBar.ViewAs(stats.Progress)
	pct := m.styles.Active.Render(fmt.Sprintf("%3.0f%%", stats.Progress*100))

	count := fmt.Sprintf("%d / %d", stats.Current, stats.Total)
	if stats.Message != "" {
		count += "  " + stats.Message
	}
	if stats.ETA > 0 {
		count += "  •  ETA " + formatDuration(stats.ETA)
	}
	return fmt.Sprintf("%s  %s\n%s", bar, pct, m.styles.Label.Render(count))
}

func (m *ingestModel) renderStatusBar(stats ProgressStats) string {
	var parts []string
	if stats.WarnCount > 0 {
		parts = append(parts, m.styles.Warning.Render(fmt.Sprintf("⚠ %d skipped files", stats.WarnCount)))
	}
	if stats.ErrorCount > 0 {
		parts = append(parts, m.styles.Error.Render(fmt.Sprintf("✗ %d errors", stats.ErrorCount)))
	}
	parts = append(parts, m.styles.Dim.Render("q to quit"))
	return strings.Join(parts, m.styles.Dim.Render("  │  "))
}

func (m *ingestModel) renderComplete() string {
	lines := []string{
		m.styles.Success.Render("✓ Ingestion Complete"),
		"",
		fmt.Sprintf("%s    %s", m.styles.Label.Render("Files:"), m.styles.Active.Render(fmt.Sprint(m.stats.Files))),
		fmt.Sprintf("%s  %s", m.styles.Label.Render("Skipped:"), m.styles.Active.Render(fmt.Sprint(m.stats.Skipped))),
		fmt.Sprintf("%s   %s", m.styles.Label.Render("Chunks:"), m.styles.Active.Render(fmt.Sprint(m.stats.Chunks))),
		fmt.Sprintf("%s %s", m.styles.Label.Render("Duration:"), m.styles.Active.Render(formatDuration(m.stats.Duration))),
	}
	if m.stats.Embedder.Provider != "" {
		lines = append(lines, fmt.Sprintf("%s %s", m.styles.Label.Render("Embedder:"),
			m.styles.Speed.Render(fmt.Sprintf("%s/%s (%d dims)", m.stats.Embedder.Provider, m.stats.Embedder.Model, m.stats.Embedder.Dimensions))))
	}
	if m.stats.Errors > 0 {
		lines = append(lines, "", m.styles.Warning.Render(fmt.Sprintf("⚠ %d files could not be read", m.stats.Errors)))
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(ColorAccent)).
		Padding(1, 2).
		Width(max(m.width-4, 40))
	return panel.Render(strings.Join(lines, "\n")) + "\n"
}

// formatDuration formats a duration in a human-friendly way.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		if s == 0 {
			return fmt.Sprintf("%dm", m)
		}
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// truncate shortens s to maxLen runes, keeping the tail.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return "..."
	}
	return "..." + string(r[len(r)-maxLen+3:])
}

var _ Renderer = (*TUIRenderer)(nil)
