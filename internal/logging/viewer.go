package logging

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// maxLineBytes bounds one log line when tailing.
const maxLineBytes = 1024 * 1024

// followInterval is how often Follow polls the file for new lines.
const followInterval = 100 * time.Millisecond

// LogEntry is one parsed JSON log line.
type LogEntry struct {
	Time    time.Time
	Level   string
	Msg     string
	Attrs   map[string]any
	Raw     string
	IsValid bool // false when the line is not JSON
}

// ViewerConfig configures filtering and display.
type ViewerConfig struct {
	// Level is the minimum level shown (empty shows everything).
	Level   string
	Pattern *regexp.Regexp
	NoColor bool
}

// Viewer reads, filters and formats pdfrag log files.
type Viewer struct {
	config   ViewerConfig
	minLevel int
	out      io.Writer
	levels   map[string]lipgloss.Style
}

// NewViewer creates a log viewer writing to out.
func NewViewer(cfg ViewerConfig, out io.Writer) *Viewer {
	v := &Viewer{config: cfg, out: out, minLevel: levelRank(cfg.Level)}
	if !cfg.NoColor {
		v.levels = map[string]lipgloss.Style{
			"DEBUG": lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			"INFO":  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			"WARN":  lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
			"ERROR": lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		}
	}
	return v
}

// Tail returns the matching entries among the last n lines of path.
func (v *Viewer) Tail(path string, n int) ([]LogEntry, error) {
	if n <= 0 {
		return []LogEntry{}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Ring of the last n lines; log files are rotated at a few MB so a
	// full scan is acceptable.
	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	entries := make([]LogEntry, 0, len(lines))
	for _, line := range lines {
		entry := ParseLine(line)
		if v.Matches(entry) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Follow sends every matching line appended to path after the call until
// ctx is done.
func (v *Viewer) Follow(ctx context.Context, path string, entries chan<- LogEntry) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	reader := bufio.NewReader(file)
	ticker := time.NewTicker(followInterval)
	defer ticker.Stop()

	var partial string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			chunk, err := reader.ReadString('\n')
			if err != nil {
				// Keep an incomplete trailing line for the next tick.
				partial += chunk
				break
			}
			line := strings.TrimSuffix(partial+chunk, "\n")
			partial = ""
			if line == "" {
				continue
			}
			entry := ParseLine(line)
			if !v.Matches(entry) {
				continue
			}
			select {
			case entries <- entry:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Matches reports whether entry passes the level and pattern filters.
// Lines that are not JSON only face the pattern filter.
func (v *Viewer) Matches(entry LogEntry) bool {
	if entry.IsValid && levelRank(entry.Level) < v.minLevel {
		return false
	}
	if v.config.Pattern != nil && !v.config.Pattern.MatchString(entry.Raw) {
		return false
	}
	return true
}

// FormatEntry renders entry as "15:04:05.000 LEVEL msg k=v ...", with
// attributes sorted by key.
func (v *Viewer) FormatEntry(entry LogEntry) string {
	if !entry.IsValid {
		return entry.Raw
	}

	keys := make([]string, 0, len(entry.Attrs))
	for k := range entry.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(entry.Time.Local().Format("15:04:05.000"))
	sb.WriteByte(' ')
	sb.WriteString(v.formatLevel(entry.Level))
	sb.WriteByte(' ')
	sb.WriteString(entry.Msg)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Attrs[k])
	}
	return sb.String()
}

// Print writes entries to the viewer output.
func (v *Viewer) Print(entries []LogEntry) {
	for _, entry := range entries {
		_, _ = fmt.Fprintln(v.out, v.FormatEntry(entry))
	}
}

func (v *Viewer) formatLevel(level string) string {
	label := fmt.Sprintf("%-5s", strings.ToUpper(level))
	if style, ok := v.levels[strings.ToUpper(level)]; ok {
		return style.Render(label)
	}
	return label
}

// ParseLine parses one line written by the JSON handler.
func ParseLine(line string) LogEntry {
	entry := LogEntry{Raw: line}

	var data map[string]any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return entry
	}
	entry.IsValid = true

	if t, ok := data["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			entry.Time = parsed
		}
	}
	entry.Level, _ = data["level"].(string)
	entry.Msg, _ = data["msg"].(string)

	entry.Attrs = make(map[string]any, len(data))
	for k, val := range data {
		switch k {
		case "time", "level", "msg":
		default:
			entry.Attrs[k] = val
		}
	}
	return entry
}

// levelRank orders levels; unknown and empty levels rank lowest.
func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 1
	case "info":
		return 2
	case "warn", "warning":
		return 3
	case "error":
		return 4
	default:
		return 0
	}
}
