package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

// StatusInfo describes the state of a corpus.
type StatusInfo struct {
	DataDir    string `json:"data_dir"`
	Model      string `json:"embedding_model"`
	Dimensions int    `json:"dimensions"`
	Chunks     int    `json:"chunks"`
	Vectors    int    `json:"vectors"`
	Orphans    int    `json:"graph_orphans"`

	Sources map[string]int `json:"sources"`

	// Storage sizes in bytes
	MetadataSize   int64 `json:"metadata_size"`
	VectorSize     int64 `json:"vector_size"`
	CheckpointSize int64 `json:"checkpoint_size"`

	LastRun    string    `json:"last_run,omitempty"`
	LastCommit time.Time `json:"last_commit,omitempty"`
	Pending    string    `json:"pending_file,omitempty"` // file with an open batch cursor
}

// StatusRenderer displays corpus status.
type StatusRenderer struct {
	out    io.Writer
	styles Styles
}

// NewStatusRenderer creates a status renderer.
func NewStatusRenderer(out io.Writer, noColor bool) *StatusRenderer {
	return &StatusRenderer{out: out, styles: GetStyles(noColor)}
}

// Render writes info as text.
func (r *StatusRenderer) Render(info StatusInfo) error {
	_, _ = fmt.Fprintf(r.out, "%s\n\n", r.styles.Header.Render("Corpus: "+info.DataDir))

	model := info.Model
	if model == "" {
		model = "(empty corpus)"
	}
	_, _ = fmt.Fprintf(r.out, "  Model:      %s\n", model)
	if info.Dimensions > 0 {
		_, _ = fmt.Fprintf(r.out, "  Dimensions: %d\n", info.Dimensions)
	}
	_, _ = fmt.Fprintf(r.out, "  Sources:    %d\n", len(info.Sources))
	_, _ = fmt.Fprintf(r.out, "  Chunks:     %d\n", info.Chunks)
	_, _ = fmt.Fprintf(r.out, "  Vectors:    %s\n", r.renderVectors(info))
	if !info.LastCommit.IsZero() {
		_, _ = fmt.Fprintf(r.out, "  Last write: %s\n", formatTime(info.LastCommit))
	}
	if info.LastRun != "" {
		_, _ = fmt.Fprintf(r.out, "  Last run:   %s\n", info.LastRun)
	}
	if info.Pending != "" {
		_, _ = fmt.Fprintf(r.out, "  Resumable:  %s\n", r.styles.Warning.Render(info.Pending))
	}
	_, _ = fmt.Fprintln(r.out)

	_, _ = fmt.Fprintln(r.out, "  Storage:")
	_, _ = fmt.Fprintf(r.out, "    Metadata:   %s\n", FormatBytes(info.MetadataSize))
	_, _ = fmt.Fprintf(r.out, "    Vectors:    %s\n", FormatBytes(info.VectorSize))
	_, _ = fmt.Fprintf(r.out, "    Checkpoint: %s\n", FormatBytes(info.CheckpointSize))

	if len(info.Sources) > 0 {
		_, _ = fmt.Fprintln(r.out)
		_, _ = fmt.Fprintln(r.out, "  Sources:")
		names := make([]string, 0, len(info.Sources))
		for name := range info.Sources {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			_, _ = fmt.Fprintf(r.out, "    %s %s\n", name, r.styles.Label.Render(fmt.Sprintf("(%d chunks)", info.Sources[name])))
		}
	}
	return nil
}

func (r *StatusRenderer) renderVectors(info StatusInfo) string {
	s := fmt.Sprint(info.Vectors)
	if info.Vectors != info.Chunks {
		s = r.styles.Error.Render(s + " (differs from chunks, run 'pdfrag check')")
	}
	if info.Orphans > 0 {
		s += r.styles.Label.Render(fmt.Sprintf(" [%d stale graph nodes, run 'pdfrag compact']", info.Orphans))
	}
	return s
}

// RenderJSON writes info as indented JSON.
func (r *StatusRenderer) RenderJSON(info StatusInfo) error {
	encoder := json.NewEncoder(r.out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(info)
}

func formatTime(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return plural(int(diff.Minutes()), "minute") + " ago"
	case diff < 24*time.Hour:
		return plural(int(diff.Hours()), "hour") + " ago"
	case diff < 7*24*time.Hour:
		return plural(int(diff.Hours()/24), "day") + " ago"
	default:
		return t.Format("2006-01-02 15:04")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return "1 " + unit
	}
	return fmt.Sprintf("%d %ss", n, unit)
}

// FormatBytes formats bytes to human-readable format.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
