package mcp

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Aman-CERP/pdfrag/internal/retrieval"
)

// FormatSearchResults renders hits as numbered text blocks separated by a
// blank line.
func FormatSearchResults(hits []*retrieval.Hit) string {
	valid := make([]*retrieval.Hit, 0, len(hits))
	for _, h := range hits {
		if h != nil {
			valid = append(valid, h)
		}
	}
	if len(valid) == 0 {
		return "No results found."
	}

	parts := make([]string, len(valid))
	for i, h := range valid {
		var sb strings.Builder
		fmt.Fprintf(&sb, "--- Result %d (similarity %.3f) ---\n", i+1, h.Similarity)
		fmt.Fprintf(&sb, "Source: %s | Pages: %s\n\n", h.SourceFile, formatPages(h.PageNumbers))
		sb.WriteString(h.Text)
		parts[i] = sb.String()
	}
	return strings.Join(parts, "\n\n")
}

func formatPages(pages []int) string {
	s := make([]string, len(pages))
	for i, p := range pages {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ",")
}

// FormatSources renders per-source chunk counts sorted by name.
func FormatSources(counts map[string]int) string {
	if len(counts) == 0 {
		return "No documents in the knowledge base."
	}

	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Available sources (%d):", len(names))
	for _, name := range names {
		fmt.Fprintf(&sb, "\n- %s (%d chunks)", name, counts[name])
	}
	return sb.String()
}

// clampLimit applies defaultVal to non-positive limits and bounds the rest.
func clampLimit(limit, defaultVal, min, max int) int {
	if limit <= 0 {
		return defaultVal
	}
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}
