// Package output provides consistent CLI output for the one-shot commands.
package output

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Writer writes status lines to a terminal or pipe.
type Writer struct {
	out io.Writer
}

// New creates a new output Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status prints a message with an icon. Errors from writing are ignored for
// console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status("✅", msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Text prints pre-formatted text followed by a newline.
func (w *Writer) Text(text string) {
	_, _ = fmt.Fprintln(w.out, text)
}

// Counts prints name/count pairs sorted by name, one per line.
func (w *Writer) Counts(counts map[string]int, unit string) {
	names := make([]string, 0, len(counts))
	width := 0
	for name := range counts {
		names = append(names, name)
		width = max(width, len(name))
	}
	sort.Strings(names)
	for _, name := range names {
		_, _ = fmt.Fprintf(w.out, "   %-*s  %d %s\n", width, name, counts[name], unit)
	}
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Confirm asks a yes/no question and reads the answer from in. Anything but
// "y" or "yes" is a no, including end of input.
func (w *Writer) Confirm(in io.Reader, question string) bool {
	_, _ = fmt.Fprintf(w.out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		_, _ = fmt.Fprintln(w.out)
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
