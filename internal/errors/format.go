package errors

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// FormatForCLI renders err for the terminal: the message, then either the
// known sources to choose from or a hint, then the code.
func FormatForCLI(err error) string {
	if err == nil {
		return ""
	}
	re := asOrWrap(err)

	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", re.Message)
	switch {
	case len(re.Candidates) > 0:
		b.WriteString("  Available:\n")
		for _, c := range re.Candidates {
			fmt.Fprintf(&b, "    - %s\n", c)
		}
	case re.Suggestion != "":
		fmt.Fprintf(&b, "  Hint: %s\n", re.Suggestion)
	}
	fmt.Fprintf(&b, "  Code: %s\n", re.Code)
	return b.String()
}

// Report is the machine-readable form of an error, printed by commands run
// with --json.
type Report struct {
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Category   Category          `json:"category"`
	Retryable  bool              `json:"retryable"`
	Suggestion string            `json:"suggestion,omitempty"`
	Candidates []string          `json:"candidates,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Cause      string            `json:"cause,omitempty"`
}

// FormatJSON encodes err as {"error": Report}, indented like the rest of
// the --json output.
func FormatJSON(err error) ([]byte, error) {
	if err == nil {
		return []byte("null"), nil
	}
	re := asOrWrap(err)
	r := Report{
		Code:       re.Code,
		Message:    re.Message,
		Category:   re.Category,
		Retryable:  re.Retryable,
		Suggestion: re.Suggestion,
		Candidates: re.Candidates,
		Details:    re.Details,
	}
	if re.Cause != nil && re.Cause.Error() != re.Message {
		r.Cause = re.Cause.Error()
	}
	return json.MarshalIndent(struct {
		Error Report `json:"error"`
	}{r}, "", "  ")
}

// FormatForLog returns err as one slog attribute named "error". A RagError
// becomes a group holding its message, code, retryability, cause and
// details; any other error is its message.
func FormatForLog(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	re, ok := asRagError(err)
	if !ok {
		return slog.String("error", err.Error())
	}

	attrs := []any{
		slog.String("message", re.Message),
		slog.String("code", re.Code),
		slog.Bool("retryable", re.Retryable),
	}
	if re.Cause != nil && re.Cause.Error() != re.Message {
		attrs = append(attrs, slog.String("cause", re.Cause.Error()))
	}
	if len(re.Details) > 0 {
		keys := make([]string, 0, len(re.Details))
		for k := range re.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		details := make([]any, 0, len(keys))
		for _, k := range keys {
			details = append(details, slog.String(k, re.Details[k]))
		}
		attrs = append(attrs, slog.Group("details", details...))
	}
	return slog.Group("error", attrs...)
}

func asOrWrap(err error) *RagError {
	if re, ok := asRagError(err); ok {
		return re
	}
	return Wrap(ErrCodeInternal, err)
}
