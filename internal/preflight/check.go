package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Aman-CERP/pdfrag/internal/embed"
)

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the status in lower case for JSON output.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(s.String())), nil
}

// UnmarshalText parses the form written by MarshalText.
func (s *CheckStatus) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "PASS":
		*s = StatusPass
	case "WARN":
		*s = StatusWarn
	case "FAIL":
		*s = StatusFail
	default:
		return fmt.Errorf("unknown check status %q", text)
	}
	return nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Target names what the checks inspect. Empty fields skip their checks.
type Target struct {
	DataDir   string
	SourceDir string

	// Embedder is the configured provider; EmbedderErr is set instead when
	// constructing it failed (missing API key, unknown provider).
	Embedder    embed.Embedder
	EmbedderErr error
}

// Checker performs preflight validation checks.
type Checker struct {
	verbose bool
	output  io.Writer
}

// Option configures a Checker.
type Option func(*Checker)

// WithVerbose enables verbose output.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
	}
}

// New creates a new Checker with the given options.
func New(opts ...Option) *Checker {
	c := &Checker{
		output: os.Stdout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunStorage runs the required checks that guard a write to dataDir.
func (c *Checker) RunStorage(dataDir string) []CheckResult {
	return []CheckResult{
		c.CheckDiskSpace(dataDir),
		c.CheckWritePermissions(dataDir),
		c.CheckFileDescriptors(),
	}
}

// RunAll runs the storage checks plus every corpus check t allows.
func (c *Checker) RunAll(ctx context.Context, t Target) []CheckResult {
	var results []CheckResult
	if t.DataDir != "" {
		results = append(results, c.RunStorage(t.DataDir)...)
	} else {
		results = append(results, c.CheckFileDescriptors())
	}

	if t.SourceDir != "" {
		results = append(results, c.CheckSourceDir(t.SourceDir))
	}
	if t.Embedder != nil || t.EmbedderErr != nil {
		results = append(results, c.CheckEmbedder(ctx, t.Embedder, t.EmbedderErr))
	}
	if t.DataDir != "" && t.Embedder != nil {
		results = append(results, c.CheckModel(t.DataDir, embed.ModelID(t.Embedder)))
	}
	return results
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, r := range results {
		if r.IsCritical() {
			hasCriticalFailure = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// Problems splits the failing results into errors and warnings, each
// formatted as "name: message".
func (c *Checker) Problems(results []CheckResult) (errs, warnings []string) {
	for _, r := range results {
		switch {
		case r.IsCritical():
			errs = append(errs, r.Name+": "+r.Message)
		case r.Status != StatusPass:
			warnings = append(warnings, r.Name+": "+r.Message)
		}
	}
	return errs, warnings
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "pdfrag doctor")
	_, _ = fmt.Fprintln(c.output, "=============")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	status := c.SummaryStatus(results)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(status))

	errs, warnings := c.Problems(results)
	if len(errs) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d error(s):\n", len(errs))
		for _, e := range errs {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", e)
		}
	}

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(c.output)
		_, _ = fmt.Fprintf(c.output, "%d warning(s):\n", len(warnings))
		for _, w := range warnings {
			_, _ = fmt.Fprintf(c.output, "  - %s\n", w)
		}
	}
}

// CheckWritePermissions checks that pdfrag can create files in dataDir.
// A data directory that does not exist yet is judged by its nearest
// existing parent, since ingest creates it.
func (c *Checker) CheckWritePermissions(dataDir string) CheckResult {
	result := CheckResult{
		Name:     "write_permissions",
		Required: true,
	}

	dir, err := existingAncestor(dataDir)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot resolve %s: %v", dataDir, err)
		return result
	}
	if dir != dataDir {
		result.Details = fmt.Sprintf("%s does not exist yet; checked %s", dataDir, dir)
	}

	f, err := os.CreateTemp(dir, ".pdfrag-preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// existingAncestor returns path or the closest parent directory that exists.
func existingAncestor(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		info, err := os.Stat(abs)
		if err == nil {
			if !info.IsDir() {
				return "", fmt.Errorf("%s is not a directory", abs)
			}
			return abs, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", err
		}
		abs = parent
	}
}
