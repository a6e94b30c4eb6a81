package preflight

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// MarkerFile records, inside the data directory, when the storage checks
// last passed there.
const MarkerFile = ".preflight-passed"

// NeedsCheck reports whether dataDir has no pass marker.
func NeedsCheck(dataDir string) bool {
	_, err := os.Stat(filepath.Join(dataDir, MarkerFile))
	return os.IsNotExist(err)
}

// MarkPassed writes the marker, creating dataDir if needed.
func MarkPassed(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	return os.WriteFile(filepath.Join(dataDir, MarkerFile), []byte(stamp+"\n"), 0o644)
}

// ClearMarker removes the marker so the next ingest re-runs the checks.
func ClearMarker(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, MarkerFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove marker file: %w", err)
	}
	return nil
}

// MarkerAge returns how long ago the checks passed, or zero without a
// readable marker.
func MarkerAge(dataDir string) time.Duration {
	content, err := os.ReadFile(filepath.Join(dataDir, MarkerFile))
	if err != nil {
		return 0
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(content)))
	if err != nil {
		return 0
	}
	return time.Since(t)
}

// Guard runs the storage checks before the first write into dataDir and
// marks the directory once they pass. Later calls return immediately.
func Guard(c *Checker, dataDir string) error {
	if !NeedsCheck(dataDir) {
		return nil
	}
	results := c.RunStorage(dataDir)
	for _, r := range results {
		if !r.IsCritical() {
			continue
		}
		code := ragerrors.ErrCodeFilePermission
		if r.Name == "disk_space" {
			code = ragerrors.ErrCodeDiskFull
		}
		return ragerrors.New(code, "preflight check failed: "+r.Name+": "+r.Message, nil).
			WithDetail("path", dataDir).
			WithSuggestion("Run 'pdfrag doctor' for diagnostics")
	}
	return MarkPassed(dataDir)
}
