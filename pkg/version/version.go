// Package version provides build information for pdfrag.
package version

import (
	"fmt"
	"runtime"
)

// Build information. Release builds inject these with
// -X github.com/Aman-CERP/pdfrag/pkg/version.<Name>=<value>.
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// Commit is the short git commit hash.
	Commit = "unknown"

	// Date is the build date in RFC3339 format.
	Date = "unknown"
)

// BuildInfo is structured version information for JSON output.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// String returns a one-line version string with all build info.
func String() string {
	return fmt.Sprintf("pdfrag %s (commit: %s, built: %s, go: %s, %s/%s)",
		Version, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// GetInfo returns structured version information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}
