package preflight

import (
	"fmt"
	"syscall"
)

// MinDiskSpaceBytes is the minimum required free disk space (100MB).
const MinDiskSpaceBytes = 100 * 1024 * 1024

// CheckDiskSpace checks the free space on the filesystem holding dataDir.
// Ledger and index saves write a full temporary copy before the rename,
// so the corpus briefly needs twice its size.
func (c *Checker) CheckDiskSpace(dataDir string) CheckResult {
	result := CheckResult{
		Name:     "disk_space",
		Required: true,
	}

	dir, err := existingAncestor(dataDir)
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("cannot resolve %s: %v", dataDir, err)
		return result
	}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dir, &stat); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("failed to check disk space: %v", err)
		return result
	}

	availableBytes := stat.Bavail * uint64(stat.Bsize)
	result.Message = fmt.Sprintf("%s free (minimum: 100 MB)", formatBytes(availableBytes))
	result.Details = "checked " + dir

	if availableBytes < MinDiskSpaceBytes {
		result.Status = StatusFail
		return result
	}
	result.Status = StatusPass
	return result
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(bytes uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.1f TB", float64(bytes)/TB)
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
