package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config contains logging configuration.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// FilePath is the path to the log file.
	FilePath string
	// MaxSizeMB is the maximum size in MB before rotation (default: 10).
	MaxSizeMB int
	// MaxFiles is the maximum number of rotated files to keep (default: 5).
	MaxFiles int
	// WriteToStderr mirrors every record to stderr.
	WriteToStderr bool
}

// DefaultConfig returns sensible defaults for file logging.
func DefaultConfig() Config {
	return Config{
		Level:         "info",
		FilePath:      DefaultLogPath(),
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: false,
	}
}

// Setup initializes file-based logging and returns a cleanup function
// that flushes and closes the log file.
func Setup(cfg Config) (*slog.Logger, func(), error) {
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultLogPath()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = 5
	}

	writer, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
	if err != nil {
		return nil, nil, err
	}

	var output io.Writer = writer
	if cfg.WriteToStderr {
		output = io.MultiWriter(writer, os.Stderr)
	}

	handler := slog.NewJSONHandler(output, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	logger := slog.New(handler).With(slog.Int("pid", os.Getpid()))

	cleanup := func() {
		_ = writer.Sync()
		_ = writer.Close()
	}

	return logger, cleanup, nil
}

// SetupCLI installs the default logger for one-shot commands.
// Debug mode mirrors records to stderr.
func SetupCLI(level string, debug bool) (func(), error) {
	cfg := DefaultConfig()
	cfg.Level = level
	if debug {
		cfg.Level = "debug"
		cfg.WriteToStderr = true
	}

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// Discard returns a logger that drops everything. Used by tests and as the
// fallback when a component is constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultLogDir returns the default log directory (~/.pdfrag/logs/).
// Falls back to the temp directory if the home directory is unavailable.
func DefaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".pdfrag", "logs")
	}
	return filepath.Join(home, ".pdfrag", "logs")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "pdfrag.log")
}
