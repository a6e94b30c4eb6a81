package logging

import (
	"log/slog"
)

// SetupServeMode initializes logging for the MCP server.
// Logs go ONLY to the file: stdout is reserved for JSON-RPC and anything
// written to stderr shows up as noise in MCP client consoles.
func SetupServeMode(level string, debug bool) (func(), error) {
	cfg := DefaultConfig()
	cfg.Level = level
	if debug {
		cfg.Level = "debug"
	}
	cfg.WriteToStderr = false

	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(logger)
	slog.Info("serve_logging_initialized",
		slog.String("log_file", cfg.FilePath),
		slog.String("level", cfg.Level))

	return cleanup, nil
}
