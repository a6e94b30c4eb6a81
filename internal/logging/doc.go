// Package logging configures structured slog output for pdfrag.
//
// Logs are JSON lines written to a size-rotated file under ~/.pdfrag/logs/,
// optionally mirrored to stderr. In MCP server mode nothing is written to
// stdout or stderr because stdout carries the JSON-RPC stream.
package logging
