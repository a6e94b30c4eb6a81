// Package mcp serves corpus retrieval over the Model Context Protocol.
package mcp

import (
	"context"
	"errors"
	"fmt"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// Custom JSON-RPC error codes.
const (
	// ErrCodeCorpusUnavailable indicates nothing has been ingested yet.
	ErrCodeCorpusUnavailable = -32001

	// ErrCodeEmbeddingFailed indicates the query could not be embedded.
	ErrCodeEmbeddingFailed = -32002

	// ErrCodeTimeout indicates the request timed out or was cancelled.
	ErrCodeTimeout = -32003

	// ErrCodeNotReady indicates the corpus is still loading or failed to load.
	ErrCodeNotReady = -32004

	// ErrCodeInconsistentStore indicates the corpus stores disagree.
	ErrCodeInconsistentStore = -32005

	// Standard JSON-RPC error codes.
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// MCPError represents an MCP protocol error with code and message.
type MCPError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// MapError converts internal errors to MCP errors.
func MapError(err error) *MCPError {
	if err == nil {
		return nil
	}

	var mcpErr *MCPError
	if errors.As(err, &mcpErr) {
		return mcpErr
	}

	var ragErr *ragerrors.RagError
	if errors.As(err, &ragErr) {
		return mapRagError(ragErr)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request timed out."}
	case errors.Is(err, context.Canceled):
		return &MCPError{Code: ErrCodeTimeout, Message: "Request was canceled."}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: "Internal server error."}
	}
}

// NewInvalidParamsError creates an error for invalid parameters with a custom message.
func NewInvalidParamsError(msg string) *MCPError {
	return &MCPError{Code: ErrCodeInvalidParams, Message: msg}
}

// NewMethodNotFoundError creates an error for unknown tools.
func NewMethodNotFoundError(name string) *MCPError {
	return &MCPError{Code: ErrCodeMethodNotFound, Message: fmt.Sprintf("Tool '%s' not found.", name)}
}

func mapRagError(re *ragerrors.RagError) *MCPError {
	message := re.Message
	if re.Suggestion != "" {
		message = fmt.Sprintf("%s. %s", re.Message, re.Suggestion)
	}

	switch re.Code {
	case ragerrors.ErrCodeCorpusUnavailable:
		return &MCPError{Code: ErrCodeCorpusUnavailable, Message: message}
	case ragerrors.ErrCodeInconsistentStore:
		return &MCPError{Code: ErrCodeInconsistentStore, Message: message}
	case ragerrors.ErrCodeNotReady:
		return &MCPError{Code: ErrCodeNotReady, Message: message}
	}

	switch re.Category {
	case ragerrors.CategoryProvider:
		return &MCPError{Code: ErrCodeEmbeddingFailed, Message: message}
	case ragerrors.CategoryValidation:
		return &MCPError{Code: ErrCodeInvalidParams, Message: message}
	case ragerrors.CategoryConfig:
		// the corpus cannot be queried until the server is reconfigured
		return &MCPError{Code: ErrCodeNotReady, Message: message}
	default:
		return &MCPError{Code: ErrCodeInternalError, Message: message}
	}
}
