package mcp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/retrieval"
	"github.com/Aman-CERP/pdfrag/internal/telemetry"
	"github.com/Aman-CERP/pdfrag/pkg/version"
)

// ServerName is reported to MCP clients.
const ServerName = "pdfrag"

const (
	defaultResults = 5
	maxResults     = retrieval.MaxK
)

// Retriever is the query side the tools need.
type Retriever interface {
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]*retrieval.Hit, error)
	SourceCounts(ctx context.Context) (map[string]int, error)
}

var _ Retriever = (*retrieval.Service)(nil)

// ErrMissingRetriever is returned by NewServer without a retriever.
var ErrMissingRetriever = errors.New("retriever is required")

// Server exposes search_documents and list_sources to MCP clients.
type Server struct {
	mcp       *mcp.Server
	retriever Retriever
	metrics   *telemetry.QueryMetrics
	logger    *slog.Logger
}

// ToolInfo contains information about a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

// SearchDocumentsInput defines the input schema for search_documents.
type SearchDocumentsInput struct {
	Query         string  `json:"query" jsonschema:"natural-language question or search phrase"`
	NResults      int     `json:"n_results,omitempty" jsonschema:"number of chunks to return, default 5"`
	KeywordWeight float64 `json:"keyword_weight,omitempty" jsonschema:"weight in [0,1] of keyword overlap in the score, default 0 (pure vector search)"`
}

// ListSourcesInput defines the (empty) input schema for list_sources.
type ListSourcesInput struct{}

var tools = []ToolInfo{
	{
		Name:        "search_documents",
		Description: "Search the PDF knowledge base using semantic vector search. Returns matching document chunks with source file and page numbers.",
	},
	{
		Name:        "list_sources",
		Description: "List all documents available in the knowledge base with their chunk counts.",
	},
}

// NewServer creates an MCP server over retriever. metrics may be nil; when
// set, a query_metrics resource is exposed.
func NewServer(retriever Retriever, metrics *telemetry.QueryMetrics) (*Server, error) {
	if retriever == nil {
		return nil, ErrMissingRetriever
	}

	s := &Server{
		retriever: retriever,
		metrics:   metrics,
		logger:    slog.Default(),
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: ServerName, Version: version.Version},
			nil,
		),
	}
	s.registerTools()
	if metrics != nil {
		s.registerQueryMetricsResource()
	}
	return s, nil
}

// MCPServer returns the underlying MCP server instance.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// ListTools returns the registered tools.
func (s *Server) ListTools() []ToolInfo {
	return append([]ToolInfo(nil), tools...)
}

// CallTool invokes a tool by name and returns its text output.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "search_documents":
		input := SearchDocumentsInput{}
		query, ok := args["query"].(string)
		if !ok {
			return "", NewInvalidParamsError("query parameter is required and must be a string")
		}
		input.Query = query
		if n, ok := args["n_results"].(float64); ok {
			input.NResults = int(n)
		}
		if w, ok := args["keyword_weight"].(float64); ok {
			input.KeywordWeight = w
		}
		return s.searchDocuments(ctx, input)
	case "list_sources":
		return s.listSources(ctx)
	default:
		return "", NewMethodNotFoundError(name)
	}
}

func (s *Server) searchDocuments(ctx context.Context, input SearchDocumentsInput) (string, error) {
	if input.Query == "" {
		return "", NewInvalidParamsError("query parameter is required")
	}
	if input.KeywordWeight < 0 || input.KeywordWeight > 1 {
		return "", NewInvalidParamsError(fmt.Sprintf("keyword_weight must be within [0,1], got %g", input.KeywordWeight))
	}

	start := time.Now()
	requestID := generateRequestID()
	k := clampLimit(input.NResults, defaultResults, 1, maxResults)

	hits, err := s.retriever.Search(ctx, input.Query, retrieval.SearchOptions{
		K:             k,
		KeywordWeight: input.KeywordWeight,
	})
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("search_failed",
			slog.String("request_id", requestID),
			slog.Duration("duration", duration),
			ragerrors.FormatForLog(err))
		return "", MapError(err)
	}

	s.logger.Info("search_completed",
		slog.String("request_id", requestID),
		slog.Int("k", k),
		slog.Float64("keyword_weight", input.KeywordWeight),
		slog.Duration("duration", duration),
		slog.Int("result_count", len(hits)))
	return FormatSearchResults(hits), nil
}

func (s *Server) listSources(ctx context.Context) (string, error) {
	counts, err := s.retriever.SourceCounts(ctx)
	if err != nil {
		return "", MapError(err)
	}
	return FormatSources(counts), nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[0].Name,
		Description: tools[0].Description,
	}, s.mcpSearchDocumentsHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        tools[1].Name,
		Description: tools[1].Description,
	}, s.mcpListSourcesHandler)

	s.logger.Debug("mcp_tools_registered", slog.Int("count", len(tools)))
}

func (s *Server) mcpSearchDocumentsHandler(ctx context.Context, _ *mcp.CallToolRequest, input SearchDocumentsInput) (
	*mcp.CallToolResult,
	any,
	error,
) {
	text, err := s.searchDocuments(ctx, input)
	if err != nil {
		return nil, nil, err
	}
	return textResult(text), nil, nil
}

func (s *Server) mcpListSourcesHandler(ctx context.Context, _ *mcp.CallToolRequest, _ ListSourcesInput) (
	*mcp.CallToolResult,
	any,
	error,
) {
	text, err := s.listSources(ctx)
	if err != nil {
		return nil, nil, err
	}
	return textResult(text), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// Serve runs the server on transport until ctx is cancelled. Only stdio is
// supported: stdout carries JSON-RPC, so nothing else may write to it.
func (s *Server) Serve(ctx context.Context, transport string) error {
	s.logger.Info("mcp_server_starting", slog.String("transport", transport))

	switch transport {
	case "stdio", "":
		return s.ServeTransport(ctx, &mcp.StdioTransport{})
	default:
		return fmt.Errorf("unknown transport: %s (supported: stdio)", transport)
	}
}

// ServeTransport runs the server on t until ctx is done or the client
// disconnects. The end of ctx is a clean stop.
func (s *Server) ServeTransport(ctx context.Context, t mcp.Transport) error {
	err := s.mcp.Run(ctx, t)
	if err != nil && ctx.Err() == nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("mcp_server_stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp_server_stopped")
	return nil
}

// generateRequestID creates a short unique request ID for log correlation.
func generateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
