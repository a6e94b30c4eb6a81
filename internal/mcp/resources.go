package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// QueryMetricsURI addresses the query_metrics resource.
const QueryMetricsURI = "pdfrag://query_metrics"

// QueryMetricsOutput is the JSON structure for the query_metrics resource.
type QueryMetricsOutput struct {
	Summary             QueryMetricsSummary `json:"summary"`
	ModeCounts          map[string]int64    `json:"mode_counts"`
	TopTerms            []QueryTermCount    `json:"top_terms"`
	ZeroResultQueries   []string            `json:"zero_result_queries"`
	LatencyDistribution map[string]int64    `json:"latency_distribution"`
}

// QueryMetricsSummary provides overview statistics.
type QueryMetricsSummary struct {
	TotalQueries  int64   `json:"total_queries"`
	FailedQueries int64   `json:"failed_queries"`
	ExactRepeats  int64   `json:"exact_repeats"`
	ZeroResultPct float64 `json:"zero_result_pct"`
	Since         string  `json:"since"`
}

// QueryTermCount represents a term and its frequency.
type QueryTermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

func (s *Server) registerQueryMetricsResource() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "query_metrics",
			URI:         QueryMetricsURI,
			Description: "Query statistics for this server session",
			MIMEType:    "application/json",
		},
		func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.queryMetricsJSON()
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{
					{URI: QueryMetricsURI, MIMEType: "application/json", Text: text},
				},
			}, nil
		},
	)
}

// queryMetricsJSON renders the current metrics snapshot.
func (s *Server) queryMetricsJSON() (string, error) {
	if s.metrics == nil {
		return "", NewInvalidParamsError("query metrics not available")
	}
	snapshot := s.metrics.Snapshot()

	output := QueryMetricsOutput{
		Summary: QueryMetricsSummary{
			TotalQueries:  snapshot.TotalQueries,
			FailedQueries: snapshot.FailedQueries,
			ExactRepeats:  snapshot.ExactRepeatCount,
			ZeroResultPct: snapshot.ZeroResultPercentage(),
			Since:         snapshot.Since.UTC().Format("2006-01-02T15:04:05Z"),
		},
		ModeCounts:          make(map[string]int64, len(snapshot.ModeCounts)),
		TopTerms:            make([]QueryTermCount, 0, len(snapshot.TopTerms)),
		ZeroResultQueries:   snapshot.ZeroResultQueries,
		LatencyDistribution: make(map[string]int64, len(snapshot.LatencyDistribution)),
	}
	for mode, count := range snapshot.ModeCounts {
		output.ModeCounts[string(mode)] = count
	}
	for _, tc := range snapshot.TopTerms {
		output.TopTerms = append(output.TopTerms, QueryTermCount{Term: tc.Term, Count: tc.Count})
	}
	for bucket, count := range snapshot.LatencyDistribution {
		output.LatencyDistribution[string(bucket)] = count
	}

	content, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return "", MapError(err)
	}
	return string(content), nil
}
