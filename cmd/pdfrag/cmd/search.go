package cmd

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/embed"
	"github.com/Aman-CERP/pdfrag/internal/mcp"
	"github.com/Aman-CERP/pdfrag/internal/output"
	"github.com/Aman-CERP/pdfrag/internal/retrieval"
)

type searchOptions struct {
	limit         int
	keywordWeight float64
	jsonOutput    bool
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the corpus from the terminal",
		Long: `Run one query the way the search_documents tool does and print the hits.

Examples:
  pdfrag search "quarterly revenue"
  pdfrag search "chemical spill procedure" -n 3 --keyword-weight 0.3
  pdfrag search "vacation policy" --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			return runSearch(cmd.Context(), cmd, p, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (default search.default_k)")
	cmd.Flags().Float64Var(&opts.keywordWeight, "keyword-weight", 0, "Weight in [0,1] of keyword overlap (default search.keyword_weight)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output hits as JSON")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, p *project, query string, opts searchOptions) error {
	cfg := p.cfg

	embedder, err := embed.New(ctx, cfg.Embeddings)
	if err != nil {
		return err
	}
	svc, err := retrieval.New(embedder, retrieval.Options{
		DataDir:       p.dataDir,
		DefaultK:      cfg.Search.DefaultK,
		KeywordWeight: cfg.Search.KeywordWeight,
	})
	if err != nil {
		_ = embedder.Close()
		return err
	}
	defer func() { _ = svc.Shutdown(context.Background()) }()

	if err := svc.Initialize(ctx); err != nil {
		return err
	}

	hits, err := svc.Search(ctx, query, retrieval.SearchOptions{K: opts.limit, KeywordWeight: opts.keywordWeight})
	if err != nil {
		return err
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(hits)
	}
	output.New(cmd.OutOrStdout()).Text(mcp.FormatSearchResults(hits))
	return nil
}
