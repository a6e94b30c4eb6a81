package cmd

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/mcp"
	"github.com/Aman-CERP/pdfrag/internal/output"
)

func newSourcesCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List ingested source documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			snap, err := p.openSnapshot(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = snap.Close() }()

			counts := snap.Metadata.SourceCounts()
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(counts)
			}
			output.New(cmd.OutOrStdout()).Text(mcp.FormatSources(counts))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output chunk counts per source as JSON")

	return cmd
}
