package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/corpus"
	"github.com/Aman-CERP/pdfrag/internal/output"
)

func newCompactCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Rebuild the vector index without stale graph nodes",
		Long: `Rebuild the vector index from the vectors stored in the metadata ledger.

Removals delete vectors lazily, leaving graph nodes that still take part in
searches. Compaction drops them without calling the embedding provider. It
refuses to run while the stores disagree.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			if err := p.requireDataDir(); err != nil {
				return err
			}

			writer, err := corpus.Open(cmd.Context(), p.dataDir, corpus.Options{})
			if err != nil {
				return err
			}
			defer func() { _ = writer.Close() }()

			result, err := writer.Compact(cmd.Context(), force)
			if err != nil {
				return err
			}

			out := output.New(cmd.OutOrStdout())
			if result.Skipped {
				out.Success("Nothing to compact: the index has no stale graph nodes")
				return nil
			}
			out.Successf("Compacted vector index: %d -> %d graph nodes (%d vectors) in %s",
				result.Before.GraphNodes, result.After.GraphNodes, result.After.ValidIDs,
				result.Duration.Round(1e6))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Rebuild even when there is nothing to reclaim")

	return cmd
}
