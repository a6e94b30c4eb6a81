package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/corpus"
	"github.com/Aman-CERP/pdfrag/internal/output"
)

// maxListedIssues bounds the inconsistencies printed in text mode.
const maxListedIssues = 20

type checkIssueJSON struct {
	Type       string `json:"type"`
	ChunkID    string `json:"chunk_id"`
	SourceFile string `json:"source_file,omitempty"`
	Details    string `json:"details,omitempty"`
}

type checkJSON struct {
	Consistent      bool             `json:"consistent"`
	Checked         int              `json:"checked"`
	MetadataCount   int              `json:"metadata_count"`
	VectorCount     int              `json:"vector_count"`
	GraphOrphans    int              `json:"graph_orphans"`
	Inconsistencies []checkIssueJSON `json:"inconsistencies"`
}

func newCheckCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify that the metadata ledger and vector index agree",
		Long: `Compare the chunk ids of the metadata ledger and the vector index.

The check reports and never repairs. It exits non-zero when the stores
disagree; remove and re-ingest the affected sources to fix them.`,
		Args: cobra.NoArgs,
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

			result, err := snap.Check(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := writeCheckJSON(cmd, result); err != nil {
					return err
				}
				if err := result.Err(); err != nil {
					return reported{err}
				}
				return nil
			}
			writeCheckText(output.New(cmd.OutOrStdout()), result)
			return result.Err()
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the check result as JSON")

	return cmd
}

func writeCheckText(out *output.Writer, r *corpus.CheckResult) {
	if r.Consistent() {
		out.Successf("Consistent: %d chunks in both stores (checked in %s)", r.MetadataCount, r.Duration.Round(1e6))
	} else {
		counts := r.CountByType()
		out.Errorf("Inconsistent: metadata %d, vectors %d", r.MetadataCount, r.VectorCount)
		out.Statusf("", "%d orphan vectors, %d missing vectors, %d source mismatches",
			counts[corpus.InconsistencyOrphanVector],
			counts[corpus.InconsistencyMissingVector],
			counts[corpus.InconsistencySourceMismatch])
		for i, issue := range r.Inconsistencies {
			if i == maxListedIssues {
				out.Statusf("", "... and %d more", len(r.Inconsistencies)-maxListedIssues)
				break
			}
			line := fmt.Sprintf("%s %s", issue.Type, issue.ChunkID)
			if issue.SourceFile != "" {
				line += " (" + issue.SourceFile + ")"
			}
			out.Status("", line)
		}
	}
	if r.Index.Orphans > 0 {
		out.Warningf("%d stale graph nodes; run 'pdfrag compact' to reclaim them", r.Index.Orphans)
	}
}

func writeCheckJSON(cmd *cobra.Command, r *corpus.CheckResult) error {
	doc := checkJSON{
		Consistent:      r.Consistent(),
		Checked:         r.Checked,
		MetadataCount:   r.MetadataCount,
		VectorCount:     r.VectorCount,
		GraphOrphans:    r.Index.Orphans,
		Inconsistencies: make([]checkIssueJSON, 0, len(r.Inconsistencies)),
	}
	for _, issue := range r.Inconsistencies {
		doc.Inconsistencies = append(doc.Inconsistencies, checkIssueJSON{
			Type:       issue.Type.String(),
			ChunkID:    issue.ChunkID,
			SourceFile: issue.SourceFile,
			Details:    issue.Details,
		})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
