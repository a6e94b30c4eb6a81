package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/checkpoint"
	"github.com/Aman-CERP/pdfrag/internal/corpus"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/output"
)

type removeOptions struct {
	yes          bool
	metadataOnly bool
	indexOnly    bool
}

func (o removeOptions) scope() corpus.Scope {
	switch {
	case o.metadataOnly:
		return corpus.ScopeMetadataOnly
	case o.indexOnly:
		return corpus.ScopeIndexOnly
	default:
		return corpus.ScopeBoth
	}
}

func newRemoveCmd() *cobra.Command {
	var opts removeOptions

	cmd := &cobra.Command{
		Use:   "remove <source-file>",
		Short: "Remove every chunk of one source document",
		Long: `Remove a source document from both the vector index and the metadata
ledger, and forget its ingestion progress so a later ingest embeds it again.

The source may be named by its stored name or its base name. Nothing is
deleted until the removal is confirmed at the prompt or with --yes.

--metadata-only and --index-only touch a single store. They leave the
corpus inconsistent on purpose and exist for repairing a divergence
reported by 'pdfrag check'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			return runRemove(cmd.Context(), cmd, p, args[0], opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "Remove without prompting")
	cmd.Flags().BoolVar(&opts.metadataOnly, "metadata-only", false, "Remove from the metadata ledger only")
	cmd.Flags().BoolVar(&opts.indexOnly, "index-only", false, "Remove from the vector index only")
	cmd.MarkFlagsMutuallyExclusive("metadata-only", "index-only")

	return cmd
}

func runRemove(ctx context.Context, cmd *cobra.Command, p *project, sourceFile string, opts removeOptions) error {
	if err := p.requireDataDir(); err != nil {
		return err
	}

	ledger, err := checkpoint.Open(filepath.Join(p.dataDir, checkpoint.FileName))
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	writer, err := corpus.Open(ctx, p.dataDir, corpus.Options{Forgetter: ledger})
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()

	scope := opts.scope()
	plan, err := writer.Plan(ctx, sourceFile, scope)
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	question := fmt.Sprintf("Remove %d chunks of %s", len(plan.IDs), plan.SourceFile)
	if scope != corpus.ScopeBoth {
		question += " (" + string(scope) + ")"
	}
	if !opts.yes && !out.Confirm(cmd.InOrStdin(), question+"?") {
		return ragerrors.ConfirmationRequired(question)
	}

	var result *corpus.RemovalResult
	switch scope {
	case corpus.ScopeMetadataOnly:
		result, err = writer.RemoveMetadataOnly(ctx, plan.SourceFile, true)
	case corpus.ScopeIndexOnly:
		result, err = writer.RemoveIndexOnly(ctx, plan.SourceFile, true)
	default:
		result, err = writer.Remove(ctx, plan.SourceFile, true)
	}
	if err != nil {
		return err
	}

	out.Successf("Removed %d chunks of %s (%d remaining)", result.Removed, result.SourceFile, result.Remaining)
	if scope != corpus.ScopeBoth {
		out.Warning("The stores now disagree; run 'pdfrag check' to see what is left")
	}
	return nil
}
