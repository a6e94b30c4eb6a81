package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/checkpoint"
	"github.com/Aman-CERP/pdfrag/internal/store"
	"github.com/Aman-CERP/pdfrag/internal/ui"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show corpus size, model and ingestion progress",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			info, err := collectStatus(cmd.Context(), p)
			if err != nil {
				return err
			}

			noColor := flags.noColor || ui.DetectNoColor() || !ui.IsTTY(cmd.OutOrStdout())
			renderer := ui.NewStatusRenderer(cmd.OutOrStdout(), noColor)
			if jsonOutput {
				return renderer.RenderJSON(info)
			}
			return renderer.Render(info)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")

	return cmd
}

func collectStatus(ctx context.Context, p *project) (ui.StatusInfo, error) {
	info := ui.StatusInfo{DataDir: p.dataDir}

	snap, err := p.openSnapshot(ctx)
	if err != nil {
		return info, err
	}
	defer func() { _ = snap.Close() }()

	metaPath := filepath.Join(p.dataDir, store.MetadataFileName)
	vectorPath := filepath.Join(p.dataDir, store.VectorFileName)
	checkpointPath := filepath.Join(p.dataDir, checkpoint.FileName)

	info.Model = snap.Metadata.Model()
	info.Dimensions = snap.Metadata.Dimensions()
	info.Chunks = snap.Metadata.Count()
	info.Vectors = snap.Vectors.Count()
	info.Orphans = snap.Vectors.Stats().Orphans
	info.Sources = snap.Metadata.SourceCounts()
	info.MetadataSize = fileSize(metaPath)
	info.VectorSize = fileSize(vectorPath) + fileSize(vectorPath+".meta")
	info.CheckpointSize = fileSize(checkpointPath)
	if st, err := os.Stat(metaPath); err == nil {
		info.LastCommit = st.ModTime()
	}

	if info.CheckpointSize > 0 {
		if err := addProgress(ctx, checkpointPath, &info); err != nil {
			slog.Warn("status_checkpoint_unreadable", slog.String("error", err.Error()))
		}
	}
	return info, nil
}

// addProgress fills the resumable file and the last run summary.
func addProgress(ctx context.Context, path string, info *ui.StatusInfo) error {
	ledger, err := checkpoint.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()

	cp, err := ledger.Load(ctx)
	if err != nil {
		return err
	}
	if c := cp.LastBatchCursor; c != nil {
		info.Pending = fmt.Sprintf("%s (batch %d of size %d)", c.SourceFile, c.NextBatch, c.BatchSize)
	}

	events, err := ledger.Events(ctx, "")
	if err != nil {
		return err
	}
	if len(events) > 0 {
		counts := checkpoint.StatusCounts(events)
		info.LastRun = fmt.Sprintf("%d done, %d skipped, %d failed",
			counts[checkpoint.StatusDone], counts[checkpoint.StatusSkip], counts[checkpoint.StatusError])
	}
	return nil
}
