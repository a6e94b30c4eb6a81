package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/pdfrag/internal/checkpoint"
	"github.com/Aman-CERP/pdfrag/internal/chunk"
	"github.com/Aman-CERP/pdfrag/internal/corpus"
	"github.com/Aman-CERP/pdfrag/internal/embed"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/pipeline"
	"github.com/Aman-CERP/pdfrag/internal/preflight"
	"github.com/Aman-CERP/pdfrag/internal/source"
	"github.com/Aman-CERP/pdfrag/internal/ui"
)

type ingestOptions struct {
	strategy    string
	provider    string
	model       string
	batchSize   int
	parallelism int
	noTUI       bool
	reset       bool
}

func newIngestCmd() *cobra.Command {
	var opts ingestOptions

	cmd := &cobra.Command{
		Use:   "ingest [source-dir]",
		Short: "Chunk, embed and commit extracted documents",
		Long: `Ingest every extracted document (<name>.pdf.txt or <name>.pdf.json) in the
source directory into the corpus.

Files already committed are skipped. An interrupted run resumes where it
stopped, inside the file it was working on, without re-embedding committed
batches. Use --reset to forget progress; the corpus itself is untouched, so
re-ingested files overwrite their chunks in place.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := loadProject()
			if err != nil {
				return err
			}
			if len(args) > 0 {
				p.sourceDir, err = filepath.Abs(args[0])
				if err != nil {
					return fmt.Errorf("failed to resolve source directory: %w", err)
				}
			}
			return runIngest(cmd.Context(), cmd, p, opts)
		},
	}

	cmd.Flags().StringVar(&opts.strategy, "strategy", "", "Chunking strategy: token, sentence, recursive, semantic")
	cmd.Flags().StringVar(&opts.provider, "provider", "", "Embedding provider: voyage, openai, gemini, ollama, static")
	cmd.Flags().StringVar(&opts.model, "model", "", "Embedding model (default depends on the provider)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Chunks per embedding request")
	cmd.Flags().IntVar(&opts.parallelism, "parallelism", 0, "Concurrent embedding requests")
	cmd.Flags().BoolVar(&opts.noTUI, "no-tui", false, "Disable TUI mode, use plain text output")
	cmd.Flags().BoolVar(&opts.reset, "reset", false, "Forget ingestion progress before running")

	return cmd
}

func (o ingestOptions) apply(p *project) error {
	cfg := p.cfg
	if o.strategy != "" {
		cfg.Chunking.Strategy = o.strategy
	}
	if o.provider != "" {
		cfg.Embeddings.Provider = o.provider
		if o.model == "" {
			cfg.Embeddings.Model = ""
		}
	}
	if o.model != "" {
		cfg.Embeddings.Model = o.model
	}
	if o.batchSize > 0 {
		cfg.Embeddings.BatchSize = o.batchSize
	}
	if o.parallelism > 0 {
		cfg.Embeddings.Parallelism = o.parallelism
	}
	return p.revalidate()
}

func runIngest(ctx context.Context, cmd *cobra.Command, p *project, opts ingestOptions) error {
	if err := opts.apply(p); err != nil {
		return err
	}
	cfg := p.cfg

	entries, err := source.Discover(p.sourceDir)
	if err != nil {
		return err
	}
	if opts.reset {
		if err := preflight.ClearMarker(p.dataDir); err != nil {
			slog.Debug("preflight_marker_clear_failed", slog.String("error", err.Error()))
		}
	}
	if err := preflight.Guard(preflight.New(), p.dataDir); err != nil {
		return err
	}
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return ragerrors.New(ragerrors.ErrCodeFilePermission, "failed to create data directory", err).
			WithDetail("path", p.dataDir)
	}

	embedder, err := embed.New(ctx, cfg.Embeddings)
	if err != nil {
		return err
	}
	defer func() { _ = embedder.Close() }()

	strategy, err := chunk.ParseStrategy(cfg.Chunking.Strategy)
	if err != nil {
		return err
	}
	chunker, err := chunk.New(chunk.Options{
		Strategy:            strategy,
		ChunkSize:           cfg.Chunking.ChunkSize,
		ChunkOverlap:        cfg.Chunking.ChunkOverlap,
		OverlapSentences:    cfg.Chunking.OverlapSentences,
		MinChunkChars:       cfg.Chunking.MinChunkChars,
		SimilarityThreshold: cfg.Chunking.SimilarityThreshold,
		MaxChunkChars:       cfg.Chunking.MaxChunkChars,
	}, embedder)
	if err != nil {
		return err
	}

	ledger, err := checkpoint.Open(filepath.Join(p.dataDir, checkpoint.FileName))
	if err != nil {
		return err
	}
	defer func() { _ = ledger.Close() }()
	if opts.reset {
		if err := ledger.Reset(ctx); err != nil {
			return err
		}
		slog.Info("checkpoint_reset", slog.String("data_dir", p.dataDir))
	}

	writer, err := corpus.Open(ctx, p.dataDir, corpus.Options{Forgetter: ledger})
	if err != nil {
		return err
	}
	defer func() { _ = writer.Close() }()

	renderer := ui.NewRenderer(ui.NewConfig(cmd.OutOrStdout(),
		ui.WithForcePlain(opts.noTUI),
		ui.WithNoColor(flags.noColor),
		ui.WithDataDir(p.dataDir)))
	if err := renderer.Start(ctx); err != nil {
		slog.Warn("progress_renderer_failed", slog.String("error", err.Error()))
	}
	defer func() { _ = renderer.Stop() }()

	pl, err := pipeline.New(pipeline.Dependencies{
		Renderer:   renderer,
		Chunker:    chunker,
		Embedder:   embedder,
		Corpus:     writer,
		Checkpoint: ledger,
	}, pipeline.Options{
		BatchSize:   cfg.Embeddings.BatchSize,
		Parallelism: cfg.Embeddings.Parallelism,
		Retry:       ragerrors.ProviderRetryConfig(cfg.Embeddings.MaxRetries),
	})
	if err != nil {
		return err
	}

	slog.Info("ingest_started",
		slog.String("source_dir", p.sourceDir),
		slog.String("data_dir", p.dataDir),
		slog.Int("files", len(entries)),
		slog.String("strategy", string(strategy)),
		slog.String("model", embed.ModelID(embedder)))

	summary, err := pl.Run(ctx, entries)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ragerrors.New(ragerrors.ErrCodeIngestFailed, "ingestion interrupted", err).
				WithSuggestion("Run 'pdfrag ingest' again to resume")
		}
		return err
	}

	slog.Info("ingest_complete",
		slog.String("run_id", summary.RunID),
		slog.Int("processed", summary.Processed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("chunks", summary.Chunks),
		slog.Bool("resumed", summary.Resumed),
		slog.Duration("duration", summary.Duration))
	return nil
}
