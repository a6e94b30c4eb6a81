// Package pipeline drives extracted documents through chunking, embedding
// and the corpus synchronizer, recording progress in the checkpoint ledger
// so an interrupted run can resume without re-embedding committed work.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/pdfrag/internal/checkpoint"
	"github.com/Aman-CERP/pdfrag/internal/chunk"
	"github.com/Aman-CERP/pdfrag/internal/embed"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/source"
	"github.com/Aman-CERP/pdfrag/internal/store"
	"github.com/Aman-CERP/pdfrag/internal/ui"
)

// Defaults for Options.
const (
	DefaultBatchSize   = 32
	DefaultParallelism = 2
	DefaultMaxRetries  = 5
)

// Committer is the write path into the corpus.
type Committer interface {
	Insert(ctx context.Context, records []*store.Record) error
	Discard(ctx context.Context, ids []string) (int, error)
	CheckModel(model string) error
}

// Progress is the durable ingestion state.
type Progress interface {
	Load(ctx context.Context) (*checkpoint.Checkpoint, error)
	AdvanceCursor(ctx context.Context, c checkpoint.Cursor) error
	MarkProcessed(ctx context.Context, pf checkpoint.ProcessedFile) error
	RecordEvent(ctx context.Context, ev checkpoint.FileEvent) error
}

// Loader reads one discovered entry. source.Load is used when nil.
type Loader func(e source.Entry) (*chunk.Document, error)

// Dependencies contains the injected collaborators of a Pipeline.
type Dependencies struct {
	// Renderer for progress display (required).
	Renderer ui.Renderer

	// Chunker splits loaded documents (required).
	Chunker chunk.Chunker

	// Embedder produces the stored vectors (required).
	Embedder embed.Embedder

	// Corpus commits embedded batches to both stores (required).
	Corpus Committer

	// Checkpoint records progress (required).
	Checkpoint Progress

	Loader Loader
}

// Options tunes batching and retries.
type Options struct {
	BatchSize   int
	Parallelism int

	// Retry governs provider calls; the zero value uses
	// ragerrors.ProviderRetryConfig(DefaultMaxRetries).
	Retry ragerrors.RetryConfig
}

// Summary reports one run.
type Summary struct {
	RunID     string
	Files     int // entries considered
	Skipped   int // already complete before this run
	Processed int // completed in this run
	Failed    int // could not be loaded; left for the next run
	Chunks    int // chunks committed in this run
	Resumed   bool
	Duration  time.Duration
}

// Pipeline ingests extracted documents into the corpus.
type Pipeline struct {
	renderer   ui.Renderer
	chunker    chunk.Chunker
	embedder   embed.Embedder
	corpus     Committer
	checkpoint Progress
	load       Loader
	opts       Options
}

// New creates a Pipeline with injected dependencies.
func New(deps Dependencies, opts Options) (*Pipeline, error) {
	if deps.Renderer == nil {
		return nil, fmt.Errorf("renderer is required")
	}
	if deps.Chunker == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if deps.Corpus == nil {
		return nil, fmt.Errorf("corpus is required")
	}
	if deps.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint is required")
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = ragerrors.ProviderRetryConfig(DefaultMaxRetries)
	}
	if opts.Retry.OnRetry == nil {
		opts.Retry.OnRetry = func(retry int, err error, delay time.Duration) {
			slog.Warn("embed_retry",
				slog.Int("retry", retry),
				slog.Duration("delay", delay),
				ragerrors.FormatForLog(err))
		}
	}

	load := deps.Loader
	if load == nil {
		load = source.Load
	}

	return &Pipeline{
		renderer:   deps.Renderer,
		chunker:    deps.Chunker,
		embedder:   deps.Embedder,
		corpus:     deps.Corpus,
		checkpoint: deps.Checkpoint,
		load:       load,
		opts:       opts,
	}, nil
}

// stageTiming tracks time spent per stage across a run.
type stageTiming struct {
	chunk  time.Duration
	embed  time.Duration
	commit time.Duration
}

// Run ingests every entry not yet recorded as complete, in lexicographic
// order of source name. Provider and store failures abort the run and leave
// the failing file unmarked; unreadable entries are recorded and skipped.
func (p *Pipeline) Run(ctx context.Context, entries []source.Entry) (*Summary, error) {
	start := time.Now()
	model := embed.ModelID(p.embedder)
	summary := &Summary{RunID: checkpoint.NewRunID(), Files: len(entries)}

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	if err := p.corpus.CheckModel(model); err != nil {
		return summary, err
	}

	cp, err := p.checkpoint.Load(ctx)
	if err != nil {
		return summary, err
	}

	ordered := append([]source.Entry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SourceFile < ordered[j].SourceFile })

	p.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageDiscovering, Current: len(ordered), Total: len(ordered)})

	var todo []source.Entry
	for _, e := range ordered {
		if cp.IsDone(e.SourceFile) {
			summary.Skipped++
			p.event(ctx, summary.RunID, e.SourceFile, checkpoint.StatusSkip, cp.ProcessedSourceFiles[e.SourceFile].Chunks, "")
			continue
		}
		todo = append(todo, e)
		p.event(ctx, summary.RunID, e.SourceFile, checkpoint.StatusTodo, 0, "")
	}

	slog.Info("ingest_started",
		slog.String("run_id", summary.RunID),
		slog.String("model", model),
		slog.Int("files", len(ordered)),
		slog.Int("todo", len(todo)),
		slog.Int("skipped", summary.Skipped))

	var timing stageTiming
	for i, e := range todo {
		if err := ctx.Err(); err != nil {
			return p.finish(summary, start), err
		}

		p.renderer.UpdateProgress(ui.ProgressEvent{
			Stage:       ui.StageEmbedding,
			Current:     i,
			Total:       len(todo),
			CurrentFile: e.SourceFile,
		})

		n, resumed, err := p.ingestFile(ctx, e, cp.LastBatchCursor, model, &timing)
		if resumed {
			summary.Resumed = true
		}
		if err != nil {
			p.event(context.WithoutCancel(ctx), summary.RunID, e.SourceFile, checkpoint.StatusError, 0, err.Error())
			p.renderer.AddError(ui.ErrorEvent{File: e.SourceFile, Err: err, IsWarn: isFileError(err)})
			if isFileError(err) {
				summary.Failed++
				slog.Warn("file_skipped",
					slog.String("source_file", e.SourceFile),
					ragerrors.FormatForLog(err))
				continue
			}
			slog.Error("ingest_aborted",
				slog.String("run_id", summary.RunID),
				slog.String("source_file", e.SourceFile),
				ragerrors.FormatForLog(err))
			return p.finish(summary, start), err
		}

		summary.Processed++
		summary.Chunks += n
		p.event(ctx, summary.RunID, e.SourceFile, checkpoint.StatusDone, n, "")
	}

	p.finish(summary, start)
	p.renderer.UpdateProgress(ui.ProgressEvent{Stage: ui.StageComplete, Current: len(todo), Total: len(todo)})
	p.renderer.Complete(ui.CompletionStats{
		Files:    summary.Processed,
		Skipped:  summary.Skipped,
		Chunks:   summary.Chunks,
		Duration: summary.Duration,
		Errors:   summary.Failed,
		Stages: ui.StageTimings{
			Chunk:  timing.chunk,
			Embed:  timing.embed,
			Commit: timing.commit,
		},
		Embedder: ui.EmbedderInfo{
			Provider:   p.embedder.Provider().String(),
			Model:      p.embedder.ModelName(),
			Dimensions: p.embedder.Dimensions(),
		},
	})

	slog.Info("ingest_complete",
		slog.String("run_id", summary.RunID),
		slog.Int("processed", summary.Processed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", summary.Failed),
		slog.Int("chunks", summary.Chunks),
		slog.Duration("duration", summary.Duration))
	return summary, nil
}

func (p *Pipeline) finish(s *Summary, start time.Time) *Summary {
	s.Duration = time.Since(start)
	return s
}

// ingestFile chunks, embeds and commits one file, then marks it complete.
// It reports the number of chunks and whether it resumed from a cursor.
func (p *Pipeline) ingestFile(ctx context.Context, e source.Entry, cursor *checkpoint.Cursor, model string, timing *stageTiming) (int, bool, error) {
	doc, err := p.load(e)
	if err != nil {
		return 0, false, &fileError{err: err}
	}

	chunkStart := time.Now()
	chunks, err := ragerrors.RetryWithResult(ctx, p.opts.Retry, func() ([]*chunk.Chunk, error) {
		return p.chunker.Chunk(ctx, doc)
	})
	timing.chunk += time.Since(chunkStart)
	if err != nil {
		return 0, false, err
	}

	batches := splitBatches(chunks, p.opts.BatchSize)
	chunkConfig := p.chunker.Fingerprint()
	first := cursor.ResumesFrom(e.SourceFile, model, chunkConfig, p.opts.BatchSize)
	if first > len(batches) {
		first = len(batches)
	}
	if first > 0 {
		slog.Info("ingest_resumed",
			slog.String("source_file", e.SourceFile),
			slog.Int("next_batch", first),
			slog.Int("batches", len(batches)))
	} else if err := p.discardStale(ctx, e.SourceFile, len(chunks), cursor.Committed(e.SourceFile)); err != nil {
		return 0, false, err
	}

	if err := p.embedAndCommit(ctx, e.SourceFile, batches, first, model, chunkConfig, timing); err != nil {
		return 0, first > 0, err
	}

	err = p.checkpoint.MarkProcessed(ctx, checkpoint.ProcessedFile{
		SourceFile:     e.SourceFile,
		Chunks:         len(chunks),
		EmbeddingModel: model,
	})
	if err != nil {
		return 0, first > 0, err
	}

	slog.Debug("file_committed",
		slog.String("source_file", e.SourceFile),
		slog.Int("chunks", len(chunks)),
		slog.Int("batches", len(batches)))
	return len(chunks), first > 0, nil
}

// discardStale deletes positions [keep, committed) of sourceFile, written by
// an interrupted run whose batches no longer line up with the current cut.
func (p *Pipeline) discardStale(ctx context.Context, sourceFile string, keep, committed int) error {
	if committed <= keep {
		return nil
	}
	ids := make([]string, 0, committed-keep)
	for pos := keep; pos < committed; pos++ {
		ids = append(ids, chunk.ChunkID(sourceFile, pos))
	}
	n, err := p.corpus.Discard(ctx, ids)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("stale_chunks_discarded",
			slog.String("source_file", sourceFile),
			slog.Int("from_position", keep),
			slog.Int("removed", n))
	}
	return nil
}

// embedAndCommit embeds up to Parallelism batches concurrently and commits
// them strictly in batch order, advancing the cursor after every commit.
func (p *Pipeline) embedAndCommit(ctx context.Context, sourceFile string, batches [][]*chunk.Chunk, first int, model, chunkConfig string, timing *stageTiming) error {
	if first >= len(batches) {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Parallelism)

	ready := make([]chan []*store.Record, len(batches))
	for i := range ready {
		ready[i] = make(chan []*store.Record, 1)
	}

	embedStart := time.Now()
	fed := make(chan struct{})
	go func() {
		defer close(fed)
		for i := first; i < len(batches); i++ {
			if gctx.Err() != nil {
				return
			}
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				records, err := p.embedBatch(gctx, sourceFile, batches[i], model)
				if err != nil {
					return err
				}
				ready[i] <- records
				return nil
			})
		}
	}()

	var commitTime time.Duration
	commitErr := func() error {
		for i := first; i < len(batches); i++ {
			var records []*store.Record
			select {
			case records = <-ready[i]:
			case <-gctx.Done():
				// Commit a batch that finished before the failure.
				select {
				case records = <-ready[i]:
				default:
					return gctx.Err()
				}
			}

			commitStart := time.Now()
			if err := p.corpus.Insert(ctx, records); err != nil {
				return err
			}
			err := p.checkpoint.AdvanceCursor(ctx, checkpoint.Cursor{
				SourceFile:     sourceFile,
				NextBatch:      i + 1,
				BatchSize:      p.opts.BatchSize,
				EmbeddingModel: model,
				ChunkConfig:    chunkConfig,
			})
			commitTime += time.Since(commitStart)
			if err != nil {
				return err
			}

			p.renderer.UpdateProgress(ui.ProgressEvent{
				Stage:       ui.StageEmbedding,
				Current:     i + 1,
				Total:       len(batches),
				CurrentFile: sourceFile,
				Message:     fmt.Sprintf("batch %d/%d", i+1, len(batches)),
			})
			slog.Debug("batch_committed",
				slog.String("source_file", sourceFile),
				slog.Int("batch", i),
				slog.Int("records", len(records)))
		}
		return nil
	}()
	if commitErr != nil {
		cancel()
	}

	<-fed
	embedErr := g.Wait()
	timing.commit += commitTime
	timing.embed += time.Since(embedStart) - commitTime

	if embedErr != nil && (commitErr == nil || errors.Is(commitErr, context.Canceled)) {
		return embedErr
	}
	return commitErr
}

// embedBatch embeds one batch with retries and builds its records.
func (p *Pipeline) embedBatch(ctx context.Context, sourceFile string, batch []*chunk.Chunk, model string) ([]*store.Record, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := ragerrors.RetryWithResult(ctx, p.opts.Retry, func() ([][]float32, error) {
		return p.embedder.EmbedBatch(ctx, texts)
	})
	if err != nil {
		var re *ragerrors.RagError
		if errors.As(err, &re) {
			return nil, re.WithDetail("source_file", sourceFile)
		}
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, ragerrors.MalformedResponseError(
			fmt.Sprintf("provider returned %d vectors for %d inputs", len(vectors), len(texts))).
			WithDetail("source_file", sourceFile)
	}

	records := make([]*store.Record, len(batch))
	for i, c := range batch {
		if len(vectors[i]) == 0 || len(vectors[i]) != len(vectors[0]) {
			return nil, ragerrors.MalformedResponseError(
				fmt.Sprintf("provider returned a vector of length %d, expected %d", len(vectors[i]), len(vectors[0]))).
				WithDetail("source_file", sourceFile).
				WithDetail("chunk_id", c.ID)
		}
		records[i] = &store.Record{
			ID:             c.ID,
			Text:           c.Text,
			SourceFile:     c.SourceFile,
			PageNumbers:    c.PageNumbers,
			Position:       c.Position,
			EmbeddingModel: model,
			Vector:         vectors[i],
		}
	}
	return records, nil
}

// event records a per-file status row. Failures are logged, never fatal.
func (p *Pipeline) event(ctx context.Context, runID, sourceFile string, status checkpoint.Status, chunks int, message string) {
	err := p.checkpoint.RecordEvent(ctx, checkpoint.FileEvent{
		RunID:      runID,
		SourceFile: sourceFile,
		Status:     status,
		Chunks:     chunks,
		Message:    message,
	})
	if err != nil {
		slog.Warn("event_record_failed",
			slog.String("source_file", sourceFile),
			slog.String("status", string(status)),
			slog.String("error", err.Error()))
	}
}

func splitBatches(chunks []*chunk.Chunk, size int) [][]*chunk.Chunk {
	var batches [][]*chunk.Chunk
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, chunks[start:end])
	}
	return batches
}

// fileError marks a failure confined to one entry, such as an unreadable
// extraction file. The run continues with the next entry.
type fileError struct{ err error }

func (e *fileError) Error() string { return e.err.Error() }
func (e *fileError) Unwrap() error { return e.err }

func isFileError(err error) bool {
	var fe *fileError
	return errors.As(err, &fe)
}
