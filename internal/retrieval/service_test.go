package retrieval

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/pdfrag/internal/chunk"
	"github.com/Aman-CERP/pdfrag/internal/corpus"
	"github.com/Aman-CERP/pdfrag/internal/embed"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
	"github.com/Aman-CERP/pdfrag/internal/telemetry"
	"github.com/Aman-CERP/pdfrag/internal/watcher"
)

var corpusTexts = map[string][]string{
	"annual-report.pdf": {
		"Quarterly revenue grew by twelve percent driven by subscription sales.",
		"Operating expenses were flat compared with the previous year.",
	},
	"handbook.pdf": {
		"Employees accrue vacation days monthly and may carry over five days.",
	},
	"safety.pdf": {
		"Fire exits must remain unobstructed at all times.",
		"Report chemical spills to the facilities team immediately.",
	},
}

// buildRecords embeds texts with the static embedder under model.
func buildRecords(t *testing.T, source string, texts []string, model string) []*store.Record {
	t.Helper()
	e := embed.NewStaticEmbedder()
	vectors, err := e.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)

	out := make([]*store.Record, len(texts))
	for i, text := range texts {
		out[i] = &store.Record{
			ID:             chunk.ChunkID(source, i),
			Text:           text,
			SourceFile:     source,
			PageNumbers:    []int{i + 1},
			Position:       i,
			EmbeddingModel: model,
			Vector:         vectors[i],
		}
	}
	return out
}

// ingest commits docs to dir in one writer session.
func ingest(t *testing.T, dir string, docs map[string][]string, model string) {
	t.Helper()
	ctx := context.Background()
	writer, err := corpus.Open(ctx, dir, corpus.Options{LockTimeout: time.Second})
	require.NoError(t, err)
	defer func() { require.NoError(t, writer.Close()) }()

	names := make([]string, 0, len(docs))
	for name := range docs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		require.NoError(t, writer.Insert(ctx, buildRecords(t, name, docs[name], model)))
	}
}

var staticModel = embed.ModelID(embed.NewStaticEmbedder())

func newService(t *testing.T, dir string, opts Options) *Service {
	t.Helper()
	opts.DataDir = dir
	svc, err := New(embed.NewStaticEmbedder(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc
}

func readyService(t *testing.T, docs map[string][]string) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	if len(docs) > 0 {
		ingest(t, dir, docs, staticModel)
	}
	svc := newService(t, dir, Options{})
	require.NoError(t, svc.Initialize(context.Background()))
	return svc, dir
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{DataDir: "d"})
	assert.Error(t, err)

	_, err = New(embed.NewStaticEmbedder(), Options{})
	assert.Error(t, err)

	_, err = New(embed.NewStaticEmbedder(), Options{DataDir: "d", KeywordWeight: 1.5})
	assert.True(t, ragerrors.IsConfiguration(err))
}

func TestSearch_ReturnsOrderedHitsWithMetadata(t *testing.T) {
	// Given: an initialised service over three sources
	svc, _ := readyService(t, corpusTexts)
	assert.True(t, svc.Ready())

	// When: a query repeats one chunk verbatim
	query := corpusTexts["handbook.pdf"][0]
	hits, err := svc.Search(context.Background(), query, SearchOptions{K: 3})

	// Then: that chunk comes first with its source, pages and text
	require.NoError(t, err)
	require.Len(t, hits, 3)
	top := hits[0]
	assert.Equal(t, chunk.ChunkID("handbook.pdf", 0), top.ChunkID)
	assert.Equal(t, "handbook.pdf", top.SourceFile)
	assert.Equal(t, []int{1}, top.PageNumbers)
	assert.Equal(t, query, top.Text)
	assert.InDelta(t, 1.0, top.Similarity, 1e-3)

	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Similarity, hits[i].Similarity)
	}
}

func TestSearch_DefaultK(t *testing.T) {
	svc, _ := readyService(t, corpusTexts)

	hits, err := svc.Search(context.Background(), "vacation", SearchOptions{})

	require.NoError(t, err)
	assert.Len(t, hits, DefaultK)
}

func TestSearch_KLargerThanCorpus(t *testing.T) {
	svc, _ := readyService(t, corpusTexts)

	hits, err := svc.Search(context.Background(), "fire", SearchOptions{K: 50})

	require.NoError(t, err)
	assert.Len(t, hits, 5)
}

func TestSearch_InvalidInput(t *testing.T) {
	svc, _ := readyService(t, corpusTexts)
	ctx := context.Background()

	_, err := svc.Search(ctx, "   ", SearchOptions{})
	assert.Equal(t, ragerrors.ErrCodeQueryEmpty, ragerrors.GetCode(err))

	_, err = svc.Search(ctx, "revenue", SearchOptions{K: MaxK + 1})
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))

	_, err = svc.Search(ctx, "revenue", SearchOptions{KeywordWeight: -0.5})
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))
}

func TestSearch_EmptyCorpus(t *testing.T) {
	// Given: a service over a directory nothing was ingested into
	svc, _ := readyService(t, nil)

	// When: a query arrives
	_, err := svc.Search(context.Background(), "anything", SearchOptions{})

	// Then: the corpus is reported unavailable
	assert.True(t, ragerrors.IsCorpusUnavailable(err))
}

func TestSearch_HybridRanksKeywordMatches(t *testing.T) {
	// Given: the service
	svc, _ := readyService(t, corpusTexts)

	// When: the query is scored entirely on keyword overlap
	hits, err := svc.Search(context.Background(), "chemical spills", SearchOptions{K: 2, KeywordWeight: 1})

	// Then: the chunk holding both terms ranks first with a full keyword score
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, chunk.ChunkID("safety.pdf", 1), hits[0].ChunkID)
	assert.InDelta(t, 1.0, hits[0].KeywordScore, 1e-9)
	assert.InDelta(t, hits[0].KeywordScore, hits[0].Similarity, 1e-9)
	assert.Greater(t, hits[0].VectorScore, 0.0)
}

func TestSearch_HybridBlendsScores(t *testing.T) {
	svc, _ := readyService(t, corpusTexts)

	hits, err := svc.Search(context.Background(), "revenue subscription", SearchOptions{K: 5, KeywordWeight: 0.5})

	require.NoError(t, err)
	for _, h := range hits {
		assert.InDelta(t, 0.5*h.VectorScore+0.5*h.KeywordScore, h.Similarity, 1e-9)
	}
}

func TestInitialize_ModelMismatchIsFatal(t *testing.T) {
	// Given: a corpus embedded under another model id
	dir := t.TempDir()
	ingest(t, dir, corpusTexts, "openai/text-embedding-3-small")
	svc := newService(t, dir, Options{})

	// When: the service initialises with the static embedder
	err := svc.Initialize(context.Background())

	// Then: initialization fails and queries return the same error
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeModelMismatch, ragerrors.GetCode(err))
	assert.False(t, svc.Ready())

	_, err = svc.Search(context.Background(), "revenue", SearchOptions{})
	assert.Equal(t, ragerrors.ErrCodeModelMismatch, ragerrors.GetCode(err))
}

func TestInitialize_ProviderUnavailable(t *testing.T) {
	e := embed.NewStaticEmbedder()
	require.NoError(t, e.Close())
	svc, err := New(e, Options{DataDir: t.TempDir()})
	require.NoError(t, err)

	err = svc.Initialize(context.Background())

	assert.Equal(t, ragerrors.ErrCodeProviderUnavailable, ragerrors.GetCode(err))
}

func TestSearch_BlocksUntilReady(t *testing.T) {
	// Given: an uninitialised service over a populated corpus
	dir := t.TempDir()
	ingest(t, dir, corpusTexts, staticModel)
	svc := newService(t, dir, Options{})

	// When: a query times out before initialization
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := svc.Search(ctx, "revenue", SearchOptions{})

	// Then: it fails with the context error
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// When: a query waits while initialization completes
	result := make(chan error, 1)
	go func() {
		_, err := svc.Search(context.Background(), "revenue", SearchOptions{})
		result <- err
	}()
	require.NoError(t, svc.Initialize(context.Background()))

	// Then: it succeeds
	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("query did not complete after initialization")
	}
}

func TestListSources(t *testing.T) {
	svc, _ := readyService(t, corpusTexts)

	sources, err := svc.ListSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"annual-report.pdf", "handbook.pdf", "safety.pdf"}, sources)

	counts, err := svc.SourceCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"annual-report.pdf": 2, "handbook.pdf": 1, "safety.pdf": 2}, counts)
}

func TestReload_ReflectsLastCommit(t *testing.T) {
	// Given: a serving service
	svc, dir := readyService(t, map[string][]string{"handbook.pdf": corpusTexts["handbook.pdf"]})
	before := svc.LoadedAt()

	// When: a writer commits another source and the service reloads
	ingest(t, dir, map[string][]string{"safety.pdf": corpusTexts["safety.pdf"]}, staticModel)
	require.NoError(t, svc.Reload(context.Background()))

	// Then: the new source is visible
	sources, err := svc.ListSources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"handbook.pdf", "safety.pdf"}, sources)
	assert.False(t, svc.LoadedAt().Before(before))
}

func TestReload_FailureKeepsServing(t *testing.T) {
	// Given: a serving service
	svc, dir := readyService(t, corpusTexts)

	// When: the corpus is replaced by one from another model
	writer, err := corpus.Open(context.Background(), dir, corpus.Options{})
	require.NoError(t, err)
	for name := range corpusTexts {
		_, err := writer.Remove(context.Background(), name, true)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Insert(context.Background(), buildRecords(t, "other.pdf", []string{"x"}, "voyage/voyage-4")))
	require.NoError(t, writer.Close())

	err = svc.Reload(context.Background())

	// Then: reload fails and the old snapshot still answers
	assert.Equal(t, ragerrors.ErrCodeModelMismatch, ragerrors.GetCode(err))
	sources, err := svc.ListSources(context.Background())
	require.NoError(t, err)
	assert.Len(t, sources, 3)
}

func TestSearch_DropsHitsWithoutMetadata(t *testing.T) {
	// Given: a corpus whose metadata lost one source
	dir := t.TempDir()
	ingest(t, dir, corpusTexts, staticModel)
	writer, err := corpus.Open(context.Background(), dir, corpus.Options{})
	require.NoError(t, err)
	_, err = writer.RemoveMetadataOnly(context.Background(), "handbook.pdf", true)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	svc := newService(t, dir, Options{})
	require.NoError(t, svc.Initialize(context.Background()))

	// When: the query matches the orphaned vector best
	hits, err := svc.Search(context.Background(), corpusTexts["handbook.pdf"][0], SearchOptions{K: 10})

	// Then: the orphan is not returned
	require.NoError(t, err)
	assert.Len(t, hits, 4)
	for _, h := range hits {
		assert.NotEqual(t, "handbook.pdf", h.SourceFile)
	}
}

func TestSearch_RecordsMetrics(t *testing.T) {
	dir := t.TempDir()
	ingest(t, dir, corpusTexts, staticModel)
	metrics := telemetry.NewQueryMetrics(telemetry.DefaultConfig())
	svc := newService(t, dir, Options{Metrics: metrics})
	require.NoError(t, svc.Initialize(context.Background()))

	_, err := svc.Search(context.Background(), "revenue", SearchOptions{})
	require.NoError(t, err)
	_, err = svc.Search(context.Background(), "fire exits", SearchOptions{KeywordWeight: 0.3})
	require.NoError(t, err)
	_, err = svc.Search(context.Background(), "", SearchOptions{})
	require.Error(t, err)

	snap := svc.Metrics().Snapshot()
	assert.Equal(t, int64(3), snap.TotalQueries)
	assert.Equal(t, int64(1), snap.FailedQueries)
	assert.Equal(t, int64(1), snap.ModeCounts[telemetry.ModeVector])
	assert.Equal(t, int64(1), snap.ModeCounts[telemetry.ModeHybrid])
}

func TestShutdown(t *testing.T) {
	svc, _ := readyService(t, corpusTexts)

	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))

	_, err := svc.Search(context.Background(), "revenue", SearchOptions{})
	assert.Equal(t, ragerrors.ErrCodeNotReady, ragerrors.GetCode(err))
	_, err = svc.ListSources(context.Background())
	assert.Equal(t, ragerrors.ErrCodeNotReady, ragerrors.GetCode(err))
}

func TestShutdown_BeforeInitializeReleasesWaiters(t *testing.T) {
	svc := newService(t, t.TempDir(), Options{})

	require.NoError(t, svc.Shutdown(context.Background()))

	_, err := svc.ListSources(context.Background())
	assert.Equal(t, ragerrors.ErrCodeNotReady, ragerrors.GetCode(err))
}

func TestWatcher_ReloadsAfterCommit(t *testing.T) {
	// Given: a serving service with a running watcher
	svc, dir := readyService(t, map[string][]string{"handbook.pdf": corpusTexts["handbook.pdf"]})
	w, err := NewWatcher(svc, watcher.Options{DebounceWindow: 20 * time.Millisecond, PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()
	time.Sleep(100 * time.Millisecond)

	// When: a writer commits a new source
	ingest(t, dir, map[string][]string{"safety.pdf": corpusTexts["safety.pdf"]}, staticModel)

	// Then: the service eventually serves it
	assert.Eventually(t, func() bool {
		counts, err := svc.SourceCounts(context.Background())
		return err == nil && counts["safety.pdf"] == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInitialize_MissingDataDir(t *testing.T) {
	// Given: a data directory no ingest has created
	dir := filepath.Join(t.TempDir(), ".pdfrag")
	svc := newService(t, dir, Options{})

	// When: the service starts and a query arrives
	require.NoError(t, svc.Initialize(context.Background()))
	_, err := svc.Search(context.Background(), "anything", SearchOptions{})

	// Then: it serves an empty corpus without creating the directory
	assert.True(t, ragerrors.IsCorpusUnavailable(err))
	assert.NoDirExists(t, dir)
}

func TestWatcher_WaitsForDataDir(t *testing.T) {
	// Given: a watcher on a data directory that does not exist yet
	dir := filepath.Join(t.TempDir(), ".pdfrag")
	svc := newService(t, dir, Options{})
	require.NoError(t, svc.Initialize(context.Background()))
	w, err := NewWatcher(svc, watcher.Options{DebounceWindow: 20 * time.Millisecond, PollInterval: 50 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	time.Sleep(100 * time.Millisecond)
	assert.NoDirExists(t, dir)

	// When: the first ingest creates it and commits
	ingest(t, dir, map[string][]string{"handbook.pdf": corpusTexts["handbook.pdf"]}, staticModel)

	// Then: the service picks the commit up
	assert.Eventually(t, func() bool {
		counts, err := svc.SourceCounts(context.Background())
		return err == nil && counts["handbook.pdf"] == 1
	}, 5*time.Second, 20*time.Millisecond)
}
