// Package retrieval answers similarity queries against the last committed
// corpus snapshot.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Aman-CERP/pdfrag/internal/corpus"
	"github.com/Aman-CERP/pdfrag/internal/embed"
	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
	"github.com/Aman-CERP/pdfrag/internal/telemetry"
)

const (
	// DefaultK is the number of hits returned when a query names none.
	DefaultK = 5

	// MaxK bounds a single query.
	MaxK = 100

	// hybridOverfetch multiplies k to form the candidate pool re-scored by
	// keyword overlap.
	hybridOverfetch = 4
	minCandidates   = 20
)

// Options configures a Service.
type Options struct {
	DataDir string

	// DefaultK applies when SearchOptions.K is zero.
	DefaultK int

	// KeywordWeight applies when SearchOptions.KeywordWeight is zero.
	// Zero keeps pure vector scoring.
	KeywordWeight float64

	// Metrics receives one event per query. Optional.
	Metrics *telemetry.QueryMetrics
}

// SearchOptions tunes one query.
type SearchOptions struct {
	K             int
	KeywordWeight float64 // in [0,1]; 0 means the service default
}

// Hit is one retrieved chunk.
type Hit struct {
	ChunkID      string  `json:"chunk_id"`
	SourceFile   string  `json:"source_file"`
	PageNumbers  []int   `json:"page_numbers"`
	Position     int     `json:"position"`
	Text         string  `json:"text"`
	Similarity   float64 `json:"similarity"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score,omitempty"`
}

// state is one loaded snapshot plus the keyword index built from it.
type state struct {
	snap    *corpus.Snapshot
	keyword *store.KeywordIndex
}

func (st *state) close() {
	if st == nil {
		return
	}
	if st.keyword != nil {
		_ = st.keyword.Close()
	}
	_ = st.snap.Close()
}

// Service is the read side of a corpus. It never takes the writer lock; each
// load happens under the shared commit lock so a half-written pair is never
// observed.
type Service struct {
	embedder embed.Embedder
	opts     Options

	ready     chan struct{}
	readyOnce sync.Once
	initErr   error

	mu     sync.RWMutex
	state  *state
	closed bool
}

// New creates a service. The service owns embedder and closes it on Shutdown.
func New(embedder embed.Embedder, opts Options) (*Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if opts.DefaultK <= 0 {
		opts.DefaultK = DefaultK
	}
	if opts.KeywordWeight < 0 || opts.KeywordWeight > 1 {
		return nil, ragerrors.ConfigurationError(
			fmt.Sprintf("keyword weight must be within [0,1], got %g", opts.KeywordWeight), nil)
	}
	return &Service{
		embedder: embedder,
		opts:     opts,
		ready:    make(chan struct{}),
	}, nil
}

// Initialize checks the provider and loads the corpus. Queries issued before
// it finishes block; if it fails every query returns its error.
func (s *Service) Initialize(ctx context.Context) error {
	err := s.initialize(ctx)
	s.readyOnce.Do(func() {
		s.initErr = err
		close(s.ready)
	})
	return err
}

func (s *Service) initialize(ctx context.Context) error {
	start := time.Now()
	if !s.embedder.Available(ctx) {
		return ragerrors.New(ragerrors.ErrCodeProviderUnavailable,
			fmt.Sprintf("embedding provider %s is not reachable", s.embedder.Provider()), nil).
			WithSuggestion("Check the provider configuration and credentials")
	}

	st, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	slog.Info("retrieval_ready",
		slog.String("data_dir", s.opts.DataDir),
		slog.String("model", embed.ModelID(s.embedder)),
		slog.Int("chunks", st.snap.Metadata.Count()),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// load reads a snapshot and verifies it can be queried with this embedder.
func (s *Service) load(ctx context.Context) (*state, error) {
	snap, err := corpus.LoadSnapshot(ctx, s.opts.DataDir)
	if ragerrors.IsCorpusUnavailable(err) {
		// Serve empty until the first ingest creates the directory.
		slog.Info("corpus_missing", slog.String("data_dir", s.opts.DataDir))
		snap, err = corpus.EmptySnapshot(s.opts.DataDir)
	}
	if err != nil {
		return nil, err
	}

	model := embed.ModelID(s.embedder)
	if stored := snap.Metadata.Model(); snap.Metadata.Count() > 0 && stored != model {
		_ = snap.Close()
		return nil, ragerrors.New(ragerrors.ErrCodeModelMismatch,
			fmt.Sprintf("corpus was embedded with %q but queries would use %q", stored, model), nil).
			WithDetail("stored_model", stored).
			WithDetail("query_model", model).
			WithSuggestion("Configure the embedding provider and model used at ingest time")
	}

	if !snap.QuickCheck() {
		// Serve what is consistent: hits without metadata are dropped at query time.
		slog.Warn("corpus_inconsistent",
			slog.String("data_dir", s.opts.DataDir),
			slog.Int("metadata", snap.Metadata.Count()),
			slog.Int("vectors", snap.Vectors.Count()))
	}

	keyword, err := store.NewKeywordIndex()
	if err != nil {
		_ = snap.Close()
		return nil, ragerrors.InternalError("failed to create keyword index", err)
	}
	if err := keyword.Index(ctx, snap.Metadata.Records()); err != nil {
		_ = keyword.Close()
		_ = snap.Close()
		return nil, ragerrors.InternalError("failed to build keyword index", err)
	}
	return &state{snap: snap, keyword: keyword}, nil
}

// Reload swaps in the last committed snapshot. On failure the current
// snapshot keeps serving.
func (s *Service) Reload(ctx context.Context) error {
	if err := s.waitReady(ctx); err != nil {
		return err
	}
	st, err := s.load(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		st.close()
		return errShutdown
	}
	old := s.state
	s.state = st
	s.mu.Unlock()
	old.close()

	slog.Info("snapshot_reloaded",
		slog.String("data_dir", s.opts.DataDir),
		slog.Int("chunks", st.snap.Metadata.Count()))
	return nil
}

var errShutdown = ragerrors.New(ragerrors.ErrCodeNotReady, "retrieval service is shut down", nil)

// Ready reports whether Initialize has completed successfully.
func (s *Service) Ready() bool {
	select {
	case <-s.ready:
		return s.initErr == nil
	default:
		return false
	}
}

func (s *Service) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Search returns up to k chunks ordered by descending similarity.
func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]*Hit, error) {
	start := time.Now()
	mode := telemetry.ModeVector
	hits, err := s.search(ctx, query, opts, &mode)
	s.opts.Metrics.Record(telemetry.QueryEvent{
		Query:       query,
		Mode:        mode,
		ResultCount: len(hits),
		Latency:     time.Since(start),
		Failed:      err != nil,
	})
	return hits, err
}

func (s *Service) search(ctx context.Context, query string, opts SearchOptions, mode *telemetry.SearchMode) ([]*Hit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	k := opts.K
	if k == 0 {
		k = s.opts.DefaultK
	}
	if k < 0 || k > MaxK {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			fmt.Sprintf("number of results must be within 1..%d, got %d", MaxK, k), nil)
	}
	weight := opts.KeywordWeight
	if weight == 0 {
		weight = s.opts.KeywordWeight
	}
	if weight < 0 || weight > 1 {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			fmt.Sprintf("keyword weight must be within [0,1], got %g", weight), nil)
	}
	if weight > 0 {
		*mode = telemetry.ModeHybrid
	}

	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	if empty, err := s.empty(); err != nil || empty {
		if err != nil {
			return nil, err
		}
		return nil, ragerrors.CorpusUnavailable("the corpus has no indexed chunks")
	}

	// Embed outside the lock so a reload is not held up by a provider round trip.
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errShutdown
	}
	st := s.state

	fetch := k
	if weight > 0 {
		fetch = max(k*hybridOverfetch, minCandidates)
	}
	vhits, err := st.snap.Vectors.Search(ctx, vector, fetch)
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeSearchFailed, "vector search failed", err)
	}

	hits := make([]*Hit, 0, len(vhits))
	for _, vh := range vhits {
		rec, ok := st.snap.Metadata.Get(vh.ID)
		if !ok {
			slog.Warn("hit_without_metadata", slog.String("id", vh.ID), slog.String("source_file", vh.SourceFile))
			continue
		}
		hits = append(hits, &Hit{
			ChunkID:     rec.ID,
			SourceFile:  rec.SourceFile,
			PageNumbers: append([]int(nil), rec.PageNumbers...),
			Position:    rec.Position,
			Text:        rec.Text,
			Similarity:  float64(vh.Similarity),
			VectorScore: float64(vh.Similarity),
		})
	}

	if weight > 0 {
		if err := rescore(ctx, st.keyword, query, hits, weight); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// rescore blends keyword overlap into each hit's similarity.
func rescore(ctx context.Context, keyword *store.KeywordIndex, query string, hits []*Hit, weight float64) error {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	scores, err := keyword.Score(ctx, query, ids)
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeSearchFailed, "keyword scoring failed", err)
	}
	for _, h := range hits {
		h.KeywordScore = scores[h.ChunkID]
		h.Similarity = (1-weight)*h.VectorScore + weight*h.KeywordScore
	}
	return nil
}

func (s *Service) empty() (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errShutdown
	}
	return s.state.snap.Vectors.Count() == 0, nil
}

// ListSources returns the distinct source files in sorted order.
func (s *Service) ListSources(ctx context.Context) ([]string, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errShutdown
	}
	return s.state.snap.Metadata.Sources(), nil
}

// SourceCounts returns the chunk count per source file.
func (s *Service) SourceCounts(ctx context.Context) (map[string]int, error) {
	if err := s.waitReady(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errShutdown
	}
	return s.state.snap.Metadata.SourceCounts(), nil
}

// LoadedAt returns when the serving snapshot was read.
func (s *Service) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == nil {
		return time.Time{}
	}
	return s.state.snap.LoadedAt
}

// Metrics returns the query metrics collector, nil when none was configured.
func (s *Service) Metrics() *telemetry.QueryMetrics {
	return s.opts.Metrics
}

// DataDir returns the corpus directory served.
func (s *Service) DataDir() string { return s.opts.DataDir }

// Shutdown releases the snapshot and the embedder. Pending queries see a
// not-ready error.
func (s *Service) Shutdown(_ context.Context) error {
	s.readyOnce.Do(func() {
		s.initErr = errShutdown
		close(s.ready)
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	st := s.state
	s.state = nil
	s.mu.Unlock()

	st.close()
	if err := s.embedder.Close(); err != nil {
		return fmt.Errorf("close embedder: %w", err)
	}
	slog.Info("retrieval_shutdown", slog.String("data_dir", s.opts.DataDir))
	return nil
}
