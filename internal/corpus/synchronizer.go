// Package corpus keeps the metadata ledger and the vector index in step.
//
// The Synchronizer is the only writer of either store. Inserts go to the
// metadata ledger first and the vector index second; removals go the other
// way. Both are idempotent, so a failed operation can simply be retried.
package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
)

// DefaultLockTimeout bounds how long Open waits for another writer.
const DefaultLockTimeout = 5 * time.Second

// Scope selects which stores a removal touches.
type Scope string

const (
	ScopeBoth         Scope = "both"
	ScopeMetadataOnly Scope = "metadata-only"
	ScopeIndexOnly    Scope = "index-only"
)

// Forgetter drops a source from ingestion progress so it can be re-ingested.
type Forgetter interface {
	Forget(ctx context.Context, sourceFile string) error
}

// Options configures a writer session.
type Options struct {
	// LockTimeout bounds the wait for the writer lock (default: 5s).
	LockTimeout time.Duration

	// Index configures a fresh vector index.
	Index store.VectorIndexConfig

	// Forgetter, when set, is told about every removed source.
	Forgetter Forgetter
}

// vectorIndex is the part of store.HNSWIndex the synchronizer drives.
type vectorIndex interface {
	store.VectorIndex
	IDsForSource(sourceFile string) []string
	Sources() []string
	Payload(id string) (store.Payload, bool)
	Stats() store.HNSWStats
	Rebuild(ctx context.Context, records []*store.Record) error
}

// RemovalPlan lists what a removal would delete.
type RemovalPlan struct {
	SourceFile string
	Scope      Scope
	IDs        []string
}

// RemovalResult reports a completed removal.
type RemovalResult struct {
	SourceFile string
	Scope      Scope
	Removed    int
	Remaining  int
}

// Synchronizer is the single writer of a corpus.
type Synchronizer struct {
	mu        sync.RWMutex
	dataDir   string
	meta      *store.MetadataLedger
	vectors   vectorIndex
	writer    *FileLock
	forgetter Forgetter
	closed    bool
}

// Open starts a writer session on dataDir. It fails with ErrCodeWriterLocked
// when another process holds the writer lock past opts.LockTimeout.
func Open(ctx context.Context, dataDir string, opts Options) (*Synchronizer, error) {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	writer := NewFileLock(dataDir, WriterLockFile)
	lockCtx, cancel := context.WithTimeout(ctx, opts.LockTimeout)
	acquired, err := writer.Lock(lockCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	if !acquired {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ragerrors.New(ragerrors.ErrCodeWriterLocked,
			"another pdfrag process is writing to "+dataDir, nil).
			WithDetail("lock", writer.Path()).
			WithSuggestion("Wait for the running ingest or removal to finish")
	}

	snap, err := loadPair(ctx, dataDir, opts.Index)
	if err != nil {
		_ = writer.Unlock()
		return nil, err
	}

	slog.Debug("writer_session_opened",
		slog.String("data_dir", dataDir),
		slog.Int("chunks", snap.Metadata.Count()),
		slog.String("model", snap.Metadata.Model()))

	return &Synchronizer{
		dataDir:   dataDir,
		meta:      snap.Metadata,
		vectors:   snap.Vectors,
		writer:    writer,
		forgetter: opts.Forgetter,
	}, nil
}

// DataDir returns the corpus directory.
func (s *Synchronizer) DataDir() string { return s.dataDir }

// Model returns the embedding model of the corpus ("" when empty).
func (s *Synchronizer) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Model()
}

// Dimensions returns the vector length of the corpus (0 when empty).
func (s *Synchronizer) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Dimensions()
}

// CheckModel rejects a model that differs from the corpus model.
func (s *Synchronizer) CheckModel(model string) error {
	current := s.Model()
	if current == "" || current == model {
		return nil
	}
	return ragerrors.New(ragerrors.ErrCodeModelMismatch,
		fmt.Sprintf("corpus was embedded with %q, configured provider is %q", current, model), nil).
		WithDetail("stored_model", current).
		WithDetail("requested_model", model).
		WithSuggestion("Switch back to the original embedding model, or remove all sources and re-ingest")
}

// Insert commits records to the metadata ledger, then to the vector index.
// When the second write fails the error is returned and the caller must not
// advance its checkpoint; retrying overwrites by id.
func (s *Synchronizer) Insert(ctx context.Context, records []*store.Record) error {
	if len(records) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	for _, r := range records {
		if err := s.checkModelLocked(r.EmbeddingModel); err != nil {
			return err
		}
	}

	return s.commit(ctx, func() error {
		undo := s.captureLedger(recordIDs(records))
		if err := s.meta.Upsert(ctx, records); err != nil {
			return err
		}
		if err := s.meta.Save(); err != nil {
			s.rollbackLedger(ctx, undo)
			return err
		}
		if err := s.vectors.Upsert(ctx, records); err != nil {
			return indexWriteFailed(err, records[0].SourceFile)
		}
		if err := s.vectors.Save(s.vectorPath()); err != nil {
			return indexWriteFailed(err, records[0].SourceFile)
		}
		return nil
	})
}

func (s *Synchronizer) checkModelLocked(model string) error {
	current := s.meta.Model()
	if current == "" || current == model {
		return nil
	}
	return ragerrors.New(ragerrors.ErrCodeModelMismatch,
		fmt.Sprintf("corpus was embedded with %q, refusing records from %q", current, model), nil).
		WithDetail("stored_model", current).
		WithDetail("requested_model", model)
}

// Plan resolves sourceFile against the metadata ledger (index payloads for
// ScopeIndexOnly) and returns the ids a removal would delete.
func (s *Synchronizer) Plan(_ context.Context, sourceFile string, scope Scope) (*RemovalPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	return s.planLocked(sourceFile, scope)
}

func (s *Synchronizer) planLocked(sourceFile string, scope Scope) (*RemovalPlan, error) {
	if scope == "" {
		scope = ScopeBoth
	}

	var ids, known []string
	switch scope {
	case ScopeIndexOnly:
		ids, known = s.vectors.IDsForSource(sourceFile), s.vectors.Sources()
	case ScopeBoth, ScopeMetadataOnly:
		ids, known = s.meta.IDsForSource(sourceFile), s.meta.Sources()
	default:
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput, "unknown removal scope: "+string(scope), nil)
	}
	if len(ids) == 0 {
		return nil, ragerrors.SourceNotFound(sourceFile, known)
	}
	name := s.resolveName(sourceFile, ids[0], scope)
	if scope == ScopeBoth {
		// Also clear index entries a metadata-only removal left behind.
		ids = union(ids, s.vectors.IDsForSource(sourceFile))
	}
	return &RemovalPlan{SourceFile: name, Scope: scope, IDs: ids}, nil
}

// resolveName returns the stored name a base-name match resolved to.
func (s *Synchronizer) resolveName(requested, id string, scope Scope) string {
	if scope == ScopeIndexOnly {
		if p, ok := s.vectors.Payload(id); ok {
			return p.SourceFile
		}
		return requested
	}
	if r, ok := s.meta.Get(id); ok {
		return r.SourceFile
	}
	return filepath.Base(requested)
}

// Remove deletes every chunk of sourceFile from the vector index, then from
// the metadata ledger. Nothing is mutated unless confirmed is true.
func (s *Synchronizer) Remove(ctx context.Context, sourceFile string, confirmed bool) (*RemovalResult, error) {
	return s.remove(ctx, sourceFile, ScopeBoth, confirmed)
}

// RemoveMetadataOnly deletes sourceFile from the metadata ledger and leaves
// the vector index untouched. This is a maintenance mode: afterwards the
// stores disagree until the index side is removed too.
func (s *Synchronizer) RemoveMetadataOnly(ctx context.Context, sourceFile string, confirmed bool) (*RemovalResult, error) {
	return s.remove(ctx, sourceFile, ScopeMetadataOnly, confirmed)
}

// RemoveIndexOnly deletes sourceFile from the vector index and leaves the
// metadata ledger untouched. Like RemoveMetadataOnly it is a maintenance mode.
func (s *Synchronizer) RemoveIndexOnly(ctx context.Context, sourceFile string, confirmed bool) (*RemovalResult, error) {
	return s.remove(ctx, sourceFile, ScopeIndexOnly, confirmed)
}

func (s *Synchronizer) remove(ctx context.Context, sourceFile string, scope Scope, confirmed bool) (*RemovalResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errClosed
	}

	plan, err := s.planLocked(sourceFile, scope)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, ragerrors.ConfirmationRequired(fmt.Sprintf("remove %d chunks of %s", len(plan.IDs), plan.SourceFile)).
			WithDetail("source_file", plan.SourceFile)
	}

	result := &RemovalResult{SourceFile: plan.SourceFile, Scope: scope}
	err = s.commit(ctx, func() error {
		undo := s.captureLedger(plan.IDs)
		if scope != ScopeMetadataOnly {
			n, err := s.vectors.Delete(ctx, plan.IDs)
			if err != nil {
				return err
			}
			if err := s.vectors.Save(s.vectorPath()); err != nil {
				s.rollbackIndex(ctx, undo)
				return err
			}
			result.Removed = n
		}
		if scope != ScopeIndexOnly {
			n, err := s.meta.Delete(ctx, plan.IDs)
			if err != nil {
				return err
			}
			if err := s.meta.Save(); err != nil {
				s.rollbackLedger(ctx, undo)
				return err
			}
			result.Removed = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if scope == ScopeIndexOnly {
		result.Remaining = s.vectors.Count()
	} else {
		result.Remaining = s.meta.Count()
	}

	if s.forgetter != nil && scope == ScopeBoth {
		if err := s.forgetter.Forget(ctx, plan.SourceFile); err != nil {
			slog.Warn("checkpoint_forget_failed",
				slog.String("source_file", plan.SourceFile),
				ragerrors.FormatForLog(err))
		}
	}

	slog.Info("removal_complete",
		slog.String("source_file", plan.SourceFile),
		slog.String("scope", string(scope)),
		slog.Int("removed", result.Removed),
		slog.Int("remaining", result.Remaining))
	return result, nil
}

// Discard deletes the given chunk ids from both stores without a
// confirmation step. Ingestion calls it before re-cutting a partially
// committed file, so batches written under an earlier chunker configuration
// do not outlive the new end of the file. Ids neither store holds are
// ignored. It reports how many ledger records it deleted.
func (s *Synchronizer) Discard(ctx context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}

	var stale []string
	for _, id := range ids {
		_, inLedger := s.meta.Get(id)
		_, inIndex := s.vectors.Payload(id)
		if inLedger || inIndex {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	var removed int
	err := s.commit(ctx, func() error {
		undo := s.captureLedger(stale)
		if _, err := s.vectors.Delete(ctx, stale); err != nil {
			return err
		}
		if err := s.vectors.Save(s.vectorPath()); err != nil {
			s.rollbackIndex(ctx, undo)
			return err
		}
		n, err := s.meta.Delete(ctx, stale)
		if err != nil {
			return err
		}
		if err := s.meta.Save(); err != nil {
			s.rollbackLedger(ctx, undo)
			return err
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	slog.Info("chunks_discarded", slog.Int("removed", removed))
	return removed, nil
}

// Sources returns the distinct source files in the metadata ledger.
func (s *Synchronizer) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Sources()
}

// Status summarizes the corpus.
type Status struct {
	DataDir      string
	Model        string
	Dimensions   int
	Chunks       int
	Vectors      int
	SourceCounts map[string]int
	Index        store.HNSWStats
}

// Status returns a summary of both stores.
func (s *Synchronizer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		DataDir:      s.dataDir,
		Model:        s.meta.Model(),
		Dimensions:   s.meta.Dimensions(),
		Chunks:       s.meta.Count(),
		Vectors:      s.vectors.Count(),
		SourceCounts: s.meta.SourceCounts(),
		Index:        s.vectors.Stats(),
	}
}

// Close ends the writer session and releases the writer lock.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.vectors.Close()
	return s.writer.Unlock()
}

// commit runs fn under the exclusive commit lock, so readers in other
// processes never load one store from before fn and the other from after.
func (s *Synchronizer) commit(ctx context.Context, fn func() error) error {
	lock := NewFileLock(s.dataDir, CommitLockFile)
	acquired, err := lock.Lock(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		return ctx.Err()
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

// ledgerUndo holds the ledger records a write is about to replace or delete,
// keyed by id. A nil record marks an id the ledger did not hold.
type ledgerUndo map[string]*store.Record

func (s *Synchronizer) captureLedger(ids []string) ledgerUndo {
	u := make(ledgerUndo, len(ids))
	for _, id := range ids {
		r, _ := s.meta.Get(id)
		u[id] = r
	}
	return u
}

// rollbackLedger puts the in-memory ledger back after its save failed, so
// the session keeps matching metadata.json.
func (s *Synchronizer) rollbackLedger(ctx context.Context, u ledgerUndo) {
	var drop []string
	var restore []*store.Record
	for id, r := range u {
		if r == nil {
			drop = append(drop, id)
		} else {
			restore = append(restore, r)
		}
	}
	_, _ = s.meta.Delete(ctx, drop)
	if err := s.meta.Upsert(ctx, restore); err != nil {
		slog.Warn("ledger_rollback_failed", ragerrors.FormatForLog(err))
	}
}

// rollbackIndex re-inserts deleted vectors after the index save failed.
// Ids the ledger did not hold cannot be restored in this session.
func (s *Synchronizer) rollbackIndex(ctx context.Context, u ledgerUndo) {
	restore := make([]*store.Record, 0, len(u))
	for _, r := range u {
		if r != nil {
			restore = append(restore, r)
		}
	}
	if len(restore) < len(u) {
		slog.Warn("index_rollback_partial", slog.Int("lost", len(u)-len(restore)))
	}
	if err := s.vectors.Upsert(ctx, restore); err != nil {
		slog.Warn("index_rollback_failed", ragerrors.FormatForLog(err))
	}
}

func recordIDs(records []*store.Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func (s *Synchronizer) vectorPath() string {
	return filepath.Join(s.dataDir, store.VectorFileName)
}

var errClosed = ragerrors.New(ragerrors.ErrCodeNotReady, "corpus writer session is closed", nil)

func indexWriteFailed(err error, sourceFile string) error {
	if re, ok := err.(*ragerrors.RagError); ok && re.Code != ragerrors.ErrCodeStoreWriteFailed {
		return err
	}
	return ragerrors.New(ragerrors.ErrCodeStoreWriteFailed,
		"vector index write failed after metadata commit; retry the batch", err).
		WithDetail("source_file", sourceFile)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
