package corpus

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/pdfrag/internal/store"
)

// CompactResult reports a vector index rebuild.
type CompactResult struct {
	Before   store.HNSWStats
	After    store.HNSWStats
	Duration time.Duration
	Skipped  bool // nothing to reclaim
}

// Compact rebuilds the vector index from the vectors stored in the metadata
// ledger, dropping lazily deleted graph nodes. It refuses to run on an
// inconsistent corpus so it can never mask a divergence.
func (s *Synchronizer) Compact(ctx context.Context, force bool) (*CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errClosed
	}

	start := time.Now()
	before := s.vectors.Stats()

	check, err := checkStores(ctx, s.meta, s.vectors)
	if err != nil {
		return nil, err
	}
	if err := check.Err(); err != nil {
		return nil, err
	}

	if before.Orphans == 0 && !force {
		return &CompactResult{Before: before, After: before, Skipped: true}, nil
	}

	slog.Info("compaction_started",
		slog.Int("valid_ids", before.ValidIDs),
		slog.Int("orphans", before.Orphans))

	err = s.commit(ctx, func() error {
		if err := s.vectors.Rebuild(ctx, s.meta.Records()); err != nil {
			return err
		}
		return s.vectors.Save(s.vectorPath())
	})
	if err != nil {
		return nil, err
	}

	result := &CompactResult{
		Before:   before,
		After:    s.vectors.Stats(),
		Duration: time.Since(start),
	}
	slog.Info("compaction_complete",
		slog.Int("orphans_removed", result.Before.Orphans-result.After.Orphans),
		slog.Duration("duration", result.Duration))
	return result, nil
}
