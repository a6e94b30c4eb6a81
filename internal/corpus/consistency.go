package corpus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyOrphanVector indicates a vector entry without matching metadata.
	InconsistencyOrphanVector InconsistencyType = iota
	// InconsistencyMissingVector indicates a metadata entry missing from the vector index.
	InconsistencyMissingVector
	// InconsistencySourceMismatch indicates the two stores disagree on an id's source file.
	InconsistencySourceMismatch
)

// String returns a human-readable description of the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyMissingVector:
		return "missing_vector"
	case InconsistencySourceMismatch:
		return "source_mismatch"
	default:
		return "unknown"
	}
}

// Inconsistency represents a detected cross-store issue.
type Inconsistency struct {
	Type       InconsistencyType
	ChunkID    string
	SourceFile string
	Details    string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of distinct ids seen across both stores.
	Checked         int
	MetadataCount   int
	VectorCount     int
	Inconsistencies []Inconsistency
	// Index reports lazily deleted graph nodes; orphans here are not an
	// inconsistency, only a reason to compact.
	Index    store.HNSWStats
	Duration time.Duration
}

// Consistent reports whether the id sets match.
func (r *CheckResult) Consistent() bool {
	return len(r.Inconsistencies) == 0
}

// CountByType tallies inconsistencies by type.
func (r *CheckResult) CountByType() map[InconsistencyType]int {
	counts := make(map[InconsistencyType]int)
	for _, issue := range r.Inconsistencies {
		counts[issue.Type]++
	}
	return counts
}

// Err returns an InconsistentStore error describing r, or nil.
func (r *CheckResult) Err() error {
	if r.Consistent() {
		return nil
	}
	counts := r.CountByType()
	return ragerrors.InconsistentStore(fmt.Sprintf(
		"metadata ledger and vector index disagree: %d orphan vectors, %d missing vectors, %d source mismatches",
		counts[InconsistencyOrphanVector], counts[InconsistencyMissingVector], counts[InconsistencySourceMismatch])).
		WithDetail("metadata_count", fmt.Sprint(r.MetadataCount)).
		WithDetail("vector_count", fmt.Sprint(r.VectorCount))
}

// checkStores compares the id sets of both stores. It reports, never repairs.
func checkStores(ctx context.Context, meta store.MetadataStore, vectors vectorIndex) (*CheckResult, error) {
	start := time.Now()
	var issues []Inconsistency

	metaIDs := meta.IDs()
	vectorIDs := vectors.IDs()

	metaSet := make(map[string]bool, len(metaIDs))
	for _, id := range metaIDs {
		metaSet[id] = true
	}
	vectorSet := make(map[string]bool, len(vectorIDs))
	for _, id := range vectorIDs {
		vectorSet[id] = true
	}

	// Orphans in the index (not in metadata)
	for i, id := range vectorIDs {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if metaSet[id] {
			continue
		}
		p, _ := vectors.Payload(id)
		issues = append(issues, Inconsistency{
			Type:       InconsistencyOrphanVector,
			ChunkID:    id,
			SourceFile: p.SourceFile,
			Details:    "vector entry without matching metadata",
		})
	}

	// Missing from the index, or recorded under another source
	for i, id := range metaIDs {
		if i%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r, _ := meta.Get(id)
		source := ""
		if r != nil {
			source = r.SourceFile
		}
		if !vectorSet[id] {
			issues = append(issues, Inconsistency{
				Type:       InconsistencyMissingVector,
				ChunkID:    id,
				SourceFile: source,
				Details:    "metadata entry missing from vector index",
			})
			continue
		}
		if p, ok := vectors.Payload(id); ok && p.SourceFile != source {
			issues = append(issues, Inconsistency{
				Type:       InconsistencySourceMismatch,
				ChunkID:    id,
				SourceFile: source,
				Details:    fmt.Sprintf("vector index records source %q", p.SourceFile),
			})
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].SourceFile != issues[j].SourceFile {
			return issues[i].SourceFile < issues[j].SourceFile
		}
		return issues[i].ChunkID < issues[j].ChunkID
	})

	checked := len(metaSet)
	for id := range vectorSet {
		if !metaSet[id] {
			checked++
		}
	}

	result := &CheckResult{
		Checked:         checked,
		MetadataCount:   len(metaIDs),
		VectorCount:     len(vectorIDs),
		Inconsistencies: issues,
		Index:           vectors.Stats(),
		Duration:        time.Since(start),
	}
	if !result.Consistent() {
		slog.Error("corpus_inconsistent",
			slog.Int("metadata", result.MetadataCount),
			slog.Int("vectors", result.VectorCount),
			slog.Int("issues", len(issues)))
	}
	return result, nil
}

// Check compares the id sets of both stores. When they diverge the result is
// returned together with an InconsistentStore error.
func (s *Synchronizer) Check(ctx context.Context) (*CheckResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}
	result, err := checkStores(ctx, s.meta, s.vectors)
	if err != nil {
		return nil, err
	}
	return result, result.Err()
}

// Check compares the id sets of the snapshot's stores.
func (s *Snapshot) Check(ctx context.Context) (*CheckResult, error) {
	result, err := checkStores(ctx, s.Metadata, s.Vectors)
	if err != nil {
		return nil, err
	}
	return result, result.Err()
}

// QuickCheck compares counts only.
func (s *Snapshot) QuickCheck() bool {
	return s.Metadata.Count() == s.Vectors.Count()
}
