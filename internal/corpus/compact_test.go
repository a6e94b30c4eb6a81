package corpus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
)

func TestCompact_DropsOrphanNodes(t *testing.T) {
	// Given: a corpus where re-ingest left orphaned graph nodes
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 3)))
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 3)))
	require.Equal(t, 3, s.Status().Index.Orphans)

	// When: it is compacted
	result, err := s.Compact(context.Background(), false)
	require.NoError(t, err)

	// Then: the orphans are gone and the ids are unchanged
	assert.False(t, result.Skipped)
	assert.Equal(t, 3, result.Before.Orphans)
	assert.Equal(t, store.HNSWStats{ValidIDs: 3, GraphNodes: 3}, result.After)
	assertConsistent(t, s)

	// And: search still works on the rebuilt graph
	hits, err := s.vectors.Search(context.Background(), []float32{1, 1, 5, 0}, 1)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestCompact_SkipsWhenClean(t *testing.T) {
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))

	result, err := s.Compact(context.Background(), false)

	require.NoError(t, err)
	assert.True(t, result.Skipped)
}

func TestCompact_RefusesInconsistentCorpus(t *testing.T) {
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))
	_, err := s.RemoveMetadataOnly(context.Background(), "a.pdf", true)
	require.NoError(t, err)

	_, err = s.Compact(context.Background(), true)

	assert.True(t, ragerrors.IsInconsistent(err))
	assert.Equal(t, 2, s.vectors.Count())
}

func TestCheckResult_Err(t *testing.T) {
	clean := &CheckResult{}
	assert.NoError(t, clean.Err())

	dirty := &CheckResult{
		MetadataCount: 1,
		VectorCount:   2,
		Inconsistencies: []Inconsistency{
			{Type: InconsistencyOrphanVector, ChunkID: "x"},
		},
	}
	err := dirty.Err()
	assert.True(t, ragerrors.IsInconsistent(err))
	assert.True(t, ragerrors.IsFatal(err))
	assert.Contains(t, err.Error(), "1 orphan vectors")
}

func TestInconsistencyType_String(t *testing.T) {
	assert.Equal(t, "orphan_vector", InconsistencyOrphanVector.String())
	assert.Equal(t, "missing_vector", InconsistencyMissingVector.String())
	assert.Equal(t, "source_mismatch", InconsistencySourceMismatch.String())
	assert.Equal(t, "unknown", InconsistencyType(99).String())
}
