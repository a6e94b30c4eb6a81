package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

func rec(id, source string, vec ...float32) *Record {
	return &Record{
		ID:             id,
		Text:           "text of " + id,
		SourceFile:     source,
		PageNumbers:    []int{1},
		EmbeddingModel: "static/static-384",
		Vector:         vec,
	}
}

// TS01: Upsert and Search
func TestHNSWIndex_UpsertAndSearch(t *testing.T) {
	// Given: empty index with 4 dimensions
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	defer func() { _ = idx.Close() }()

	// And: vectors a=[1,0,0,0], b=[0,1,0,0], c=[0.9,0.1,0,0]
	err := idx.Upsert(context.Background(), []*Record{
		rec("a", "one.pdf", 1, 0, 0, 0),
		rec("b", "one.pdf", 0, 1, 0, 0),
		rec("c", "two.pdf", 0.9, 0.1, 0, 0),
	})
	require.NoError(t, err)

	// When: I search for [1,0,0,0] with k=2
	hits, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)

	// Then: results are a, c in that order
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)

	// And: a is a near exact match and carries its payload
	assert.Greater(t, hits[0].Similarity, float32(0.99))
	assert.InDelta(t, 1-hits[0].Distance, hits[0].Similarity, 1e-6)
	assert.Equal(t, "one.pdf", hits[0].SourceFile)
	assert.Equal(t, []int{1}, hits[0].PageNumbers)
}

// TS02: Delete
func TestHNSWIndex_Delete(t *testing.T) {
	// Given: an index with a and b
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{
		rec("a", "x.pdf", 1, 0, 0, 0),
		rec("b", "x.pdf", 0, 1, 0, 0),
	}))

	// When: I delete a and a missing id
	n, err := idx.Delete(context.Background(), []string{"a", "missing"})
	require.NoError(t, err)

	// Then: one id existed and b remains
	assert.Equal(t, 1, n)
	assert.False(t, idx.Contains("a"))
	assert.True(t, idx.Contains("b"))
	assert.Equal(t, 1, idx.Count())
}

// TS03: Upsert with same ID replaces
func TestHNSWIndex_UpsertReplaces(t *testing.T) {
	// Given: a = [1,0,0,0]
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0)}))

	// When: a is re-upserted as [0,1,0,0]
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "y.pdf", 0, 1, 0, 0)}))

	// Then: searching [0,1,0,0] finds a with its new payload
	hits, err := idx.Search(context.Background(), []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "y.pdf", hits[0].SourceFile)
	assert.Greater(t, hits[0].Similarity, float32(0.99))

	// And: the old node is an orphan
	assert.Equal(t, HNSWStats{ValidIDs: 1, GraphNodes: 2, Orphans: 1}, idx.Stats())
}

// TS04: Persistence round trip
func TestHNSWIndex_Persistence(t *testing.T) {
	// Given: a saved index
	path := filepath.Join(t.TempDir(), VectorFileName)
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{
		rec("a", "x.pdf", 1, 0, 0, 0),
		rec("b", "y.pdf", 0, 1, 0, 0),
	}))
	require.NoError(t, idx.Save(path))
	require.NoError(t, idx.Close())

	// When: it is reopened
	loaded, err := OpenHNSWIndex(path, DefaultVectorIndexConfig(0))
	require.NoError(t, err)
	defer func() { _ = loaded.Close() }()

	// Then: ids, dimensions and payloads survive
	assert.Equal(t, []string{"a", "b"}, loaded.IDs())
	assert.Equal(t, 4, loaded.Dimensions())
	p, ok := loaded.Payload("b")
	require.True(t, ok)
	assert.Equal(t, "y.pdf", p.SourceFile)

	hits, err := loaded.Search(context.Background(), []float32{0, 1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestOpenHNSWIndex_Missing(t *testing.T) {
	idx, err := OpenHNSWIndex(filepath.Join(t.TempDir(), VectorFileName), DefaultVectorIndexConfig(0))
	require.NoError(t, err)
	assert.Zero(t, idx.Count())
	assert.Zero(t, idx.Dimensions())
}

func TestHNSWIndex_AdoptsDimensionsFromFirstUpsert(t *testing.T) {
	idx := NewHNSWIndex(DefaultVectorIndexConfig(0))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0)}))
	assert.Equal(t, 3, idx.Dimensions())
}

func TestHNSWIndex_EmptySearch(t *testing.T) {
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	hits, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	// Given: a 4-dimensional index with data
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0)}))

	// When: a 3-dimensional record is upserted
	err := idx.Upsert(context.Background(), []*Record{rec("b", "x.pdf", 1, 0, 0)})

	// Then: it is rejected and nothing is added
	assert.Equal(t, ragerrors.ErrCodeDimensionMismatch, ragerrors.GetCode(err))
	assert.Equal(t, 1, idx.Count())

	// And: a 3-dimensional query is rejected too
	_, err = idx.Search(context.Background(), []float32{1, 0, 0}, 1)
	assert.Equal(t, ragerrors.ErrCodeDimensionMismatch, ragerrors.GetCode(err))
}

func TestHNSWIndex_RejectsRecordWithoutVector(t *testing.T) {
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	err := idx.Upsert(context.Background(), []*Record{{ID: "a"}})
	assert.Equal(t, ragerrors.ErrCodeInvalidInput, ragerrors.GetCode(err))
}

func TestHNSWIndex_UpsertEmpty(t *testing.T) {
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	assert.NoError(t, idx.Upsert(context.Background(), nil))
	assert.Zero(t, idx.Count())
}

func TestHNSWIndex_Closed(t *testing.T) {
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close())

	_, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 1)
	assert.Error(t, err)
	assert.Error(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0)}))
	assert.Error(t, idx.Save(filepath.Join(t.TempDir(), VectorFileName)))
	assert.Equal(t, HNSWStats{}, idx.Stats())
}

func TestHNSWIndex_DeleteAllResetsGraph(t *testing.T) {
	// Given: an index with replaced vectors (orphans)
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0)}))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 0, 1, 0, 0)}))

	// When: every id is deleted
	_, err := idx.Delete(context.Background(), []string{"a"})
	require.NoError(t, err)

	// Then: the graph holds nothing
	assert.Equal(t, HNSWStats{}, idx.Stats())

	// And: the index accepts new data
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("b", "x.pdf", 0, 0, 1, 0)}))
	assert.Equal(t, 1, idx.Count())
}

func TestHNSWIndex_SearchSkipsOrphans(t *testing.T) {
	// Given: several ids, half of them replaced
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Upsert(context.Background(), []*Record{
			rec(fmt.Sprintf("id%d", i), "x.pdf", float32(i+1), 1, 0, 0),
		}))
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, idx.Upsert(context.Background(), []*Record{
			rec(fmt.Sprintf("id%d", i), "x.pdf", 0, 0, 1, float32(i+1)),
		}))
	}

	// When: k covers the whole corpus
	hits, err := idx.Search(context.Background(), []float32{1, 1, 0, 0}, 10)
	require.NoError(t, err)

	// Then: each live id appears once
	seen := map[string]bool{}
	for _, h := range hits {
		assert.False(t, seen[h.ID], "duplicate %s", h.ID)
		seen[h.ID] = true
	}
	assert.Equal(t, 5, idx.Stats().Orphans)
}

func TestHNSWIndex_Rebuild(t *testing.T) {
	// Given: an index with orphans and a stale id
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0)}))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{
		rec("a", "x.pdf", 0, 1, 0, 0),
		rec("stale", "x.pdf", 0, 0, 1, 0),
	}))

	// When: it is rebuilt from the ledger's records
	require.NoError(t, idx.Rebuild(context.Background(), []*Record{
		rec("a", "x.pdf", 0, 1, 0, 0),
		rec("b", "y.pdf", 0, 0, 0, 1),
	}))

	// Then: it holds exactly those records without orphans
	assert.Equal(t, []string{"a", "b"}, idx.IDs())
	assert.Equal(t, HNSWStats{ValidIDs: 2, GraphNodes: 2}, idx.Stats())
}

func TestHNSWIndex_PersistenceWithOrphans(t *testing.T) {
	path := filepath.Join(t.TempDir(), VectorFileName)
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0)}))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 0, 1, 0, 0)}))
	require.NoError(t, idx.Save(path))

	loaded, err := OpenHNSWIndex(path, DefaultVectorIndexConfig(0))
	require.NoError(t, err)

	assert.Equal(t, 1, loaded.Stats().Orphans)

	// Keys keep increasing after reload
	require.NoError(t, loaded.Upsert(context.Background(), []*Record{rec("b", "x.pdf", 0, 0, 1, 0)}))
	assert.Equal(t, 2, loaded.Count())
}

func TestHNSWIndex_SaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", VectorFileName)
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0)}))

	require.NoError(t, idx.Save(path))

	assert.FileExists(t, path)
	assert.FileExists(t, path+".meta")
}

func TestHNSWIndex_LoadCorruptedMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), VectorFileName)
	require.NoError(t, os.WriteFile(path+".meta", []byte("not gob"), 0o644))

	_, err := OpenHNSWIndex(path, DefaultVectorIndexConfig(0))

	assert.Equal(t, ragerrors.ErrCodeCorruptIndex, ragerrors.GetCode(err))
}

func TestReadVectorIndexDimensions(t *testing.T) {
	path := filepath.Join(t.TempDir(), VectorFileName)

	dims, err := ReadVectorIndexDimensions(path)
	require.NoError(t, err)
	assert.Zero(t, dims)

	idx := NewHNSWIndex(DefaultVectorIndexConfig(0))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("a", "x.pdf", 1, 0, 0, 0, 0, 0)}))
	require.NoError(t, idx.Save(path))

	dims, err = ReadVectorIndexDimensions(path)
	require.NoError(t, err)
	assert.Equal(t, 6, dims)
}

func TestHNSWIndex_ConcurrentUpsertAndSearch(t *testing.T) {
	idx := NewHNSWIndex(DefaultVectorIndexConfig(4))
	require.NoError(t, idx.Upsert(context.Background(), []*Record{rec("seed", "x.pdf", 1, 1, 1, 1)}))

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_ = idx.Upsert(context.Background(), []*Record{
					rec(fmt.Sprintf("w%d-%d", w, i), "x.pdf", float32(w+1), float32(i+1), 0, 1),
				})
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 3)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 101, idx.Count())
}

func TestNormalizeVectorInPlace(t *testing.T) {
	v := []float32{3, 4}
	normalizeVectorInPlace(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0, 0}
	normalizeVectorInPlace(zero)
	assert.Equal(t, []float32{0, 0, 0}, zero)

	tiny := []float32{1e-20, 1e-20}
	normalizeVectorInPlace(tiny)
	assert.InDelta(t, 1/math.Sqrt2, tiny[0], 1e-4)
}
