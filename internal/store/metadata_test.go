package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

func newLedger(t *testing.T) *MetadataLedger {
	t.Helper()
	l, err := OpenMetadataLedger(filepath.Join(t.TempDir(), MetadataFileName))
	require.NoError(t, err)
	return l
}

func TestMetadataLedger_MissingFileIsEmpty(t *testing.T) {
	l := newLedger(t)

	assert.Zero(t, l.Count())
	assert.Empty(t, l.Model())
	assert.Empty(t, l.Sources())
}

func TestMetadataLedger_UpsertAndQuery(t *testing.T) {
	// Given: an empty ledger
	l := newLedger(t)

	// When: records from two sources are upserted
	a2 := rec("a2", "docs/a.pdf", 0, 1)
	a2.Position = 1
	require.NoError(t, l.Upsert(context.Background(), []*Record{
		a2,
		rec("a1", "docs/a.pdf", 1, 0),
		rec("b1", "b.pdf", 1, 1),
	}))

	// Then: the model is fixed and lookups work
	assert.Equal(t, "static/static-384", l.Model())
	assert.Equal(t, 2, l.Dimensions())
	assert.Equal(t, 3, l.Count())
	assert.Equal(t, []string{"b.pdf", "docs/a.pdf"}, l.Sources())
	assert.Equal(t, map[string]int{"docs/a.pdf": 2, "b.pdf": 1}, l.SourceCounts())
	assert.Equal(t, []string{"a1", "a2"}, l.IDsForSource("docs/a.pdf"))

	// And: records come back ordered by source then position
	var ids []string
	for _, r := range l.Records() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b1", "a1", "a2"}, ids)
}

func TestMetadataLedger_IDsForSourceMatchesBaseName(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Upsert(context.Background(), []*Record{rec("a1", "a.pdf", 1, 0)}))

	assert.Equal(t, []string{"a1"}, l.IDsForSource("/some/dir/a.pdf"))
	assert.Empty(t, l.IDsForSource("other.pdf"))
}

func TestMetadataLedger_UpsertCopiesRecord(t *testing.T) {
	l := newLedger(t)
	r := rec("a1", "a.pdf", 1, 0)
	require.NoError(t, l.Upsert(context.Background(), []*Record{r}))

	r.Vector[0] = 42
	r.PageNumbers[0] = 9

	got, ok := l.Get("a1")
	require.True(t, ok)
	assert.Equal(t, float32(1), got.Vector[0])
	assert.Equal(t, []int{1}, got.PageNumbers)
}

func TestMetadataLedger_ModelMismatch(t *testing.T) {
	// Given: a ledger holding static embeddings
	l := newLedger(t)
	require.NoError(t, l.Upsert(context.Background(), []*Record{rec("a1", "a.pdf", 1, 0)}))

	// When: a record from another model is upserted
	other := rec("b1", "b.pdf", 1, 0)
	other.EmbeddingModel = "voyage/voyage-4"
	err := l.Upsert(context.Background(), []*Record{other})

	// Then: it is rejected as a configuration error
	assert.Equal(t, ragerrors.ErrCodeModelMismatch, ragerrors.GetCode(err))
	assert.True(t, ragerrors.IsConfiguration(err))
	assert.Equal(t, 1, l.Count())
}

func TestMetadataLedger_DimensionMismatch(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.Upsert(context.Background(), []*Record{rec("a1", "a.pdf", 1, 0)}))

	err := l.Upsert(context.Background(), []*Record{rec("b1", "b.pdf", 1, 0, 0)})

	assert.Equal(t, ragerrors.ErrCodeDimensionMismatch, ragerrors.GetCode(err))
}

func TestMetadataLedger_DeleteAllClearsModel(t *testing.T) {
	// Given: a ledger with one record
	l := newLedger(t)
	require.NoError(t, l.Upsert(context.Background(), []*Record{rec("a1", "a.pdf", 1, 0)}))

	// When: the record is removed
	n, err := l.Delete(context.Background(), []string{"a1", "zz"})
	require.NoError(t, err)

	// Then: the ledger forgets its model and accepts another
	assert.Equal(t, 1, n)
	assert.Empty(t, l.Model())
	other := rec("b1", "b.pdf", 1, 0, 0)
	other.EmbeddingModel = "voyage/voyage-4"
	assert.NoError(t, l.Upsert(context.Background(), []*Record{other}))
}

func TestMetadataLedger_SaveAndReopen(t *testing.T) {
	// Given: a ledger with records
	path := filepath.Join(t.TempDir(), "data", MetadataFileName)
	l, err := OpenMetadataLedger(path)
	require.NoError(t, err)
	require.NoError(t, l.Upsert(context.Background(), []*Record{
		rec("a1", "a.pdf", 1, 0),
		rec("b1", "b.pdf", 0, 1),
	}))

	// When: it is saved and reopened
	require.NoError(t, l.Save())
	reopened, err := OpenMetadataLedger(path)
	require.NoError(t, err)

	// Then: content and model survive
	assert.Equal(t, l.IDs(), reopened.IDs())
	assert.Equal(t, "static/static-384", reopened.Model())
	got, ok := reopened.Get("b1")
	require.True(t, ok)
	assert.Equal(t, []float32{0, 1}, got.Vector)

	// And: the file is plain JSON with embeddings
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, LedgerVersion, raw["version"])
	assert.Contains(t, string(data), `"embedding"`)

	// And: no temp files are left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestMetadataLedger_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenMetadataLedger(path)

	assert.Equal(t, ragerrors.ErrCodeCorruptIndex, ragerrors.GetCode(err))
}

func TestMetadataLedger_NewerVersionRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), MetadataFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "records": []}`), 0o644))

	_, err := OpenMetadataLedger(path)

	assert.Equal(t, ragerrors.ErrCodeCorruptIndex, ragerrors.GetCode(err))
}
