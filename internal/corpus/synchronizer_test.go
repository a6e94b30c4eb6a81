package corpus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
)

const testModel = "static/static-384"

func records(source string, n int) []*store.Record {
	out := make([]*store.Record, n)
	for i := 0; i < n; i++ {
		vec := []float32{float32(i + 1), 1, float32(len(source)), 0}
		out[i] = &store.Record{
			ID:             fmt.Sprintf("%s-%d", source, i),
			Text:           fmt.Sprintf("chunk %d of %s", i, source),
			SourceFile:     source,
			PageNumbers:    []int{i + 1},
			Position:       i,
			EmbeddingModel: testModel,
			Vector:         vec,
		}
	}
	return out
}

func openSync(t *testing.T, dir string) *Synchronizer {
	t.Helper()
	s, err := Open(context.Background(), dir, Options{LockTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func assertConsistent(t *testing.T, s *Synchronizer) {
	t.Helper()
	result, err := s.Check(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Consistent())
	assert.Equal(t, s.meta.IDs(), s.vectors.IDs())
}

// failingIndex wraps a vector index and fails the next n upserts.
type failingIndex struct {
	vectorIndex
	mu        sync.Mutex
	failNext  int
	failSaves int
}

func (f *failingIndex) Upsert(ctx context.Context, records []*store.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("injected index failure")
	}
	return f.vectorIndex.Upsert(ctx, records)
}

func (f *failingIndex) Save(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("injected save failure")
	}
	return f.vectorIndex.Save(path)
}

func TestSynchronizer_InsertKeepsStoresInStep(t *testing.T) {
	// Given: an empty corpus
	s := openSync(t, t.TempDir())

	// When: two sources are inserted
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 3)))
	require.NoError(t, s.Insert(context.Background(), records("b.pdf", 2)))

	// Then: both stores hold the same five ids
	assert.Equal(t, 5, s.Status().Chunks)
	assert.Equal(t, 5, s.Status().Vectors)
	assert.Equal(t, testModel, s.Model())
	assert.Equal(t, 4, s.Dimensions())
	assertConsistent(t, s)
}

func TestSynchronizer_InsertIsIdempotent(t *testing.T) {
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 3)))

	// When: the same batch is committed again
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 3)))

	// Then: nothing is duplicated
	assert.Equal(t, 3, s.Status().Chunks)
	assert.Equal(t, 3, s.Status().Vectors)
}

func TestSynchronizer_InsertRejectsOtherModel(t *testing.T) {
	// Given: a corpus built with the static model
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 1)))

	// When: records from another model arrive
	other := records("b.pdf", 1)
	other[0].EmbeddingModel = "voyage/voyage-4"
	err := s.Insert(context.Background(), other)

	// Then: they are rejected as a configuration error and nothing changes
	assert.True(t, ragerrors.IsConfiguration(err))
	assert.Equal(t, ragerrors.ErrCodeModelMismatch, ragerrors.GetCode(err))
	assert.Equal(t, 1, s.Status().Chunks)

	assert.Error(t, s.CheckModel("voyage/voyage-4"))
	assert.NoError(t, s.CheckModel(testModel))
}

func TestSynchronizer_CrashAfterMetadataWriteRecoversOnRetry(t *testing.T) {
	// Given: a vector index that fails the next upsert
	s := openSync(t, t.TempDir())
	fi := &failingIndex{vectorIndex: s.vectors, failNext: 1}
	s.vectors = fi

	// When: a batch is committed
	batch := records("a.pdf", 3)
	err := s.Insert(context.Background(), batch)

	// Then: the commit fails after the metadata write
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeStoreWriteFailed, ragerrors.GetCode(err))
	assert.Equal(t, 3, s.meta.Count())
	assert.Zero(t, s.vectors.Count())
	_, checkErr := s.Check(context.Background())
	assert.True(t, ragerrors.IsInconsistent(checkErr))

	// When: the same batch is retried
	require.NoError(t, s.Insert(context.Background(), batch))

	// Then: both stores agree with no duplicates
	assert.Equal(t, 3, s.meta.Count())
	assert.Equal(t, 3, s.vectors.Count())
	assertConsistent(t, s)
}

func TestSynchronizer_IndexSaveFailureIsReported(t *testing.T) {
	s := openSync(t, t.TempDir())
	s.vectors = &failingIndex{vectorIndex: s.vectors, failSaves: 1}

	err := s.Insert(context.Background(), records("a.pdf", 2))
	require.Error(t, err)
	assert.Equal(t, "a.pdf", err.(*ragerrors.RagError).Details["source_file"])

	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))
	assertConsistent(t, s)
}

func TestSynchronizer_PersistsAcrossSessions(t *testing.T) {
	// Given: a committed corpus
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 3)))
	require.NoError(t, s.Close())

	// When: a new session opens it
	s2 := openSync(t, dir)

	// Then: both stores are restored
	assert.Equal(t, []string{"a.pdf"}, s2.Sources())
	assert.Equal(t, 3, s2.Status().Vectors)
	assertConsistent(t, s2)
}

func TestSynchronizer_SingleWriter(t *testing.T) {
	// Given: a writer session
	dir := t.TempDir()
	openSync(t, dir)

	// When: a second writer tries to open the same corpus
	_, err := Open(context.Background(), dir, Options{LockTimeout: 100 * time.Millisecond})

	// Then: it is refused
	assert.Equal(t, ragerrors.ErrCodeWriterLocked, ragerrors.GetCode(err))
}

func TestSynchronizer_WriterLockReleasedOnClose(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, Options{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s2, err := Open(context.Background(), dir, Options{LockTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, s2.Close())

	assert.ErrorIs(t, s.Insert(context.Background(), records("a.pdf", 1)), errClosed)
}

func TestSynchronizer_RemoveRoundTrip(t *testing.T) {
	// Given: N chunks of F and chunks of another source
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("F.pdf", 4)))
	require.NoError(t, s.Insert(context.Background(), records("other.pdf", 2)))

	// When: F is removed with confirmation
	result, err := s.Remove(context.Background(), "F.pdf", true)
	require.NoError(t, err)

	// Then: zero chunks of F remain and the other source is untouched
	assert.Equal(t, &RemovalResult{SourceFile: "F.pdf", Scope: ScopeBoth, Removed: 4, Remaining: 2}, result)
	assert.Empty(t, s.meta.IDsForSource("F.pdf"))
	assert.Empty(t, s.vectors.IDsForSource("F.pdf"))
	assert.Equal(t, []string{"other.pdf"}, s.Sources())
	assertConsistent(t, s)
}

func TestSynchronizer_RemoveRequiresConfirmation(t *testing.T) {
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))

	_, err := s.Remove(context.Background(), "a.pdf", false)

	assert.True(t, ragerrors.IsConfirmationRequired(err))
	assert.Equal(t, 2, s.Status().Chunks)
	assert.Equal(t, 2, s.Status().Vectors)
}

func TestSynchronizer_RemoveMissingListsSources(t *testing.T) {
	// Given: a corpus with two sources
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("b.pdf", 1)))
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 1)))

	// When: an unknown source is removed
	_, err := s.Remove(context.Background(), "missing.pdf", true)

	// Then: not found carries the sorted known sources
	assert.True(t, ragerrors.IsNotFound(err))
	assert.Equal(t, []string{"a.pdf", "b.pdf"}, ragerrors.GetCandidates(err))
	assert.Equal(t, s.Sources(), ragerrors.GetCandidates(err))
}

func TestSynchronizer_RemoveMatchesBaseName(t *testing.T) {
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("report.pdf", 2)))

	plan, err := s.Plan(context.Background(), "/downloads/report.pdf", ScopeBoth)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", plan.SourceFile)
	assert.Len(t, plan.IDs, 2)

	result, err := s.Remove(context.Background(), "/downloads/report.pdf", true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Removed)
	assert.Zero(t, result.Remaining)
}

func TestSynchronizer_DegradedRemovalModes(t *testing.T) {
	// Given: a corpus with a.pdf and b.pdf
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))
	require.NoError(t, s.Insert(context.Background(), records("b.pdf", 3)))

	// When: a.pdf is removed from metadata only
	result, err := s.RemoveMetadataOnly(context.Background(), "a.pdf", true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Removed)
	assert.Equal(t, 3, result.Remaining)

	// Then: the stores disagree and the check reports orphan vectors
	check, err := s.Check(context.Background())
	assert.True(t, ragerrors.IsInconsistent(err))
	assert.Equal(t, 2, check.CountByType()[InconsistencyOrphanVector])

	// When: the index side is removed too
	result, err = s.RemoveIndexOnly(context.Background(), "a.pdf", true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Removed)
	assert.Equal(t, 3, result.Remaining)

	// Then: the stores agree again
	assertConsistent(t, s)
}

func TestSynchronizer_CombinedRemovalClearsLeftoverVectors(t *testing.T) {
	// Given: b.pdf half removed from metadata and then re-inserted
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("b.pdf", 3)))
	_, err := s.RemoveMetadataOnly(context.Background(), "b.pdf", true)
	require.NoError(t, err)
	require.NoError(t, s.Insert(context.Background(), records("b.pdf", 1)))

	// When: the combined removal runs
	_, err = s.Remove(context.Background(), "b.pdf", true)
	require.NoError(t, err)

	// Then: nothing of b.pdf remains anywhere
	assert.Zero(t, s.vectors.Count())
	assertConsistent(t, s)
}

func TestSynchronizer_IndexOnlyResolvesFromPayloads(t *testing.T) {
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 1)))

	_, err := s.RemoveIndexOnly(context.Background(), "zzz.pdf", true)

	assert.True(t, ragerrors.IsNotFound(err))
	assert.Equal(t, []string{"a.pdf"}, ragerrors.GetCandidates(err))
}

type recordingForgetter struct{ forgotten []string }

func (r *recordingForgetter) Forget(_ context.Context, source string) error {
	r.forgotten = append(r.forgotten, source)
	return nil
}

func TestSynchronizer_RemoveForgetsCheckpoint(t *testing.T) {
	f := &recordingForgetter{}
	s, err := Open(context.Background(), t.TempDir(), Options{Forgetter: f})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 1)))

	_, err = s.Remove(context.Background(), "a.pdf", true)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.pdf"}, f.forgotten)
}

func TestSynchronizer_ConcurrentInsertAndRemoveSerialize(t *testing.T) {
	s := openSync(t, t.TempDir())
	require.NoError(t, s.Insert(context.Background(), records("keep.pdf", 2)))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Insert(context.Background(), records("x.pdf", 3))
		}()
		go func() {
			defer wg.Done()
			_, _ = s.Remove(context.Background(), "x.pdf", true)
		}()
	}
	wg.Wait()

	assertConsistent(t, s)
}

func TestLoadSnapshot_ReadsLastCommit(t *testing.T) {
	// Given: a writer that committed one source
	dir := t.TempDir()
	s := openSync(t, dir)
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))

	// When: a reader loads a snapshot while the writer session is open
	snap, err := LoadSnapshot(context.Background(), dir)
	require.NoError(t, err)
	defer func() { _ = snap.Close() }()

	// Then: it sees the committed pair
	assert.Equal(t, 2, snap.Metadata.Count())
	assert.Equal(t, 2, snap.Vectors.Count())
	assert.True(t, snap.QuickCheck())
	_, err = snap.Check(context.Background())
	assert.NoError(t, err)
}

func TestLoadSnapshot_EmptyDirectory(t *testing.T) {
	snap, err := LoadSnapshot(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, snap.Metadata.Count())
	assert.Zero(t, snap.Vectors.Count())
}

func TestLoadSnapshot_MissingDirectory(t *testing.T) {
	// Given: a data directory no ingest has created
	dir := filepath.Join(t.TempDir(), ".pdfrag")

	// When: a reader loads a snapshot
	_, err := LoadSnapshot(context.Background(), dir)

	// Then: the corpus is unavailable and the directory is not created
	assert.True(t, ragerrors.IsCorpusUnavailable(err))
	assert.NoDirExists(t, dir)

	snap, err := EmptySnapshot(dir)
	require.NoError(t, err)
	assert.Zero(t, snap.Metadata.Count())
	assert.Zero(t, snap.Vectors.Count())
	assert.NoDirExists(t, dir)
}

func TestLoadSnapshot_WaitsForCommit(t *testing.T) {
	// Given: a commit lock held by a writer
	dir := t.TempDir()
	lock := NewFileLock(dir, CommitLockFile)
	ok, err := lock.Lock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	// When: a reader loads with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = LoadSnapshot(ctx, dir)

	// Then: it waited and gave up
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, lock.Unlock())
}

// blockLedgerFile turns metadata.json into a non-empty directory so the next
// ledger save cannot rename over it.
func blockLedgerFile(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, store.MetadataFileName)
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocked"), 0o755))
}

func TestSynchronizer_RemoveLedgerSaveFailureRollsBack(t *testing.T) {
	// Given: a committed corpus whose ledger file can no longer be replaced
	dir := t.TempDir()
	s := openSync(t, dir)
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))
	require.NoError(t, s.Insert(context.Background(), records("b.pdf", 1)))
	blockLedgerFile(t, dir)

	// When: removing a source, which deletes the vectors first
	_, err := s.Remove(context.Background(), "a.pdf", true)

	// Then: the ledger still holds what its file holds, and the session
	// reports the vectors the index already lost
	require.Error(t, err)
	status := s.Status()
	assert.Equal(t, 3, status.Chunks)
	assert.Equal(t, 1, status.Vectors)

	result, err := s.Check(context.Background())
	assert.True(t, ragerrors.IsInconsistent(err))
	assert.Equal(t, 2, result.CountByType()[InconsistencyMissingVector])
}

func TestSynchronizer_InsertLedgerSaveFailureRollsBack(t *testing.T) {
	// Given: one committed source and a ledger file that cannot be replaced
	dir := t.TempDir()
	s := openSync(t, dir)
	require.NoError(t, s.Insert(context.Background(), records("a.pdf", 2)))
	blockLedgerFile(t, dir)

	// When: inserting a second source
	err := s.Insert(context.Background(), records("b.pdf", 2))

	// Then: the new records are gone from the session and the old ones stay
	require.Error(t, err)
	assert.Equal(t, map[string]int{"a.pdf": 2}, s.Status().SourceCounts)
	assertConsistent(t, s)
}

func TestSynchronizer_DiscardDropsIDsFromBothStores(t *testing.T) {
	ctx := context.Background()
	s := openSync(t, t.TempDir())

	// Given: four chunks of a.pdf, the last one present only in the index
	require.NoError(t, s.Insert(ctx, records("a.pdf", 4)))
	_, err := s.RemoveMetadataOnly(ctx, "a.pdf", true)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, records("a.pdf", 3)))

	// When: positions 1 and later are discarded, plus an unknown id
	n, err := s.Discard(ctx, []string{"a.pdf-1", "a.pdf-2", "a.pdf-3", "missing"})

	// Then: only position 0 remains and the stores agree
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a.pdf-0"}, s.meta.IDs())
	assertConsistent(t, s)

	// And: discarding nothing known is a no-op
	n, err = s.Discard(ctx, []string{"missing"})
	require.NoError(t, err)
	assert.Zero(t, n)
}
