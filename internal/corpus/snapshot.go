package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
	"github.com/Aman-CERP/pdfrag/internal/store"
)

// DefaultSnapshotTimeout bounds how long a reader waits for a commit to finish.
const DefaultSnapshotTimeout = 30 * time.Second

// Snapshot is a read-only pair of stores loaded from the same commit.
type Snapshot struct {
	Metadata *store.MetadataLedger
	Vectors  *store.HNSWIndex
	LoadedAt time.Time
}

// Close releases the snapshot's vector index.
func (s *Snapshot) Close() error {
	if s == nil || s.Vectors == nil {
		return nil
	}
	return s.Vectors.Close()
}

// LoadSnapshot loads both stores under the shared commit lock. It never waits
// for the writer lock, so it works while an ingest is running. A data
// directory that does not exist yet is CorpusUnavailable; readers never
// create it.
func LoadSnapshot(ctx context.Context, dataDir string) (*Snapshot, error) {
	info, err := os.Stat(dataDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, ragerrors.CorpusUnavailable("no corpus at " + dataDir).WithDetail("path", dataDir)
	case err != nil:
		return nil, ragerrors.New(ragerrors.ErrCodeFilePermission, "cannot read data directory", err).
			WithDetail("path", dataDir)
	case !info.IsDir():
		return nil, ragerrors.New(ragerrors.ErrCodeFilePermission, "data path is not a directory", nil).
			WithDetail("path", dataDir)
	}
	return loadPair(ctx, dataDir, store.DefaultVectorIndexConfig(0))
}

// EmptySnapshot returns a snapshot with no records. It stands in for a data
// directory the first ingest has not created yet, and touches nothing on disk.
func EmptySnapshot(dataDir string) (*Snapshot, error) {
	meta, err := store.OpenMetadataLedger(filepath.Join(dataDir, store.MetadataFileName))
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Metadata: meta,
		Vectors:  store.NewHNSWIndex(store.DefaultVectorIndexConfig(0)),
		LoadedAt: time.Now(),
	}, nil
}

func loadPair(ctx context.Context, dataDir string, cfg store.VectorIndexConfig) (*Snapshot, error) {
	lock := NewFileLock(dataDir, CommitLockFile)
	lockCtx, cancel := context.WithTimeout(ctx, DefaultSnapshotTimeout)
	defer cancel()

	acquired, err := lock.RLock(lockCtx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ragerrors.New(ragerrors.ErrCodeNotReady, "timed out waiting for a commit to finish", nil).
			WithDetail("lock", lock.Path())
	}
	defer func() { _ = lock.Unlock() }()

	meta, err := store.OpenMetadataLedger(filepath.Join(dataDir, store.MetadataFileName))
	if err != nil {
		return nil, err
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = meta.Dimensions()
	}
	vectors, err := store.OpenHNSWIndex(filepath.Join(dataDir, store.VectorFileName), cfg)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Metadata: meta, Vectors: vectors, LoadedAt: time.Now()}, nil
}
