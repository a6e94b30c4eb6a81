package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// ledgerFile is the on-disk shape of metadata.json.
type ledgerFile struct {
	Version        int       `json:"version"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	Dimensions     int       `json:"dimensions,omitempty"`
	Records        []*Record `json:"records"`
}

// MetadataLedger implements MetadataStore as a JSON file that is rewritten
// whole on every Save.
type MetadataLedger struct {
	mu      sync.RWMutex
	path    string
	records map[string]*Record
	model   string
	dims    int
}

// OpenMetadataLedger loads the ledger at path. A missing file is an empty
// ledger; an unreadable one is a corrupt index.
func OpenMetadataLedger(path string) (*MetadataLedger, error) {
	l := &MetadataLedger{
		path:    path,
		records: make(map[string]*Record),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeFilePermission, "failed to read metadata ledger", err).
			WithDetail("path", path)
	}

	var file ledgerFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeCorruptIndex, "metadata ledger is not valid JSON", err).
			WithDetail("path", path).
			WithSuggestion("Restore metadata.json from backup or remove the data directory and re-ingest")
	}
	if file.Version > LedgerVersion {
		return nil, ragerrors.New(ragerrors.ErrCodeCorruptIndex,
			fmt.Sprintf("metadata ledger version %d is newer than supported %d", file.Version, LedgerVersion), nil)
	}

	l.model = file.EmbeddingModel
	l.dims = file.Dimensions
	for _, r := range file.Records {
		if r == nil || r.ID == "" {
			continue
		}
		l.records[r.ID] = r
	}
	if len(l.records) == 0 {
		l.model, l.dims = "", 0
	}
	return l, nil
}

// Path returns the file the ledger persists to.
func (l *MetadataLedger) Path() string { return l.path }

// Upsert inserts or replaces records. Every record must carry the same
// embedding model as the ledger; the first upsert into an empty ledger fixes it.
func (l *MetadataLedger) Upsert(_ context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	model, dims := l.model, l.dims
	if len(l.records) == 0 {
		model, dims = records[0].EmbeddingModel, len(records[0].Vector)
	}
	for _, r := range records {
		if r.EmbeddingModel != model {
			return modelMismatch(model, r.EmbeddingModel)
		}
		if len(r.Vector) != dims {
			return dimensionMismatch(dims, len(r.Vector))
		}
	}

	l.model, l.dims = model, dims
	for _, r := range records {
		cp := *r
		cp.PageNumbers = append([]int(nil), r.PageNumbers...)
		cp.Vector = append([]float32(nil), r.Vector...)
		l.records[r.ID] = &cp
	}
	return nil
}

// Delete removes ids and reports how many existed.
func (l *MetadataLedger) Delete(_ context.Context, ids []string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if _, ok := l.records[id]; ok {
			delete(l.records, id)
			removed++
		}
	}
	if len(l.records) == 0 {
		l.model, l.dims = "", 0
	}
	return removed, nil
}

// Get returns the stored record with id. Callers must not mutate it.
func (l *MetadataLedger) Get(id string) (*Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[id]
	return r, ok
}

// Records returns all records ordered by source file, then position.
func (l *MetadataLedger) Records() []*Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, r)
	}
	sortRecords(out)
	return out
}

// IDs returns all ids, sorted.
func (l *MetadataLedger) IDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.records))
	for id := range l.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IDsForSource returns the ids whose source file matches sourceFile, either
// exactly or by base name.
func (l *MetadataLedger) IDsForSource(sourceFile string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	base := filepath.Base(sourceFile)
	var ids []string
	for id, r := range l.records {
		if r.SourceFile == sourceFile || r.SourceFile == base {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sources returns the distinct source files, sorted.
func (l *MetadataLedger) Sources() []string {
	counts := l.SourceCounts()
	out := make([]string, 0, len(counts))
	for s := range counts {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SourceCounts returns the chunk count per source file.
func (l *MetadataLedger) SourceCounts() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[string]int)
	for _, r := range l.records {
		counts[r.SourceFile]++
	}
	return counts
}

// Count returns the number of records.
func (l *MetadataLedger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Model returns the embedding model of the stored records.
func (l *MetadataLedger) Model() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.model
}

// Dimensions returns the vector length of the stored records.
func (l *MetadataLedger) Dimensions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.dims
}

// Save writes the ledger to a temp file and renames it over the old one, so
// readers see either the previous or the new ledger.
func (l *MetadataLedger) Save() error {
	l.mu.RLock()
	file := ledgerFile{
		Version:        LedgerVersion,
		EmbeddingModel: l.model,
		Dimensions:     l.dims,
		Records:        make([]*Record, 0, len(l.records)),
	}
	for _, r := range l.records {
		file.Records = append(file.Records, r)
	}
	l.mu.RUnlock()
	sortRecords(file.Records)

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeStoreWriteFailed, "failed to encode metadata ledger", err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return storeWriteError("failed to create directory", err)
	}
	err = writeAtomic(l.path, func(f *os.File) error {
		_, err := f.Write(data)
		return err
	})
	if err != nil {
		return storeWriteError("failed to save metadata ledger", err)
	}
	return nil
}

// Verify interface implementation
var _ MetadataStore = (*MetadataLedger)(nil)

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].SourceFile != records[j].SourceFile {
			return records[i].SourceFile < records[j].SourceFile
		}
		if records[i].Position != records[j].Position {
			return records[i].Position < records[j].Position
		}
		return records[i].ID < records[j].ID
	})
}

func modelMismatch(stored, got string) error {
	return ragerrors.New(ragerrors.ErrCodeModelMismatch,
		fmt.Sprintf("corpus was embedded with %q, refusing records from %q", stored, got), nil).
		WithDetail("stored_model", stored).
		WithDetail("requested_model", got).
		WithSuggestion("Use the original embedding model, or remove all sources and re-ingest")
}

// writeAtomic writes path through a sibling temp file, fsyncs and renames.
func writeAtomic(path string, write func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// storeWriteError maps write failures onto the storage error codes.
func storeWriteError(msg string, err error) error {
	switch {
	case errors.Is(err, syscall.ENOSPC):
		return ragerrors.New(ragerrors.ErrCodeDiskFull, msg, err).
			WithSuggestion("Free disk space and retry")
	case errors.Is(err, os.ErrPermission):
		return ragerrors.New(ragerrors.ErrCodeFilePermission, msg, err)
	default:
		return ragerrors.New(ragerrors.ErrCodeStoreWriteFailed, msg, err)
	}
}
