// Package store provides the two persisted halves of a corpus: the HNSW
// vector index and the JSON metadata ledger, plus an in-memory keyword index
// used for hybrid scoring.
//
// Neither store is safe to mutate from more than one writer; the corpus
// package serializes writes and keeps the two in step.
package store

import (
	"context"
	"fmt"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// Persisted file names inside the data directory.
const (
	MetadataFileName = "metadata.json"
	VectorFileName   = "vectors.hnsw"

	// CollectionName names the vector collection.
	CollectionName = "pdf_documents"

	// LedgerVersion is the metadata.json schema version.
	LedgerVersion = 1
)

// Record is an embedded chunk: the unit both stores hold.
type Record struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	SourceFile     string    `json:"source_file"`
	PageNumbers    []int     `json:"page_numbers"`
	Position       int       `json:"position"`
	EmbeddingModel string    `json:"embedding_model"`
	Vector         []float32 `json:"embedding"`
}

// Payload is the per-id metadata the vector index carries alongside each vector.
type Payload struct {
	SourceFile  string
	PageNumbers []int
}

// VectorHit is a single nearest-neighbour result.
type VectorHit struct {
	ID          string
	SourceFile  string
	PageNumbers []int
	Distance    float32 // Cosine distance, 0 for identical direction
	Similarity  float32 // 1 - Distance
}

// VectorIndex is the nearest-neighbour half of the corpus.
type VectorIndex interface {
	// Upsert inserts or replaces records by id.
	Upsert(ctx context.Context, records []*Record) error

	// Search returns up to k hits ordered by descending similarity.
	Search(ctx context.Context, query []float32, k int) ([]*VectorHit, error)

	// Delete removes ids and reports how many existed.
	Delete(ctx context.Context, ids []string) (int, error)

	IDs() []string
	Count() int
	Dimensions() int

	// Save persists the index to path and path+".meta".
	Save(path string) error
	Close() error
}

// MetadataStore is the flat ledger half of the corpus.
type MetadataStore interface {
	// Upsert inserts or replaces records by id.
	Upsert(ctx context.Context, records []*Record) error

	// Delete removes ids and reports how many existed.
	Delete(ctx context.Context, ids []string) (int, error)

	Get(id string) (*Record, bool)
	Records() []*Record
	IDs() []string
	IDsForSource(sourceFile string) []string
	Sources() []string
	SourceCounts() map[string]int
	Count() int

	// Model is the embedding model identity of the stored records ("" when empty).
	Model() string
	Dimensions() int

	// Save persists the ledger atomically.
	Save() error
}

// VectorIndexConfig configures the HNSW graph.
type VectorIndexConfig struct {
	// Dimensions is the vector length (0 adopts the first upserted vector).
	Dimensions int

	// M is HNSW max connections per layer (default: 16)
	M int

	// EfSearch is HNSW query-time search width (default: 64)
	EfSearch int
}

// DefaultVectorIndexConfig returns sensible defaults for the vector index.
func DefaultVectorIndexConfig(dimensions int) VectorIndexConfig {
	return VectorIndexConfig{
		Dimensions: dimensions,
		M:          16,
		EfSearch:   64,
	}
}

// dimensionMismatch reports a vector whose length differs from the index.
func dimensionMismatch(expected, got int) error {
	return ragerrors.New(ragerrors.ErrCodeDimensionMismatch,
		fmt.Sprintf("dimension mismatch: expected %d, got %d", expected, got), nil).
		WithSuggestion("Vectors from different embedding models cannot share an index; remove and re-ingest the corpus")
}

func validateRecords(records []*Record) error {
	for _, r := range records {
		if r == nil || r.ID == "" {
			return ragerrors.New(ragerrors.ErrCodeInvalidInput, "record without id", nil)
		}
		if len(r.Vector) == 0 {
			return ragerrors.New(ragerrors.ErrCodeInvalidInput, "record has no vector", nil).
				WithDetail("chunk_id", r.ID)
		}
	}
	return nil
}
