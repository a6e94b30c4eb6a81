package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coder/hnsw"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// HNSWIndex implements VectorIndex using the coder/hnsw pure Go graph.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	// ID mapping (string <-> uint64)
	idMap    map[string]uint64 // chunk ID -> graph key
	keyMap   map[uint64]string // graph key -> chunk ID
	payloads map[string]Payload
	nextKey  uint64

	closed bool
}

// hnswMetadata is the gob sidecar stored at <path>.meta.
type hnswMetadata struct {
	Collection string
	IDMap      map[string]uint64
	Payloads   map[string]Payload
	NextKey    uint64
	Config     VectorIndexConfig
}

// NewHNSWIndex creates an empty cosine-distance index.
func NewHNSWIndex(cfg VectorIndexConfig) *HNSWIndex {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 64
	}
	return &HNSWIndex{
		graph:    newGraph(cfg),
		config:   cfg,
		idMap:    make(map[string]uint64),
		keyMap:   make(map[uint64]string),
		payloads: make(map[string]Payload),
	}
}

func newGraph(cfg VectorIndexConfig) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25
	return graph
}

// OpenHNSWIndex loads the index at path, or returns an empty one when no
// index has been saved yet.
func OpenHNSWIndex(path string, cfg VectorIndexConfig) (*HNSWIndex, error) {
	idx := NewHNSWIndex(cfg)
	if _, err := os.Stat(path + ".meta"); os.IsNotExist(err) {
		return idx, nil
	}
	if err := idx.Load(path); err != nil {
		return nil, err
	}
	return idx, nil
}

// Upsert inserts records. An existing id is replaced by orphaning its old
// graph node; coder/hnsw misbehaves when deleting the last node.
func (s *HNSWIndex) Upsert(_ context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := validateRecords(records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	dims := s.config.Dimensions
	if dims == 0 {
		dims = len(records[0].Vector)
	}
	for _, r := range records {
		if len(r.Vector) != dims {
			return dimensionMismatch(dims, len(r.Vector))
		}
	}
	s.config.Dimensions = dims

	for _, r := range records {
		if existingKey, exists := s.idMap[r.ID]; exists {
			delete(s.keyMap, existingKey)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		normalizeVectorInPlace(vec)
		s.graph.Add(hnsw.MakeNode(key, vec))

		s.idMap[r.ID] = key
		s.keyMap[key] = r.ID
		s.payloads[r.ID] = Payload{
			SourceFile:  r.SourceFile,
			PageNumbers: append([]int(nil), r.PageNumbers...),
		}
	}

	return nil
}

// Search finds up to k nearest neighbours of query by cosine similarity.
func (s *HNSWIndex) Search(_ context.Context, query []float32, k int) ([]*VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if k <= 0 || len(s.idMap) == 0 {
		return []*VectorHit{}, nil
	}
	if len(query) != s.config.Dimensions {
		return nil, dimensionMismatch(s.config.Dimensions, len(query))
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeVectorInPlace(normalized)

	// Orphaned nodes can occupy result slots; over-fetch by their count.
	fetch := k + (s.graph.Len() - len(s.idMap))
	if fetch > s.graph.Len() {
		fetch = s.graph.Len()
	}
	nodes := s.graph.Search(normalized, fetch)

	hits := make([]*VectorHit, 0, len(nodes))
	for _, node := range nodes {
		id, exists := s.keyMap[node.Key]
		if !exists {
			continue
		}
		distance := s.graph.Distance(normalized, node.Value)
		p := s.payloads[id]
		hits = append(hits, &VectorHit{
			ID:          id,
			SourceFile:  p.SourceFile,
			PageNumbers: append([]int(nil), p.PageNumbers...),
			Distance:    distance,
			Similarity:  1 - distance,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Delete removes ids using lazy deletion. When the last id goes, the graph is
// reset so orphans do not accumulate across full removals.
func (s *HNSWIndex) Delete(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("vector index is closed")
	}

	removed := 0
	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.payloads, id)
			removed++
		}
	}

	if len(s.idMap) == 0 && s.graph.Len() > 0 {
		s.graph = newGraph(s.config)
		s.keyMap = make(map[uint64]string)
		s.nextKey = 0
	}
	return removed, nil
}

// Rebuild replaces the graph with exactly records, dropping orphaned nodes.
func (s *HNSWIndex) Rebuild(ctx context.Context, records []*Record) error {
	fresh := NewHNSWIndex(VectorIndexConfig{M: s.config.M, EfSearch: s.config.EfSearch})
	if err := fresh.Upsert(ctx, records); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("vector index is closed")
	}
	s.graph = fresh.graph
	s.idMap = fresh.idMap
	s.keyMap = fresh.keyMap
	s.payloads = fresh.payloads
	s.nextKey = fresh.nextKey
	if fresh.config.Dimensions > 0 {
		s.config.Dimensions = fresh.config.Dimensions
	}
	return nil
}

// IDs returns all chunk ids in the index, sorted.
func (s *HNSWIndex) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.idMap))
	for id := range s.idMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Contains checks if ID exists.
func (s *HNSWIndex) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.idMap[id]
	return exists
}

// Payload returns the stored source and pages for id.
func (s *HNSWIndex) Payload(id string) (Payload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payloads[id]
	return p, ok
}

// IDsForSource returns the ids whose payload source matches sourceFile,
// exactly or by base name.
func (s *HNSWIndex) IDsForSource(sourceFile string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	base := filepath.Base(sourceFile)
	var ids []string
	for id, p := range s.payloads {
		if p.SourceFile == sourceFile || p.SourceFile == base {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sources returns the distinct payload sources, sorted.
func (s *HNSWIndex) Sources() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range s.payloads {
		seen[p.SourceFile] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for src := range seen {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

// Count returns number of vectors.
func (s *HNSWIndex) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.idMap)
}

// Dimensions returns the vector length, 0 for a fresh empty index.
func (s *HNSWIndex) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Dimensions
}

// HNSWStats reports live ids against graph nodes.
type HNSWStats struct {
	ValidIDs   int // Number of valid ID mappings (active vectors)
	GraphNodes int // Total nodes in HNSW graph (includes orphans)
	Orphans    int // GraphNodes - ValidIDs (lazy-deleted nodes)
}

// Stats returns index statistics for compaction decisions.
func (s *HNSWIndex) Stats() HNSWStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return HNSWStats{}
	}
	nodes := s.graph.Len()
	return HNSWStats{
		ValidIDs:   len(s.idMap),
		GraphNodes: nodes,
		Orphans:    nodes - len(s.idMap),
	}
}

// Save persists the graph to path and the id map to path+".meta", each via
// temp file and rename.
func (s *HNSWIndex) Save(path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storeWriteError("failed to create directory", err)
	}

	err := writeAtomic(path, func(f *os.File) error {
		return s.graph.Export(f)
	})
	if err != nil {
		return storeWriteError("failed to save vector graph", err)
	}

	meta := hnswMetadata{
		Collection: CollectionName,
		IDMap:      s.idMap,
		Payloads:   s.payloads,
		NextKey:    s.nextKey,
		Config:     s.config,
	}
	err = writeAtomic(path+".meta", func(f *os.File) error {
		return gob.NewEncoder(f).Encode(meta)
	})
	if err != nil {
		return storeWriteError("failed to save vector metadata", err)
	}
	return nil
}

// Load replaces the in-memory index with the one saved at path.
func (s *HNSWIndex) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("vector index is closed")
	}

	meta, err := readHNSWMetadata(path + ".meta")
	if err != nil {
		return err
	}
	if meta.Collection != "" && meta.Collection != CollectionName {
		return ragerrors.New(ragerrors.ErrCodeCorruptIndex,
			fmt.Sprintf("unexpected collection %q in %s", meta.Collection, path), nil)
	}

	file, err := os.Open(path)
	if err != nil {
		return ragerrors.New(ragerrors.ErrCodeCorruptIndex, "vector graph missing next to its metadata", err).
			WithDetail("path", path)
	}
	defer func() { _ = file.Close() }()

	graph := newGraph(meta.Config)
	// coder/hnsw Import requires an io.ByteReader
	if err := graph.Import(bufio.NewReader(file)); err != nil {
		return ragerrors.New(ragerrors.ErrCodeCorruptIndex, "failed to import vector graph", err).
			WithDetail("path", path)
	}

	s.graph = graph
	s.config = meta.Config
	s.idMap = meta.IDMap
	s.payloads = meta.Payloads
	s.nextKey = meta.NextKey
	if s.idMap == nil {
		s.idMap = make(map[string]uint64)
	}
	if s.payloads == nil {
		s.payloads = make(map[string]Payload)
	}
	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}

func readHNSWMetadata(path string) (*hnswMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vector metadata: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close vector metadata file", slog.String("error", err.Error()))
		}
	}()

	var meta hnswMetadata
	if err := gob.NewDecoder(file).Decode(&meta); err != nil {
		return nil, ragerrors.New(ragerrors.ErrCodeCorruptIndex, "failed to decode vector metadata", err).
			WithDetail("path", path)
	}
	return &meta, nil
}

// ReadVectorIndexDimensions reads the dimensions of a saved index without
// loading the graph. Returns 0 when nothing has been saved.
func ReadVectorIndexDimensions(path string) (int, error) {
	if _, err := os.Stat(path + ".meta"); os.IsNotExist(err) {
		return 0, nil
	}
	meta, err := readHNSWMetadata(path + ".meta")
	if err != nil {
		return 0, err
	}
	return meta.Config.Dimensions, nil
}

// Close releases resources.
func (s *HNSWIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.graph = nil
	return nil
}

// Verify interface implementation
var _ VectorIndex = (*HNSWIndex)(nil)

// normalizeVectorInPlace normalizes a vector to unit length in place.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	invMagnitude := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= invMagnitude
	}
}
