package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// StaticEmbedder generates embeddings using a hash-based approach.
// Works without external dependencies (no network, no model download).
// Provides deterministic, fast embeddings with reduced semantic quality.
type StaticEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*StaticEmbedder)(nil)

// stopWords are frequent English function words that carry no topic signal.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "for": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"by": true, "with": true, "as": true, "at": true, "it": true,
	"this": true, "that": true, "from": true, "which": true,
}

// Weights for vector generation
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// NewStaticEmbedder creates a new static embedder.
func NewStaticEmbedder() *StaticEmbedder {
	return &StaticEmbedder{}
}

// Embed generates embedding for a single text. Empty input yields a zero vector.
func (e *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, fmt.Errorf("embedder is closed")
	}
	return embedStatic(text), nil
}

func embedStatic(text string) []float32 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, StaticDimensions)
	}
	return normalizeVector(generateVector(trimmed))
}

// generateVector creates a hash-based vector from text: whole words carry
// most of the weight, character trigrams within words add fuzzy matching
// for inflections and OCR noise.
func generateVector(text string) []float32 {
	vector := make([]float32, StaticDimensions)

	for _, token := range tokenize(text) {
		if stopWords[token] {
			continue
		}
		vector[hashToIndex(token, StaticDimensions)] += tokenWeight

		for _, ngram := range extractNgrams(token, ngramSize) {
			vector[hashToIndex("#"+ngram, StaticDimensions)] += ngramWeight
		}
	}

	return vector
}

// tokenize lowercases text and splits it into runs of letters and digits.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// extractNgrams extracts n-rune sliding windows.
func extractNgrams(word string, n int) []string {
	runes := []rune(word)
	// Return empty slice, not nil, for consistent API behavior
	if len(runes) < n {
		return []string{}
	}

	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

// hashToIndex uses FNV-64 to map a string to an index.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// EmbedBatch generates embeddings for multiple texts.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, fmt.Errorf("embedder is closed")
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = embedStatic(text)
	}
	return results, nil
}

// Dimensions returns the embedding dimension.
func (e *StaticEmbedder) Dimensions() int {
	return StaticDimensions
}

// ModelName returns the model identifier.
func (e *StaticEmbedder) ModelName() string {
	return StaticModel
}

// Provider returns static.
func (e *StaticEmbedder) Provider() ProviderType {
	return ProviderStatic
}

// Available checks if the embedder is ready (always true until closed).
func (e *StaticEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
