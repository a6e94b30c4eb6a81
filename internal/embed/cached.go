package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultEmbeddingCacheSize is the default number of embeddings to cache.
const DefaultEmbeddingCacheSize = 1000

// CachedEmbedder wraps an Embedder with an LRU cache. The retrieval service
// uses it for query embeddings so repeated questions skip the provider.
// Query and document embeddings are cached separately because providers
// may embed them differently.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// Verify interface implementation at compile time
var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder creates a cached embedder wrapping the given embedder.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{
		inner: inner,
		cache: cache,
	}
}

// cacheKey hashes kind, model identity and text.
func (c *CachedEmbedder) cacheKey(kind, text string) string {
	combined := kind + "\x00" + ModelID(c.inner) + "\x00" + text
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns cached embedding if available, otherwise computes and caches.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey("q", text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch checks each text separately and sends only the misses to the
// inner embedder in one call.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	missIdx := make([]int, 0, len(texts))
	missTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey("d", text)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if err := checkShape(fresh, len(missTexts), 0); err != nil {
		return nil, err
	}

	for j, idx := range missIdx {
		results[idx] = fresh[j]
		c.cache.Add(c.cacheKey("d", texts[idx]), fresh[j])
	}
	return results, nil
}

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.Len()
}

// Dimensions returns the embedding dimension (passthrough to inner).
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelName returns the model identifier (passthrough to inner).
func (c *CachedEmbedder) ModelName() string {
	return c.inner.ModelName()
}

// Provider returns the inner provider.
func (c *CachedEmbedder) Provider() ProviderType {
	return c.inner.Provider()
}

// Available checks if the embedder is ready (passthrough to inner).
func (c *CachedEmbedder) Available(ctx context.Context) bool {
	return c.inner.Available(ctx)
}

// Close releases resources and closes the inner embedder.
func (c *CachedEmbedder) Close() error {
	c.cache.Purge()
	return c.inner.Close()
}

// Inner returns the underlying embedder.
func (c *CachedEmbedder) Inner() Embedder {
	return c.inner
}
