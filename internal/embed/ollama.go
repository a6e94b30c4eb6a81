package embed

import (
	"context"
	"fmt"
	"strings"
	"sync"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// OllamaEmbedder generates embeddings using Ollama's HTTP API
type OllamaEmbedder struct {
	client    *jsonClient
	config    OllamaConfig
	modelName string

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder creates a new Ollama embedder. Unless SkipHealthCheck is
// set, it resolves the model against /api/tags and detects the dimensions
// with a test embedding.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	// Apply defaults
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	cfg.Host = strings.TrimRight(cfg.Host, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultOllamaModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	e := &OllamaEmbedder{
		client:    newJSONClient(ProviderOllama, cfg.Timeout, 0, cfg.PoolSize),
		config:    cfg,
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, OllamaConnectTimeout)
		defer cancel()

		modelName, err := e.findModel(checkCtx)
		if err != nil {
			e.client.Close()
			return nil, err
		}
		e.modelName = modelName

		if e.dims == 0 {
			vecs, err := e.doEmbed(checkCtx, []string{"dimension detection"})
			if err != nil {
				e.client.Close()
				return nil, fmt.Errorf("failed to detect embedding dimensions: %w", err)
			}
			e.dims = len(vecs[0])
		}
	}

	return e, nil
}

// listModels gets available models from Ollama
func (e *OllamaEmbedder) listModels(ctx context.Context) ([]OllamaModelInfo, error) {
	var result OllamaModelListResponse
	if err := e.client.get(ctx, e.config.Host+"/api/tags", nil, &result); err != nil {
		return nil, err
	}
	return result.Models, nil
}

// findModel matches the configured model by full name or by base name
// without the tag.
func (e *OllamaEmbedder) findModel(ctx context.Context) (string, error) {
	models, err := e.listModels(ctx)
	if err != nil {
		return "", err
	}

	want := strings.ToLower(e.config.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			return m.Name, nil
		}
	}

	return "", ragerrors.New(ragerrors.ErrCodeProviderUnavailable,
		fmt.Sprintf("ollama model %q is not installed", e.config.Model), nil).
		WithDetail("provider", ProviderOllama.String()).
		WithSuggestion("Run: ollama pull " + e.config.Model)
}

// Embed generates embedding for a single query.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeQueryEmpty, "query text is empty", nil)
	}

	vecs, err := e.doEmbed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts using Ollama's batch API
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.config.BatchSize, len(texts))

		vecs, err := e.doEmbed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

// doEmbed performs a single /api/embed request.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	req := OllamaEmbedRequest{Model: e.modelName, Input: texts}

	var resp OllamaEmbedResponse
	if err := e.client.post(ctx, e.config.Host+"/api/embed", nil, req, &resp); err != nil {
		return nil, err
	}

	vecs := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		vecs[i] = toFloat32(emb)
	}
	if err := checkShape(vecs, len(texts), e.Dimensions()); err != nil {
		return nil, err
	}
	return vecs, nil
}

func (e *OllamaEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

// Dimensions returns the embedding dimension
func (e *OllamaEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier
func (e *OllamaEmbedder) ModelName() string {
	return e.modelName
}

// Provider returns ollama.
func (e *OllamaEmbedder) Provider() ProviderType {
	return ProviderOllama
}

// Available checks if Ollama is running and the model is installed
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	if e.checkOpen() != nil {
		return false
	}
	_, err := e.findModel(ctx)
	return err == nil
}

// Close releases resources
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	e.client.Close()
	return nil
}
