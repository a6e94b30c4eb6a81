package embed

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// Default REST endpoints.
const (
	DefaultVoyageURL = "https://api.voyageai.com/v1"
	DefaultOpenAIURL = "https://api.openai.com/v1"
)

// RemoteConfig configures a remote embedding provider.
type RemoteConfig struct {
	Provider ProviderType
	Model    string
	APIKey   string

	// BaseURL overrides the provider endpoint (tests, proxies, compatible APIs).
	BaseURL string

	// Dimensions overrides the known model size (0 = known table, else first response).
	Dimensions int

	Timeout           time.Duration
	RequestsPerSecond float64
	BatchSize         int
	PoolSize          int
}

func (c *RemoteConfig) applyDefaults() {
	if c.Model == "" {
		c.Model = c.Provider.DefaultModel()
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.BatchSize <= 0 || c.BatchSize > MaxBatchSize {
		c.BatchSize = MaxBatchSize
	}
	if c.Dimensions <= 0 {
		c.Dimensions = KnownDimensions(c.Model)
	}
	if c.BaseURL == "" {
		switch c.Provider {
		case ProviderVoyage:
			c.BaseURL = DefaultVoyageURL
		case ProviderOpenAI:
			c.BaseURL = DefaultOpenAIURL
		}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
}

// embeddingsRequest is the body of POST /v1/embeddings for Voyage and OpenAI.
type embeddingsRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	InputType string   `json:"input_type,omitempty"` // Voyage only: document or query
}

// embeddingsResponse is shared by Voyage and OpenAI.
type embeddingsResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// RemoteEmbedder calls a Voyage or OpenAI style REST embeddings endpoint.
type RemoteEmbedder struct {
	cfg    RemoteConfig
	client *jsonClient

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*RemoteEmbedder)(nil)

// NewRemoteEmbedder creates a REST embedder. A missing API key is a
// configuration error; no request is made here.
func NewRemoteEmbedder(cfg RemoteConfig) (*RemoteEmbedder, error) {
	if cfg.Provider != ProviderVoyage && cfg.Provider != ProviderOpenAI {
		return nil, ragerrors.New(ragerrors.ErrCodeUnknownProvider,
			fmt.Sprintf("provider %q has no REST embeddings endpoint", cfg.Provider), nil)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, missingKeyError(cfg.Provider)
	}
	cfg.applyDefaults()

	return &RemoteEmbedder{
		cfg:    cfg,
		client: newJSONClient(cfg.Provider, cfg.Timeout, cfg.RequestsPerSecond, cfg.PoolSize),
		dims:   cfg.Dimensions,
	}, nil
}

func missingKeyError(p ProviderType) error {
	env := strings.ToUpper(p.String()) + "_API_KEY"
	return ragerrors.New(ragerrors.ErrCodeMissingCredentials,
		fmt.Sprintf("%s provider requires an API key", p), nil).
		WithDetail("provider", p.String()).
		WithSuggestion("Set " + env + " in the environment or a .env file")
}

// EmbedBatch embeds documents, splitting into requests of at most BatchSize.
func (e *RemoteEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.cfg.BatchSize, len(texts))
		vecs, err := e.request(ctx, texts[start:end], "document")
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

// Embed embeds a search query. Voyage receives input_type=query.
func (e *RemoteEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeQueryEmpty, "query text is empty", nil)
	}
	vecs, err := e.request(ctx, []string{text}, "query")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *RemoteEmbedder) request(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	req := embeddingsRequest{Model: e.cfg.Model, Input: texts}
	if e.cfg.Provider == ProviderVoyage {
		req.InputType = inputType
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	var resp embeddingsResponse
	if err := e.client.post(ctx, e.cfg.BaseURL+"/embeddings", header, req, &resp); err != nil {
		return nil, err
	}

	// Results may arrive out of index order.
	sort.SliceStable(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	vecs := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		vecs[i] = toFloat32(d.Embedding)
	}

	dims := e.Dimensions()
	if err := checkShape(vecs, len(texts), dims); err != nil {
		return nil, err
	}
	if dims == 0 {
		e.mu.Lock()
		e.dims = len(vecs[0])
		e.mu.Unlock()
	}
	return vecs, nil
}

func (e *RemoteEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

// Dimensions returns the embedding dimension, 0 until known.
func (e *RemoteEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier
func (e *RemoteEmbedder) ModelName() string {
	return e.cfg.Model
}

// Provider returns voyage or openai.
func (e *RemoteEmbedder) Provider() ProviderType {
	return e.cfg.Provider
}

// Available reports whether the embedder is open and has credentials.
func (e *RemoteEmbedder) Available(_ context.Context) bool {
	return e.checkOpen() == nil && e.cfg.APIKey != ""
}

// Close releases resources
func (e *RemoteEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.client.Close()
	return nil
}
