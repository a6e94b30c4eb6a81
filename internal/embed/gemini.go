package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// geminiMaxBatch is the request limit of BatchEmbedContents.
const geminiMaxBatch = 100

// GeminiEmbedder embeds through the Gemini API client.
type GeminiEmbedder struct {
	cfg     RemoteConfig
	client  *genai.Client
	docs    *genai.EmbeddingModel
	queries *genai.EmbeddingModel
	limiter *rateLimiter

	mu     sync.RWMutex
	dims   int
	closed bool
}

// Verify interface implementation at compile time
var _ Embedder = (*GeminiEmbedder)(nil)

// NewGeminiEmbedder creates a Gemini embedder. BaseURL, when set, overrides
// the API endpoint.
func NewGeminiEmbedder(ctx context.Context, cfg RemoteConfig) (*GeminiEmbedder, error) {
	cfg.Provider = ProviderGemini
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, missingKeyError(ProviderGemini)
	}
	cfg.applyDefaults()
	if cfg.BatchSize > geminiMaxBatch {
		cfg.BatchSize = geminiMaxBatch
	}

	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, ragerrors.ConfigurationError("failed to create gemini client", err).
			WithDetail("provider", ProviderGemini.String())
	}

	docs := client.EmbeddingModel(cfg.Model)
	docs.TaskType = genai.TaskTypeRetrievalDocument
	queries := client.EmbeddingModel(cfg.Model)
	queries.TaskType = genai.TaskTypeRetrievalQuery

	return &GeminiEmbedder{
		cfg:     cfg,
		client:  client,
		docs:    docs,
		queries: queries,
		limiter: newRateLimiter(cfg.RequestsPerSecond),
		dims:    cfg.Dimensions,
	}, nil
}

// EmbedBatch embeds documents with BatchEmbedContents.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.cfg.BatchSize {
		end := min(start+e.cfg.BatchSize, len(texts))
		chunk := texts[start:end]

		vecs, err := e.call(ctx, func(callCtx context.Context) ([][]float32, error) {
			b := e.docs.NewBatch()
			for _, t := range chunk {
				b.AddContent(genai.Text(t))
			}
			res, err := e.docs.BatchEmbedContents(callCtx, b)
			if err != nil {
				return nil, err
			}
			out := make([][]float32, len(res.Embeddings))
			for i, emb := range res.Embeddings {
				if emb != nil {
					out[i] = normalizeVector(emb.Values)
				}
			}
			return out, nil
		})
		if err != nil {
			return nil, err
		}
		if err := e.accept(vecs, len(chunk)); err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}
	return results, nil
}

// Embed embeds a search query with the retrieval-query task type.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeQueryEmpty, "query text is empty", nil)
	}

	vecs, err := e.call(ctx, func(callCtx context.Context) ([][]float32, error) {
		res, err := e.queries.EmbedContent(callCtx, genai.Text(text))
		if err != nil {
			return nil, err
		}
		if res.Embedding == nil {
			return [][]float32{}, nil
		}
		return [][]float32{normalizeVector(res.Embedding.Values)}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := e.accept(vecs, 1); err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// call applies the rate limit and per-request timeout, then classifies errors.
func (e *GeminiEmbedder) call(ctx context.Context, fn func(context.Context) ([][]float32, error)) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	slog.Debug("embedding_request",
		slog.String("provider", ProviderGemini.String()),
		slog.String("model", e.cfg.Model),
		slog.Duration("timeout", e.cfg.Timeout))

	vecs, err := fn(callCtx)
	if err == nil {
		return vecs, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if callCtx.Err() == context.DeadlineExceeded {
		return nil, ragerrors.TransientProviderError(ragerrors.ErrCodeNetworkTimeout,
			fmt.Sprintf("gemini request timed out after %s", e.cfg.Timeout), err).
			WithDetail("provider", ProviderGemini.String())
	}
	return nil, classifyGeminiError(err)
}

func (e *GeminiEmbedder) accept(vecs [][]float32, n int) error {
	dims := e.Dimensions()
	if err := checkShape(vecs, n, dims); err != nil {
		return err
	}
	if dims == 0 && n > 0 {
		e.mu.Lock()
		e.dims = len(vecs[0])
		e.mu.Unlock()
	}
	return nil
}

// classifyGeminiError maps API errors by HTTP status when present,
// otherwise by gRPC code.
func classifyGeminiError(err error) error {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if code := apiErr.HTTPCode(); code > 0 {
			return classifyStatus(ProviderGemini, code, "gemini: "+apiErr.Error(), nil)
		}
		if st := apiErr.GRPCStatus(); st != nil {
			return classifyGRPC(st.Code(), err)
		}
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return classifyGRPC(st.Code(), err)
	}
	return ragerrors.TransientProviderError(ragerrors.ErrCodeNetworkUnavailable,
		"gemini request failed", err).WithDetail("provider", ProviderGemini.String())
}

func classifyGRPC(code codes.Code, err error) error {
	var out *ragerrors.RagError
	msg := "gemini: " + code.String()
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		out = ragerrors.New(ragerrors.ErrCodeProviderRejected, msg, err).
			WithSuggestion("Check the API key for the gemini provider")
	case codes.ResourceExhausted:
		out = ragerrors.TransientProviderError(ragerrors.ErrCodeRateLimited, msg, err)
	case codes.DeadlineExceeded:
		out = ragerrors.TransientProviderError(ragerrors.ErrCodeNetworkTimeout, msg, err)
	case codes.Unavailable, codes.Internal, codes.Aborted:
		out = ragerrors.TransientProviderError(ragerrors.ErrCodeProviderServer, msg, err)
	default:
		out = ragerrors.New(ragerrors.ErrCodeEmbeddingFailed, msg, err)
	}
	return out.WithDetail("provider", ProviderGemini.String())
}

func (e *GeminiEmbedder) checkOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

// Dimensions returns the embedding dimension, 0 until known.
func (e *GeminiEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dims
}

// ModelName returns the model identifier
func (e *GeminiEmbedder) ModelName() string {
	return e.cfg.Model
}

// Provider returns gemini.
func (e *GeminiEmbedder) Provider() ProviderType {
	return ProviderGemini
}

// Available reports whether the client is open.
func (e *GeminiEmbedder) Available(_ context.Context) bool {
	return e.checkOpen() == nil
}

// Close releases the underlying client.
func (e *GeminiEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.client.Close()
}
