package embed

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	ragerrors "github.com/Aman-CERP/pdfrag/internal/errors"
)

// Common embedding constants
const (
	// MaxBatchSize is the maximum allowed batch size (prevents memory exhaustion)
	MaxBatchSize = 256

	// DefaultBatchSize is the default batch size for embedding requests
	DefaultBatchSize = 32

	// DefaultTimeout bounds a single provider request. A timeout is transient.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of retry attempts
	DefaultMaxRetries = 5

	// DefaultRequestsPerSecond is the client-side rate limit for remote providers.
	DefaultRequestsPerSecond = 5.0
)

// Static embedder constants
const (
	// StaticDimensions is the embedding dimension for static embedder
	StaticDimensions = 384

	// StaticModel is the model name reported by the static embedder.
	StaticModel = "static-384"
)

// ProviderType identifies an embedding backend.
type ProviderType string

const (
	ProviderVoyage ProviderType = "voyage"
	ProviderOpenAI ProviderType = "openai"
	ProviderGemini ProviderType = "gemini"
	ProviderOllama ProviderType = "ollama"
	ProviderStatic ProviderType = "static"
)

// String returns the string representation of the provider type
func (p ProviderType) String() string {
	return string(p)
}

// Remote reports whether the provider is reached over the network with an API key.
func (p ProviderType) Remote() bool {
	switch p {
	case ProviderVoyage, ProviderOpenAI, ProviderGemini:
		return true
	}
	return false
}

// DefaultModel returns the model used when none is configured.
func (p ProviderType) DefaultModel() string {
	switch p {
	case ProviderVoyage:
		return "voyage-4"
	case ProviderOpenAI:
		return "text-embedding-3-small"
	case ProviderGemini:
		return "text-embedding-004"
	case ProviderOllama:
		return DefaultOllamaModel
	default:
		return StaticModel
	}
}

// ParseProvider converts a string to ProviderType.
// Unknown names are a configuration error.
func ParseProvider(s string) (ProviderType, error) {
	switch p := ProviderType(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderVoyage, ProviderOpenAI, ProviderGemini, ProviderOllama, ProviderStatic:
		return p, nil
	case "":
		return ProviderStatic, nil
	default:
		return "", ragerrors.New(ragerrors.ErrCodeUnknownProvider,
			fmt.Sprintf("unknown embedding provider %q", s), nil).
			WithSuggestion("Use one of: voyage, openai, gemini, ollama, static")
	}
}

// modelDimensions lists known output sizes of remote models.
var modelDimensions = map[string]int{
	"voyage-4-large":         1024,
	"voyage-4":               1024,
	"voyage-4-lite":          512,
	"voyage-3-large":         1024,
	"voyage-3.5":             1024,
	"voyage-3.5-lite":        512,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
	"text-embedding-004":     768,
	"gemini-embedding-001":   3072,
}

// KnownDimensions returns the output size of a known remote model, or 0.
func KnownDimensions(model string) int {
	return modelDimensions[model]
}

// Embedder generates vector embeddings for text
type Embedder interface {
	// EmbedBatch embeds document texts, one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Embed embeds a single search query.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding dimension
	Dimensions() int

	// ModelName returns the model identifier
	ModelName() string

	// Provider returns the backend kind.
	Provider() ProviderType

	// Available checks if the embedder is ready
	Available(ctx context.Context) bool

	// Close releases resources
	Close() error
}

// ModelID is the identity stored with every record: provider/model.
// Vectors with different ids never share an index.
func ModelID(e Embedder) string {
	return e.Provider().String() + "/" + e.ModelName()
}

// normalizeVector normalizes a vector to unit length.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v // Return as-is if zero vector
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}

// checkShape verifies a provider response: one vector per input and, when
// dims > 0, every vector of length dims.
func checkShape(vectors [][]float32, inputs, dims int) error {
	if len(vectors) != inputs {
		return ragerrors.MalformedResponseError(
			fmt.Sprintf("provider returned %d vectors for %d inputs", len(vectors), inputs))
	}
	for i, v := range vectors {
		if len(v) == 0 || (dims > 0 && len(v) != dims) {
			return ragerrors.MalformedResponseError(
				fmt.Sprintf("vector %d has %d dimensions, expected %d", i, len(v), dims)).
				WithDetail("index", fmt.Sprint(i))
		}
	}
	return nil
}

// toFloat32 converts a provider vector and normalizes it.
func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return normalizeVector(out)
}
