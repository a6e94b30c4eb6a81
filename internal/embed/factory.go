package embed

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/pdfrag/internal/config"
)

// New creates the embedder selected by the configuration. Remote providers
// fail fast on missing credentials; ollama fails when the server or model is
// unavailable. There is no silent fallback to another provider.
func New(ctx context.Context, cfg config.EmbeddingsConfig) (Embedder, error) {
	provider, err := ParseProvider(cfg.Provider)
	if err != nil {
		return nil, err
	}

	var embedder Embedder
	switch provider {
	case ProviderVoyage, ProviderOpenAI:
		embedder, err = NewRemoteEmbedder(remoteConfig(provider, cfg))
	case ProviderGemini:
		embedder, err = NewGeminiEmbedder(ctx, remoteConfig(provider, cfg))
	case ProviderOllama:
		embedder, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:      cfg.OllamaHost,
			Model:     cfg.Model,
			BatchSize: cfg.BatchSize,
			Timeout:   cfg.Timeout,
		})
	default:
		embedder = NewStaticEmbedder()
	}
	if err != nil {
		return nil, err
	}

	slog.Debug("embedder_selected",
		slog.String("provider", provider.String()),
		slog.String("model", embedder.ModelName()),
		slog.Int("dimensions", embedder.Dimensions()))

	return embedder, nil
}

// NewQueryEmbedder creates the embedder used for search queries, wrapped in
// an LRU cache of cacheSize entries.
func NewQueryEmbedder(ctx context.Context, cfg config.EmbeddingsConfig, cacheSize int) (Embedder, error) {
	inner, err := New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewCachedEmbedder(inner, cacheSize), nil
}

func remoteConfig(provider ProviderType, cfg config.EmbeddingsConfig) RemoteConfig {
	rc := RemoteConfig{
		Provider:          provider,
		Model:             cfg.Model,
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
	switch provider {
	case ProviderVoyage:
		rc.APIKey = cfg.Credentials.VoyageAPIKey
	case ProviderOpenAI:
		rc.APIKey = cfg.Credentials.OpenAIAPIKey
	case ProviderGemini:
		rc.APIKey = cfg.Credentials.GeminiAPIKey
	}
	return rc
}
