package embedder

import (
	"fmt"

	"github.com/mfittko/rag-stack/internal/config"
)

// Default embedding models per backend.
const (
	defaultOllamaModel = "nomic-embed-text"
	defaultOpenAIModel = "text-embedding-3-small"
)

// New constructs the Batched embedder selected by cfg.EmbedProvider.
// The backend's raw vectors are validated against cfg.VectorDim on every
// call, so a provider switch that changes dimensions fails at ingest time
// with a clear error rather than corrupting the index.
func New(cfg *config.Config) (*Batched, error) {
	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return NewBatched(backend, cfg.VectorDim, cfg.EmbedConcurrency), nil
}

// newBackend resolves the raw provider client.
func newBackend(cfg *config.Config) (Embedder, error) {
	switch cfg.EmbedProvider {
	case "ollama":
		model := cfg.EmbedModel
		if model == "" {
			model = defaultOllamaModel
		}
		return NewOllamaEmbedder(&OllamaConfig{
			Host:  cfg.EmbedEndpoint,
			Model: model,
		}), nil

	case "openai":
		if cfg.EmbedAPIKey == "" {
			return nil, fmt.Errorf("embedder: openai requires EMBED_API_KEY")
		}
		model := cfg.EmbedModel
		if model == "" {
			model = defaultOpenAIModel
		}
		return NewOpenAIEmbedder(&OpenAIConfig{
			BaseURL:    cfg.EmbedEndpoint,
			APIKey:     cfg.EmbedAPIKey,
			Model:      model,
			Dimensions: cfg.VectorDim,
		}), nil

	default:
		return nil, fmt.Errorf("embedder: unknown provider %q (want openai or ollama)", cfg.EmbedProvider)
	}
}
