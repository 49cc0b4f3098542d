package embed

import (
	"fmt"
	"strings"
	"time"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
)

// ProviderType names an embedding provider.
type ProviderType string

const (
	// ProviderStatic uses hash-based embeddings (offline).
	ProviderStatic ProviderType = "static"
	// ProviderOllama uses a local Ollama server.
	ProviderOllama ProviderType = "ollama"
	// ProviderOpenAI uses any OpenAI-compatible endpoint.
	ProviderOpenAI ProviderType = "openai"
)

// Config selects and configures a provider.
type Config struct {
	Provider   string
	Model      string
	BaseURL    string
	APIKey     string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
	// CacheSize enables the LRU cache when positive.
	CacheSize int
}

// ParseProvider maps a config string to a ProviderType. Empty means static.
func ParseProvider(s string) (ProviderType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "static":
		return ProviderStatic, nil
	case "ollama":
		return ProviderOllama, nil
	case "openai", "siliconflow", "vllm":
		return ProviderOpenAI, nil
	}
	return "", fmt.Errorf("unknown embeddings provider %q (want static, ollama or openai)", s)
}

// ValidProviders lists the accepted provider names.
func ValidProviders() []string {
	return []string{string(ProviderStatic), string(ProviderOllama), string(ProviderOpenAI)}
}

// NewEmbedder builds the embedder described by cfg. Remote providers are
// wrapped in a circuit breaker; every provider is wrapped in the LRU cache
// when CacheSize > 0.
func NewEmbedder(cfg Config) (Embedder, error) {
	provider, err := ParseProvider(cfg.Provider)
	if err != nil {
		return nil, amerrors.ConfigError(err.Error(), err)
	}

	var e Embedder
	switch provider {
	case ProviderStatic:
		e = NewStaticEmbedder()
	case ProviderOllama:
		e = NewGuardedEmbedder(NewOllamaEmbedder(OllamaConfig{
			Host:       cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
		}), nil)
	case ProviderOpenAI:
		oe, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			BatchSize:  cfg.BatchSize,
		})
		if err != nil {
			return nil, amerrors.ConfigError(err.Error(), err).
				WithSuggestion("set embeddings.api_key or EVERMEM_EMBEDDINGS_API_KEY")
		}
		e = NewGuardedEmbedder(oe, nil)
	}

	if cfg.CacheSize > 0 {
		e = NewCachedEmbedder(e, cfg.CacheSize)
	}
	return e, nil
}
