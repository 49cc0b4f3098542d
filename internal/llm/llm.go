// Package llm provides the single-turn chat completion clients used by the
// sufficiency judge and the query rewriter.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
)

const (
	// DefaultTemperature keeps judge output deterministic.
	DefaultTemperature = 0.0
	// DefaultMaxTokens bounds a judge or rewrite response.
	DefaultMaxTokens = 500
	// DefaultTimeout bounds one completion call.
	DefaultTimeout = 60 * time.Second
	// DefaultRequestsPerSecond is the client-side rate limit.
	DefaultRequestsPerSecond = 10.0
)

// ChatCompleter sends one user prompt and returns the model's text.
type ChatCompleter interface {
	ChatComplete(ctx context.Context, prompt string) (string, error)
}

// CompleterFunc adapts a function to ChatCompleter.
type CompleterFunc func(ctx context.Context, prompt string) (string, error)

// ChatComplete calls f.
func (f CompleterFunc) ChatComplete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Config selects and tunes an LLM provider.
type Config struct {
	Provider          string
	Model             string
	BaseURL           string
	APIKey            string
	Temperature       float32
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerSecond float64
}

// New builds the completer described by cfg, wrapped with rate limiting
// and a circuit breaker.
func New(cfg Config) (ChatCompleter, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var inner ChatCompleter
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "deepseek", "siliconflow", "vllm", "":
		c, err := NewOpenAIClient(cfg)
		if err != nil {
			return nil, amerrors.ConfigError(err.Error(), err).
				WithSuggestion("set llm.api_key or EVERMEM_LLM_API_KEY")
		}
		inner = c
	case "ollama":
		inner = NewOllamaClient(cfg)
	default:
		err := fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
		return nil, amerrors.ConfigError(err.Error(), err)
	}

	return NewGuarded(inner, cfg.RequestsPerSecond, nil), nil
}
