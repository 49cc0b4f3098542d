package embed

import (
	"context"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
)

// GuardedEmbedder puts a circuit breaker in front of a remote embedder
// and tags failures as ERR_304_EMBEDDING_FAILED.
type GuardedEmbedder struct {
	Embedder
	breaker *amerrors.CircuitBreaker
}

// NewGuardedEmbedder wraps inner with breaker.
func NewGuardedEmbedder(inner Embedder, breaker *amerrors.CircuitBreaker) *GuardedEmbedder {
	if breaker == nil {
		breaker = amerrors.NewCircuitBreaker("embed:" + inner.ModelName())
	}
	return &GuardedEmbedder{Embedder: inner, breaker: breaker}
}

// Embed runs the inner Embed through the breaker.
func (g *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := amerrors.ExecuteWithResult(g.breaker, func() ([]float32, error) {
		return g.Embedder.Embed(ctx, text)
	})
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeEmbeddingFailed, "embedding failed", err)
	}
	return vec, nil
}

// EmbedBatch runs the inner EmbedBatch through the breaker.
func (g *GuardedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := amerrors.ExecuteWithResult(g.breaker, func() ([][]float32, error) {
		return g.Embedder.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeEmbeddingFailed, "batch embedding failed", err)
	}
	return vecs, nil
}
