package search

import (
	"context"
	"fmt"

	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// Reranker rescores a final candidate list against the query. It returns
// a new list ordered by memory.Less with SourceRank set to the new
// positions; the input is not modified.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []memory.ScoredItem) ([]memory.ScoredItem, error)
}

// NoOpReranker keeps the fused order.
type NoOpReranker struct{}

// Rerank returns a copy of items.
func (NoOpReranker) Rerank(_ context.Context, _ string, items []memory.ScoredItem) ([]memory.ScoredItem, error) {
	out := make([]memory.ScoredItem, len(items))
	copy(out, items)
	return out, nil
}

// BatchEmbedder embeds a query and a batch of documents.
type BatchEmbedder interface {
	QueryEmbedder
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingReranker rescores by cosine similarity between the query
// embedding and each item's content embedding.
type EmbeddingReranker struct {
	embedder BatchEmbedder
}

// NewEmbeddingReranker creates a reranker over embedder.
func NewEmbeddingReranker(embedder BatchEmbedder) (*EmbeddingReranker, error) {
	if embedder == nil {
		return nil, ErrNilDependency
	}
	return &EmbeddingReranker{embedder: embedder}, nil
}

// Rerank embeds the query and every item, then orders by cosine similarity.
func (r *EmbeddingReranker) Rerank(ctx context.Context, query string, items []memory.ScoredItem) ([]memory.ScoredItem, error) {
	if len(items) == 0 {
		return []memory.ScoredItem{}, nil
	}

	q, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Item.Content()
	}
	vecs, err := r.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed candidates: %w", err)
	}
	if len(vecs) != len(items) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d candidates", len(vecs), len(items))
	}

	out := make([]memory.ScoredItem, len(items))
	for i, it := range items {
		out[i] = memory.ScoredItem{Item: it.Item, Score: embed.Cosine(q, vecs[i]), SourceRank: it.SourceRank}
	}
	memory.SortScored(out)
	memory.Rerank(out)
	return out, nil
}
