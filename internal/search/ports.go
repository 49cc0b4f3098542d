package search

import (
	"context"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// VectorBackend answers nearest-neighbour queries against the collection
// selected by source. Results are best first.
type VectorBackend interface {
	VectorSearch(ctx context.Context, source memory.DataSource, vector []float32, filters memory.Filters, limit int) ([]memory.ScoredItem, error)
}

// LexicalBackend answers BM25 queries against the collection selected by
// source. Results are best first.
type LexicalBackend interface {
	LexicalSearch(ctx context.Context, source memory.DataSource, text string, filters memory.Filters, limit int) ([]memory.ScoredItem, error)
}

// LimitCeiling is implemented by backends that cannot return more than a
// fixed number of results per call, such as an HNSW index bounded by its
// search width.
type LimitCeiling interface {
	MaxLimit(source memory.DataSource) int
}

// QueryEmbedder turns query text into a vector for VectorBackend.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Backend is a store that serves both ports, like store.Store.
type Backend interface {
	VectorBackend
	LexicalBackend
}
