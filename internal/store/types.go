// Package store holds the per-collection indexes behind the retrieval
// backends: an HNSW vector index, a BM25 lexical index (SQLite FTS5 or
// Bleve) and a SQLite item table that hydrates ids back to memory items.
package store

import (
	"context"
	"fmt"
)

// Document is a unit of text in a BM25 index.
type Document struct {
	ID      string
	Content string
}

// BM25Result is a single lexical hit. Higher Score is better.
type BM25Result struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// IndexStats describes a BM25 index.
type IndexStats struct {
	DocumentCount int
}

// BM25Index provides keyword search using BM25 scoring.
type BM25Index interface {
	// Index adds or replaces documents.
	Index(ctx context.Context, docs []*Document) error

	// Search returns documents matching query, best first.
	Search(ctx context.Context, query string, limit int) ([]*BM25Result, error)

	// SearchWithin is Search restricted to the given document ids. An empty
	// id list matches nothing.
	SearchWithin(ctx context.Context, query string, ids []string, limit int) ([]*BM25Result, error)

	// Delete removes documents.
	Delete(ctx context.Context, docIDs []string) error

	// AllIDs returns every indexed document id.
	AllIDs() ([]string, error)

	Stats() *IndexStats
	Save(path string) error
	Close() error
}

// BM25Config configures tokenization for a BM25 index.
type BM25Config struct {
	// StopWords are dropped at index and query time.
	StopWords []string

	// MinTokenLength is the minimum length of non-Han terms (default: 2).
	MinTokenLength int
}

// DefaultBM25Config returns the conversational-text defaults.
func DefaultBM25Config() BM25Config {
	return BM25Config{
		StopWords:      DefaultStopWords,
		MinTokenLength: 2,
	}
}

// DefaultStopWords are high-frequency English and Chinese function words.
var DefaultStopWords = []string{
	"the", "an", "and", "or", "of", "to", "in", "on", "at", "is", "are",
	"was", "were", "be", "it", "that", "this", "what", "when", "did", "do",
	"does", "how", "who", "with", "for", "about",
	"的", "了", "吗", "呢", "是", "在", "和", "我", "你", "他", "她",
}

// VectorResult is a single nearest-neighbour hit.
type VectorResult struct {
	ID       string
	Distance float32 // lower is closer (0-2 for cosine)
	Score    float32 // similarity in [0, 1]
}

// VectorStoreConfig configures an HNSW index.
type VectorStoreConfig struct {
	Dimensions int

	// Metric is "cos" or "l2" (default: "cos").
	Metric string

	// M is the max connections per layer (default: 16).
	M int

	// EfSearch is the query-time search width (default: 64). It is also the
	// largest result count a single search may request.
	EfSearch int
}

// DefaultVectorStoreConfig returns defaults for dimensions.
func DefaultVectorStoreConfig(dimensions int) VectorStoreConfig {
	return VectorStoreConfig{
		Dimensions: dimensions,
		Metric:     "cos",
		M:          16,
		EfSearch:   DefaultEfSearch,
	}
}

// DefaultEfSearch is the default HNSW search width.
const DefaultEfSearch = 64

// VectorStore provides approximate nearest-neighbour search.
type VectorStore interface {
	// Add inserts vectors; existing ids are replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds the k nearest neighbours of query.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// SearchAmong ranks only the given ids, exactly.
	SearchAmong(ctx context.Context, query []float32, ids []string, k int) ([]*VectorResult, error)

	Delete(ctx context.Context, ids []string) error
	Contains(id string) bool
	Count() int

	// MaxK is the largest k Search honours.
	MaxK() int

	Save(path string) error
	Load(path string) error
	Close() error
}

// ErrDimensionMismatch indicates vector dimension mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d (rebuild the index with the current embedder)", e.Expected, e.Got)
}
