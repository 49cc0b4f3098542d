package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
	"github.com/blevesearch/bleve/v2/search/query"
)

const (
	// MemoryTokenizerName is the registered Han-aware tokenizer.
	MemoryTokenizerName = "memory_tokenizer"

	// MemoryStopFilterName is the registered stop/min-length filter type.
	MemoryStopFilterName = "memory_stop"

	memoryStopFilterInstance = "memory_stop_configured"

	// MemoryAnalyzerName is the default analyzer of every Bleve index here.
	MemoryAnalyzerName = "memory_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(MemoryTokenizerName, memoryTokenizerConstructor)
	_ = registry.RegisterTokenFilter(MemoryStopFilterName, memoryStopFilterConstructor)
}

// BleveBM25Index implements BM25Index on Bleve v2 with the same
// tokenization as SQLiteBM25Index.
type BleveBM25Index struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ BM25Index = (*BleveBM25Index)(nil)

// bleveDocument is the indexed shape.
type bleveDocument struct {
	Content string `json:"content"`
}

// validateIndexIntegrity returns an error when a Bleve directory exists but
// its index_meta.json is missing or unreadable.
func validateIndexIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(path, "index_meta.json"))
	if err != nil {
		return fmt.Errorf("index_meta.json unreadable: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("index_meta.json is empty")
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// NewBleveBM25Index opens or creates a Bleve index at path; an empty path
// gives an in-memory index. A corrupt directory is cleared and recreated.
func NewBleveBM25Index(path string, config BM25Config) (*BleveBM25Index, error) {
	indexMapping, err := createIndexMapping(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if validErr := validateIndexIntegrity(path); validErr != nil {
			slog.Warn("bleve_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if err := os.RemoveAll(path); err != nil {
				return nil, fmt.Errorf("BM25 index corrupted at %s and cannot remove: %w", path, err)
			}
		}

		idx, err = bleve.Open(path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &BleveBM25Index{index: idx, path: path}, nil
}

func createIndexMapping(config BM25Config) (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomTokenFilter(memoryStopFilterInstance, map[string]any{
		"type":       MemoryStopFilterName,
		"stop_words": config.StopWords,
		"min_length": float64(config.MinTokenLength),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add stop filter: %w", err)
	}

	err = indexMapping.AddCustomAnalyzer(MemoryAnalyzerName, map[string]any{
		"type":          custom.Name,
		"tokenizer":     MemoryTokenizerName,
		"token_filters": []string{memoryStopFilterInstance},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	indexMapping.DefaultAnalyzer = MemoryAnalyzerName
	return indexMapping, nil
}

// Index adds or replaces documents in one batch.
func (b *BleveBM25Index) Index(ctx context.Context, docs []*Document) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		if err := batch.Index(doc.ID, bleveDocument{Content: doc.Content}); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search runs a match query over content, best score first, id ascending
// on ties.
func (b *BleveBM25Index) Search(ctx context.Context, queryStr string, limit int) ([]*BM25Result, error) {
	return b.search(ctx, queryStr, nil, limit)
}

// SearchWithin conjoins the match query with a doc id query.
func (b *BleveBM25Index) SearchWithin(ctx context.Context, queryStr string, ids []string, limit int) ([]*BM25Result, error) {
	if len(ids) == 0 {
		return []*BM25Result{}, nil
	}
	return b.search(ctx, queryStr, ids, limit)
}

func (b *BleveBM25Index) search(ctx context.Context, queryStr string, ids []string, limit int) ([]*BM25Result, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}
	if strings.TrimSpace(queryStr) == "" || limit <= 0 {
		return []*BM25Result{}, nil
	}

	matchQuery := bleve.NewMatchQuery(queryStr)
	matchQuery.SetField("content")

	var q query.Query = matchQuery
	if ids != nil {
		q = bleve.NewConjunctionQuery(matchQuery, bleve.NewDocIDQuery(ids))
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.SortBy([]string{"-_score", "_id"})
	req.IncludeLocations = true

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*BM25Result, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &BM25Result{
			DocID:        hit.ID,
			Score:        hit.Score,
			MatchedTerms: matchedTerms(hit),
		})
	}
	return results, nil
}

// Delete removes documents.
func (b *BleveBM25Index) Delete(ctx context.Context, docIDs []string) error {
	if len(docIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("index is closed")
	}

	batch := b.index.NewBatch()
	for _, id := range docIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// AllIDs returns every indexed id in sorted order.
func (b *BleveBM25Index) AllIDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	docCount, err := b.index.DocCount()
	if err != nil {
		return nil, err
	}
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(docCount)
	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to search for all IDs: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	sort.Strings(ids)
	return ids, nil
}

// Stats returns the document count.
func (b *BleveBM25Index) Stats() *IndexStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return &IndexStats{}
	}
	docCount, _ := b.index.DocCount()
	return &IndexStats{DocumentCount: int(docCount)}
}

// Save is a no-op; Bleve persists on every batch.
func (b *BleveBM25Index) Save(string) error { return nil }

// Close closes the index. Idempotent.
func (b *BleveBM25Index) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func matchedTerms(hit *search.DocumentMatch) []string {
	var terms []string
	for term := range hit.Locations["content"] {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	return terms
}

func memoryTokenizerConstructor(map[string]any, *registry.Cache) (analysis.Tokenizer, error) {
	return memoryTokenizer{}, nil
}

// memoryTokenizer adapts tokenizeSpans to Bleve.
type memoryTokenizer struct{}

func (memoryTokenizer) Tokenize(input []byte) analysis.TokenStream {
	spans := tokenizeSpans(string(input))
	stream := make(analysis.TokenStream, 0, len(spans))
	for i, s := range spans {
		typ := analysis.AlphaNumeric
		if isHan(s.term) {
			typ = analysis.Ideographic
		}
		stream = append(stream, &analysis.Token{
			Term:     []byte(s.term),
			Start:    s.start,
			End:      s.end,
			Position: i + 1,
			Type:     typ,
		})
	}
	return stream
}

func memoryStopFilterConstructor(config map[string]any, _ *registry.Cache) (analysis.TokenFilter, error) {
	var words []string
	switch v := config["stop_words"].(type) {
	case []string:
		words = v
	case []any:
		for _, w := range v {
			if s, ok := w.(string); ok {
				words = append(words, s)
			}
		}
	}
	minLen := 1
	if v, ok := config["min_length"].(float64); ok && v > 0 {
		minLen = int(v)
	}
	return &memoryStopFilter{stopWords: BuildStopWordMap(words), minLen: minLen}, nil
}

// memoryStopFilter applies keepTerm to a token stream.
type memoryStopFilter struct {
	stopWords map[string]struct{}
	minLen    int
}

func (f *memoryStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, tok := range input {
		if keepTerm(string(tok.Term), f.stopWords, f.minLen) {
			result = append(result, tok)
		}
	}
	return result
}
