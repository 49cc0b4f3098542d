package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

const (
	itemsFile   = "items.db"
	vectorsFile = "vectors.hnsw"
	bm25Base    = "bm25"
	lockFile    = ".lock"
)

// Options configures Open.
type Options struct {
	// DataDir holds all index files. Empty keeps everything in memory.
	DataDir string

	// ReadOnly takes a shared lock and rejects Add.
	ReadOnly bool

	BM25Backend BM25Backend
	BM25        BM25Config

	// EfSearch is the HNSW search width and per-call result ceiling.
	EfSearch int

	Logger *slog.Logger
}

// collection is the pair of indexes behind one DataSource.
type collection struct {
	source  memory.DataSource
	vectors *HNSWStore
	lexical BM25Index
}

// Store is the on-disk memory index: one vector and one lexical index per
// data source plus a shared item table. It satisfies the vector and lexical
// backend ports of the retriever.
type Store struct {
	mu          sync.RWMutex
	opts        Options
	embedder    embed.Embedder
	items       *ItemStore
	collections map[memory.DataSource]*collection
	lock        *flock.Flock
	logger      *slog.Logger
	closed      bool
}

// Open opens or creates the store. embedder is used by Add and fixes the
// vector dimension; a saved index with another dimension fails with
// ERR_402_DIMENSION_MISMATCH.
func Open(ctx context.Context, opts Options, embedder embed.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, amerrors.InvalidArgument("store needs an embedder")
	}
	if opts.EfSearch <= 0 {
		opts.EfSearch = DefaultEfSearch
	}
	if opts.BM25.StopWords == nil && opts.BM25.MinTokenLength == 0 {
		opts.BM25 = DefaultBM25Config()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dims := embedder.Dimensions()
	if dims == 0 {
		// Remote embedders learn their dimension from the first response.
		probe, err := embedder.Embed(ctx, "dimension probe")
		if err != nil {
			return nil, amerrors.New(amerrors.ErrCodeEmbeddingFailed, "cannot determine embedding dimension", err)
		}
		dims = len(probe)
	}

	s := &Store{
		opts:        opts,
		embedder:    embedder,
		collections: make(map[memory.DataSource]*collection),
		logger:      logger,
	}

	if opts.DataDir != "" {
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return nil, amerrors.New(amerrors.ErrCodeIndexOpen, "cannot create data dir", err)
		}
		if err := s.acquireLock(); err != nil {
			return nil, err
		}
	}

	itemsPath := ""
	if opts.DataDir != "" {
		itemsPath = filepath.Join(opts.DataDir, itemsFile)
	}
	items, err := NewItemStore(itemsPath)
	if err != nil {
		s.releaseLock()
		return nil, amerrors.New(amerrors.ErrCodeIndexOpen, "cannot open item store", err)
	}
	s.items = items

	for _, source := range memory.DataSources() {
		c, err := s.openCollection(source, dims)
		if err != nil {
			s.shutdown()
			return nil, err
		}
		s.collections[source] = c
	}
	return s, nil
}

func (s *Store) acquireLock() error {
	s.lock = flock.New(filepath.Join(s.opts.DataDir, lockFile))
	var ok bool
	var err error
	if s.opts.ReadOnly {
		ok, err = s.lock.TryRLock()
	} else {
		ok, err = s.lock.TryLock()
	}
	if err != nil {
		return amerrors.New(amerrors.ErrCodeIndexOpen, "cannot lock data dir", err)
	}
	if !ok {
		return amerrors.New(amerrors.ErrCodeLockHeld, fmt.Sprintf("data dir %s is locked by another process", s.opts.DataDir), nil)
	}
	return nil
}

func (s *Store) releaseLock() {
	if s.lock != nil {
		_ = s.lock.Unlock()
	}
}

func (s *Store) collectionDir(source memory.DataSource) string {
	if s.opts.DataDir == "" {
		return ""
	}
	return filepath.Join(s.opts.DataDir, source.Collection())
}

func (s *Store) openCollection(source memory.DataSource, dims int) (*collection, error) {
	cfg := DefaultVectorStoreConfig(dims)
	cfg.EfSearch = s.opts.EfSearch
	vectors, err := NewHNSWStore(cfg)
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeIndexOpen, "cannot create vector index", err)
	}

	dir := s.collectionDir(source)
	if dir != "" {
		vecPath := filepath.Join(dir, vectorsFile)
		saved, err := ReadHNSWDimensions(vecPath)
		if err != nil {
			return nil, amerrors.New(amerrors.ErrCodeIndexOpen, "cannot read vector index", err)
		}
		if saved != 0 && saved != dims {
			return nil, amerrors.New(amerrors.ErrCodeDimensionMismatch,
				ErrDimensionMismatch{Expected: dims, Got: saved}.Error(), nil).
				WithDetail("collection", source.Collection())
		}
		if saved != 0 {
			if err := vectors.Load(vecPath); err != nil {
				return nil, amerrors.New(amerrors.ErrCodeIndexOpen, "cannot load vector index", err)
			}
		}
	}

	base := ""
	if dir != "" {
		base = filepath.Join(dir, bm25Base)
	}
	lexical, err := NewBM25Index(base, s.opts.BM25, s.opts.BM25Backend)
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeIndexOpen, "cannot open lexical index", err).
			WithDetail("collection", source.Collection())
	}
	return &collection{source: source, vectors: vectors, lexical: lexical}, nil
}

func (s *Store) collection(source memory.DataSource) (*collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}
	c, ok := s.collections[source]
	if !ok {
		return nil, amerrors.InvalidArgument("unknown data source %v", source)
	}
	return c, nil
}

// Add embeds and indexes items, routing each to the collection of its kind.
func (s *Store) Add(ctx context.Context, items []memory.MemoryItem) error {
	if s.opts.ReadOnly {
		return fmt.Errorf("store opened read-only")
	}

	bySource := make(map[memory.DataSource][]memory.MemoryItem)
	for _, item := range items {
		switch item.Kind {
		case memory.KindEpisode:
			bySource[memory.SourceMemCell] = append(bySource[memory.SourceMemCell], item)
		case memory.KindEventLog:
			bySource[memory.SourceEventLog] = append(bySource[memory.SourceEventLog], item)
		default:
			return amerrors.InvalidArgument("item %s has unknown kind %q", item.ID, item.Kind)
		}
	}

	for _, source := range memory.DataSources() {
		batch := bySource[source]
		if len(batch) == 0 {
			continue
		}
		c, err := s.collection(source)
		if err != nil {
			return err
		}

		texts := make([]string, len(batch))
		ids := make([]string, len(batch))
		docs := make([]*Document, len(batch))
		for i, item := range batch {
			texts[i] = item.SearchText()
			ids[i] = item.ID
			docs[i] = &Document{ID: item.ID, Content: texts[i]}
		}

		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed %s items: %w", source.Collection(), err)
		}
		if err := s.items.Put(ctx, source.Collection(), batch); err != nil {
			return err
		}
		if err := c.vectors.Add(ctx, ids, vecs); err != nil {
			return err
		}
		if err := c.lexical.Index(ctx, docs); err != nil {
			return err
		}
		s.logger.Debug("items_indexed",
			slog.String("collection", source.Collection()),
			slog.Int("count", len(batch)))
	}
	return nil
}

// candidates resolves filters to the ids they admit in source's
// collection. restricted is false when there are no filters.
func (s *Store) candidates(ctx context.Context, source memory.DataSource, filters memory.Filters) (ids []string, restricted bool, err error) {
	if len(filters) == 0 {
		return nil, false, nil
	}
	ids, err = s.items.MatchingIDs(ctx, source.Collection(), filters)
	return ids, true, err
}

// hydrate resolves ranked ids to items, drops filter misses and assigns
// 1-based source ranks.
func (s *Store) hydrate(ctx context.Context, source memory.DataSource, ids []string, scores []float64, filters memory.Filters, limit int) ([]memory.ScoredItem, error) {
	found, err := s.items.Get(ctx, source.Collection(), ids)
	if err != nil {
		return nil, err
	}

	out := make([]memory.ScoredItem, 0, min(limit, len(ids)))
	for i, id := range ids {
		item, ok := found[id]
		if !ok {
			s.logger.Debug("index_item_missing", slog.String("id", id), slog.String("collection", source.Collection()))
			continue
		}
		if !filters.Match(item) {
			continue
		}
		out = append(out, memory.ScoredItem{Item: item, Score: scores[i], SourceRank: len(out) + 1})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// VectorSearch returns the nearest items in source's collection, best first.
// With filters, the matching ids are resolved first and scored exactly, so
// a group's items are never crowded out by other groups.
func (s *Store) VectorSearch(ctx context.Context, source memory.DataSource, vector []float32, filters memory.Filters, limit int) ([]memory.ScoredItem, error) {
	c, err := s.collection(source)
	if err != nil {
		return nil, err
	}
	limit = min(limit, c.vectors.MaxK())
	if limit <= 0 {
		return []memory.ScoredItem{}, nil
	}

	allowed, restricted, err := s.candidates(ctx, source, filters)
	if err != nil {
		return nil, err
	}
	var hits []*VectorResult
	if restricted {
		hits, err = c.vectors.SearchAmong(ctx, vector, allowed, limit)
	} else {
		hits, err = c.vectors.Search(ctx, vector, limit)
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[i] = float64(h.Score)
	}
	return s.hydrate(ctx, source, ids, scores, filters, limit)
}

// LexicalSearch returns BM25 matches in source's collection, best first.
// Filters restrict the BM25 query itself.
func (s *Store) LexicalSearch(ctx context.Context, source memory.DataSource, text string, filters memory.Filters, limit int) ([]memory.ScoredItem, error) {
	c, err := s.collection(source)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []memory.ScoredItem{}, nil
	}

	allowed, restricted, err := s.candidates(ctx, source, filters)
	if err != nil {
		return nil, err
	}
	var hits []*BM25Result
	if restricted {
		hits, err = c.lexical.SearchWithin(ctx, text, allowed, limit)
	} else {
		hits, err = c.lexical.Search(ctx, text, limit)
	}
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(hits))
	scores := make([]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.DocID
		scores[i] = h.Score
	}
	return s.hydrate(ctx, source, ids, scores, filters, limit)
}

// MaxLimit is the largest limit VectorSearch honours for source.
func (s *Store) MaxLimit(source memory.DataSource) int {
	c, err := s.collection(source)
	if err != nil {
		return 0
	}
	return c.vectors.MaxK()
}

// Count returns the number of vectors in source's collection.
func (s *Store) Count(source memory.DataSource) int {
	c, err := s.collection(source)
	if err != nil {
		return 0
	}
	return c.vectors.Count()
}

// Save persists every collection. In-memory stores have nothing to save.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.opts.DataDir == "" || s.opts.ReadOnly {
		return nil
	}
	for _, c := range s.collections {
		dir := s.collectionDir(c.source)
		if err := c.vectors.Save(filepath.Join(dir, vectorsFile)); err != nil {
			return fmt.Errorf("save %s vectors: %w", c.source.Collection(), err)
		}
		if err := c.lexical.Save(""); err != nil {
			return fmt.Errorf("save %s lexical index: %w", c.source.Collection(), err)
		}
	}
	return nil
}

// Close saves writable stores, closes every index and releases the lock.
func (s *Store) Close() error {
	saveErr := s.Save()
	s.shutdown()
	return saveErr
}

func (s *Store) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	for _, c := range s.collections {
		_ = c.vectors.Close()
		_ = c.lexical.Close()
	}
	if s.items != nil {
		_ = s.items.Close()
	}
	s.releaseLock()
}
