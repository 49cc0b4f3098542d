package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zhisenyang/EverMemOS-sub003/internal/agentic"
	"github.com/zhisenyang/EverMemOS-sub003/internal/batch"
	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	"github.com/zhisenyang/EverMemOS-sub003/internal/judge"
	"github.com/zhisenyang/EverMemOS-sub003/internal/llm"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/search"
	"github.com/zhisenyang/EverMemOS-sub003/internal/store"
)

// Checkpoint file names under the configured checkpoint directory.
const (
	CheckpointFile   = "search_checkpoint.json"
	CheckpointSQLite = "search_checkpoint.db"
)

// ErrClosed is returned by calls on a closed Searcher.
var ErrClosed = errors.New("searcher is closed")

// Embedder is what the Searcher needs from an embedding provider: query
// vectors for the vector pass and batches for the reranker.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the engine's entry point. It owns the store, the embedder,
// the LLM client and the orchestrator built from one Config.
//
// Safe for concurrent use.
type Searcher struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.Store
	retriever *search.Retriever
	orch      *agentic.Orchestrator
	closers   []func() error

	checkpoint batch.CheckpointStore
	progress   func(batch.Progress)

	mu     sync.RWMutex
	closed bool
}

type options struct {
	logger     *slog.Logger
	backend    search.Backend
	embedder   Embedder
	completer  llm.ChatCompleter
	checkpoint batch.CheckpointStore
	progress   func(batch.Progress)
	readOnly   bool
}

// Option configures New.
type Option func(*options)

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBackend replaces the on-disk store with backend and embedder.
func WithBackend(backend search.Backend, embedder Embedder) Option {
	return func(o *options) {
		o.backend = backend
		o.embedder = embedder
	}
}

// WithEmbedder replaces the configured embedding provider.
func WithEmbedder(embedder Embedder) Option {
	return func(o *options) { o.embedder = embedder }
}

// WithCompleter replaces the configured LLM client.
func WithCompleter(c llm.ChatCompleter) Option {
	return func(o *options) { o.completer = c }
}

// WithCheckpointStore replaces the checkpoint store chosen by
// batch.checkpoint_backend.
func WithCheckpointStore(cs batch.CheckpointStore) Option {
	return func(o *options) { o.checkpoint = cs }
}

// WithProgress receives batch progress events.
func WithProgress(fn func(batch.Progress)) Option {
	return func(o *options) { o.progress = fn }
}

// WithReadOnly opens the store with a shared lock so several searchers
// can serve the same data directory.
func WithReadOnly() Option {
	return func(o *options) { o.readOnly = true }
}

// New builds a Searcher from cfg. cfg must already be validated.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Searcher, error) {
	if cfg == nil {
		return nil, errors.New("searcher: config is nil")
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	s := &Searcher{cfg: cfg, logger: o.logger, progress: o.progress}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	embedder := o.embedder
	if embedder == nil {
		e, err := embed.NewEmbedder(EmbedderConfig(cfg))
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, e.Close)
		embedder = e
	}

	backend := o.backend
	if backend == nil {
		full, isFull := embedder.(embed.Embedder)
		if !isFull {
			return nil, fmt.Errorf("searcher: the store needs a full embed.Embedder, got %T", embedder)
		}
		bm25Backend, err := store.ParseBM25Backend(cfg.Storage.BM25Backend)
		if err != nil {
			return nil, err
		}
		st, err := store.Open(ctx, store.Options{
			DataDir:     cfg.Storage.DataDir,
			ReadOnly:    o.readOnly,
			BM25Backend: bm25Backend,
			EfSearch:    cfg.Retrieval.EfSearch,
			Logger:      o.logger,
		}, full)
		if err != nil {
			return nil, err
		}
		s.store = st
		s.closers = append(s.closers, st.Close)
		backend = st
	}

	retriever, err := search.NewRetriever(backend, backend, embedder, search.Config{
		DefaultLimit:   cfg.Retrieval.TopK,
		MaxLimit:       cfg.Retrieval.MaxLimit,
		RRFConstant:    cfg.Retrieval.RRFK,
		ScoreThreshold: cfg.Retrieval.ScoreThreshold,
	}, search.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	s.retriever = retriever

	orchOpts := []agentic.Option{
		agentic.WithConfig(agenticConfig(cfg)),
		agentic.WithRRFConstant(cfg.Retrieval.RRFK),
		agentic.WithLogger(o.logger),
	}
	if cfg.Agentic.UseReranker {
		rr, err := search.NewEmbeddingReranker(embedder)
		if err != nil {
			return nil, err
		}
		orchOpts = append(orchOpts, agentic.WithReranker(rr))
	}

	var sufficiency agentic.SufficiencyJudge
	if cfg.Agentic.EnableMultiQuery {
		completer := o.completer
		if completer == nil {
			completer, err = llm.New(LLMConfig(cfg))
			if err != nil {
				return nil, err
			}
		}
		judgeOpts := []judge.Option{
			judge.WithMaxQueries(cfg.Agentic.MaxRewrittenQueries),
			judge.WithLogger(o.logger),
		}
		j, err := judge.New(completer, judgeOpts...)
		if err != nil {
			return nil, err
		}
		rw, err := judge.NewRewriter(completer, judgeOpts...)
		if err != nil {
			return nil, err
		}
		sufficiency = j
		orchOpts = append(orchOpts, agentic.WithRewriter(rw))
	}

	orch, err := agentic.New(retriever, sufficiency, orchOpts...)
	if err != nil {
		return nil, err
	}
	s.orch = orch

	s.checkpoint = o.checkpoint
	if s.checkpoint == nil {
		cs, closeFn, err := openCheckpoint(cfg)
		if err != nil {
			return nil, err
		}
		s.checkpoint = cs
		if closeFn != nil {
			s.closers = append(s.closers, closeFn)
		}
	}

	ok = true
	s.logger.Info("searcher_ready",
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.String("mode", cfg.Retrieval.Mode),
		slog.String("data_source", cfg.Retrieval.DataSource),
		slog.Bool("multi_query", cfg.Agentic.EnableMultiQuery),
		slog.Bool("reranker", cfg.Agentic.UseReranker))
	return s, nil
}

func agenticConfig(cfg *config.Config) agentic.Config {
	return agentic.Config{
		Round1TopN:           cfg.Agentic.Round1TopN,
		Round2PerQueryTopN:   cfg.Agentic.Round2PerQueryTopN,
		UseReranker:          cfg.Agentic.UseReranker,
		EnableMultiQuery:     cfg.Agentic.EnableMultiQuery,
		MaxRounds:            cfg.Agentic.MaxRounds,
		MaxDocsInJudgePrompt: cfg.Agentic.MaxDocsInJudgePrompt,
		MaxRewrittenQueries:  cfg.Agentic.MaxRewrittenQueries,
		JudgeTimeout:         cfg.Agentic.JudgeTimeout,
	}
}

func openCheckpoint(cfg *config.Config) (batch.CheckpointStore, func() error, error) {
	dir := cfg.CheckpointDir()
	switch strings.ToLower(cfg.Batch.CheckpointBackend) {
	case "sqlite":
		cs, err := batch.NewSQLiteCheckpointStore(filepath.Join(dir, CheckpointSQLite))
		if err != nil {
			return nil, nil, err
		}
		return cs, cs.Close, nil
	default:
		return batch.NewFileCheckpointStore(filepath.Join(dir, CheckpointFile)), nil, nil
	}
}

// Config returns the configuration the Searcher was built from.
func (s *Searcher) Config() *config.Config { return s.cfg }

// Store returns the owned store, or nil when a backend was injected.
func (s *Searcher) Store() *store.Store { return s.store }

// Retrieve answers one query. topK 0 means retrieval.top_k. Backend
// failures, judge failures and empty results are reported in
// retrieval_metadata; an error is returned only for invalid arguments or a
// cancelled ctx.
func (s *Searcher) Retrieve(ctx context.Context, query string, source memory.DataSource, mode memory.RetrievalMode, topK int, filters memory.Filters) (memory.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return memory.SearchResult{}, ErrClosed
	}
	if topK == 0 {
		topK = s.cfg.Retrieval.TopK
	}
	return s.orch.Run(ctx, agentic.Request{
		Query:   query,
		Source:  source,
		Mode:    mode,
		Filters: filters,
		Limit:   topK,
	})
}

// RetrieveSinglePass runs one retrieval pass with no judge and no second
// round.
func (s *Searcher) RetrieveSinglePass(ctx context.Context, query string, source memory.DataSource, mode memory.RetrievalMode, topK int, filters memory.Filters) (memory.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return memory.SearchResult{}, ErrClosed
	}
	cfg := s.orch.Config()
	cfg.EnableMultiQuery = false
	if topK == 0 {
		topK = s.cfg.Retrieval.TopK
	}
	return s.orch.RunWithConfig(ctx, agentic.Request{
		Query:   query,
		Source:  source,
		Mode:    mode,
		Filters: filters,
		Limit:   topK,
	}, cfg)
}

// RunBatch answers queries with at most concurrency in flight (0 means
// batch.concurrency). Progress is checkpointed per conversation, so an
// interrupted batch resumes where it stopped.
func (s *Searcher) RunBatch(ctx context.Context, queries []memory.Query, concurrency int) ([]memory.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	bcfg, err := s.BatchConfig(concurrency)
	if err != nil {
		return nil, err
	}
	opts := []batch.Option{batch.WithLogger(s.logger), batch.WithCheckpoint(s.checkpoint)}
	if s.progress != nil {
		opts = append(opts, batch.WithProgress(s.progress))
	}
	runner, err := batch.NewRunner(s.orch, bcfg, opts...)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx, queries)
}

// BatchConfig returns the batch settings RunBatch uses. concurrency <= 0
// takes the configured value.
func (s *Searcher) BatchConfig(concurrency int) (batch.Config, error) {
	source, err := memory.ParseDataSource(s.cfg.Retrieval.DataSource)
	if err != nil {
		return batch.Config{}, err
	}
	mode, err := memory.ParseRetrievalMode(s.cfg.Retrieval.Mode)
	if err != nil {
		return batch.Config{}, err
	}
	if concurrency <= 0 {
		concurrency = s.cfg.Batch.Concurrency
	}
	return batch.Config{
		Concurrency:         concurrency,
		MaxAttempts:         s.cfg.Batch.MaxAttempts,
		AttemptTimeout:      s.cfg.Batch.AttemptTimeout,
		RetryDelay:          s.cfg.Batch.RetryDelay,
		Source:              source,
		Mode:                mode,
		Limit:               s.cfg.Retrieval.TopK,
		ScopeToConversation: s.cfg.Batch.ScopeToConversation,
	}, nil
}

// Add indexes items into the owned store.
func (s *Searcher) Add(ctx context.Context, items []memory.MemoryItem) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	if s.store == nil {
		return errors.New("searcher: no owned store to add to")
	}
	return s.store.Add(ctx, items)
}

// Close releases the store, the checkpoint store and the embedder.
// It is safe to call more than once.
func (s *Searcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EmbedderConfig maps the embeddings section of cfg to an embedder config.
func EmbedderConfig(cfg *config.Config) embed.Config {
	return embed.Config{
		Provider:   cfg.Embeddings.Provider,
		Model:      cfg.Embeddings.Model,
		BaseURL:    cfg.Embeddings.BaseURL,
		APIKey:     cfg.Embeddings.APIKey,
		Dimensions: cfg.Embeddings.Dimensions,
		BatchSize:  cfg.Embeddings.BatchSize,
		Timeout:    cfg.Embeddings.Timeout,
		CacheSize:  cfg.Embeddings.CacheSize,
	}
}

// LLMConfig maps the llm section of cfg to a completer config.
func LLMConfig(cfg *config.Config) llm.Config {
	return llm.Config{
		Provider:          cfg.LLM.Provider,
		Model:             cfg.LLM.Model,
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Temperature:       cfg.LLM.Temperature,
		MaxTokens:         cfg.LLM.MaxTokens,
		Timeout:           cfg.LLM.Timeout,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	}
}
