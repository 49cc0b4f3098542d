package search

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("required dependency is nil")

const (
	// DefaultLimit is used when a caller passes limit 0.
	DefaultLimit = 10
	// DefaultMaxLimit caps any single pass.
	DefaultMaxLimit = 100
)

// Config tunes a Retriever.
type Config struct {
	DefaultLimit int
	MaxLimit     int
	RRFConstant  int
	// ScoreThreshold drops candidates scoring below it after fusion.
	// 0 disables the filter.
	ScoreThreshold float64
}

// DefaultConfig returns the standard retriever settings.
func DefaultConfig() Config {
	return Config{
		DefaultLimit: DefaultLimit,
		MaxLimit:     DefaultMaxLimit,
		RRFConstant:  DefaultRRFConstant,
	}
}

// Retriever runs one retrieval pass: route, fan out to the backends, fuse.
// Backend failures are recorded in the metadata, never returned.
type Retriever struct {
	vector   VectorBackend
	lexical  LexicalBackend
	embedder QueryEmbedder
	router   Router
	config   Config
	logger   *slog.Logger
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RetrieverOption {
	return func(r *Retriever) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRetriever creates a Retriever. Zero config fields take defaults.
func NewRetriever(vector VectorBackend, lexical LexicalBackend, embedder QueryEmbedder, cfg Config, opts ...RetrieverOption) (*Retriever, error) {
	if vector == nil || lexical == nil || embedder == nil {
		return nil, ErrNilDependency
	}
	def := DefaultConfig()
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = def.DefaultLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.RRFConstant <= 0 {
		cfg.RRFConstant = def.RRFConstant
	}

	r := &Retriever{
		vector:   vector,
		lexical:  lexical,
		embedder: embedder,
		config:   cfg,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// effectiveLimit resolves 0 to the default and clamps to the configured
// maximum and to the vector backend's ceiling when the plan uses it.
func (r *Retriever) effectiveLimit(plan QueryPlan, limit int) int {
	if limit == 0 {
		limit = r.config.DefaultLimit
	}
	limit = min(limit, r.config.MaxLimit)
	if plan.UseVector {
		if c, ok := r.vector.(LimitCeiling); ok {
			if ceiling := c.MaxLimit(plan.Source); ceiling > 0 && limit > ceiling {
				r.logger.Debug("limit_clamped",
					slog.Int("requested", limit),
					slog.Int("ceiling", ceiling),
					slog.String("data_source", plan.Source.String()))
				limit = ceiling
			}
		}
	}
	return limit
}

// Retrieve runs one pass of mode over source. Only caller errors (negative
// limit, unknown mode or source, malformed filters) are returned; backend
// failures degrade and land in meta["error"].
func (r *Retriever) Retrieve(ctx context.Context, query string, source memory.DataSource, mode memory.RetrievalMode, filters memory.Filters, limit int) ([]memory.ScoredItem, map[string]any, error) {
	start := time.Now()
	meta := map[string]any{
		memory.MetaRetrievalMode: mode.String(),
		memory.MetaDataSource:    source.String(),
	}

	if limit < 0 {
		return nil, meta, amerrors.InvalidArgument("limit must not be negative, got %d", limit)
	}
	plan, err := r.router.Plan(mode, source)
	if err != nil {
		return nil, meta, err
	}
	if err := filters.Validate(); err != nil {
		return nil, meta, amerrors.InvalidArgument("%v", err)
	}
	limit = r.effectiveLimit(plan, limit)

	query = strings.TrimSpace(query)
	if query == "" {
		meta[memory.MetaError] = "empty query"
		return r.finish([]memory.ScoredItem{}, meta, start), meta, nil
	}

	var (
		vecList, lexList []memory.ScoredItem
		vecErr, lexErr   error
		vecMs, lexMs     int64
	)

	g, gctx := errgroup.WithContext(ctx)
	if plan.UseVector {
		g.Go(func() error {
			t := time.Now()
			vecList, vecErr = r.searchVector(gctx, plan, query, filters, limit)
			vecMs = time.Since(t).Milliseconds()
			return nil // degrade, don't cancel the sibling
		})
	}
	if plan.UseLexical {
		g.Go(func() error {
			t := time.Now()
			lexList, lexErr = r.searchLexical(gctx, plan, query, filters, limit)
			lexMs = time.Since(t).Milliseconds()
			return nil
		})
	}
	_ = g.Wait()

	// Counts are what each backend returned, before dedupe.
	if plan.UseVector {
		meta[memory.MetaEmbCount] = len(vecList)
		meta[memory.MetaEmbLatencyMs] = vecMs
		vecList = memory.Truncate(Dedupe(vecList), limit)
	}
	if plan.UseLexical {
		meta[memory.MetaBM25Count] = len(lexList)
		meta[memory.MetaBM25LatencyMs] = lexMs
		lexList = memory.Truncate(Dedupe(lexList), limit)
	}

	items, err := r.combine(plan, vecList, vecErr, lexList, lexErr)
	if err != nil {
		meta[memory.MetaError] = amerrors.Describe(err)
		r.logger.Warn("retrieval_degraded",
			append([]any{"query", query, "mode", mode.String(), "data_source", source.String()},
				amerrors.FormatForLog(err)...)...)
	}

	items = memory.AboveThreshold(items, r.config.ScoreThreshold)
	items = memory.Truncate(items, limit)
	return r.finish(items, meta, start), meta, nil
}

func (r *Retriever) finish(items []memory.ScoredItem, meta map[string]any, start time.Time) []memory.ScoredItem {
	if items == nil {
		items = []memory.ScoredItem{}
	}
	meta[memory.MetaFinalCount] = len(items)
	meta[memory.MetaTotalLatencyMs] = time.Since(start).Milliseconds()
	return items
}

// combine turns the backend outcomes into one ranked list. The returned
// error describes what failed; the list is still usable.
func (r *Retriever) combine(plan QueryPlan, vecList []memory.ScoredItem, vecErr error, lexList []memory.ScoredItem, lexErr error) ([]memory.ScoredItem, error) {
	if !plan.Fuse {
		list, err := vecList, vecErr
		if plan.UseLexical {
			list, err = lexList, lexErr
		}
		if err != nil {
			return nil, err
		}
		memory.SortScored(list)
		return list, nil
	}

	switch {
	case vecErr == nil && lexErr == nil:
		return Fuse2(vecList, lexList, r.config.RRFConstant)
	case vecErr != nil && lexErr != nil:
		return nil, amerrors.New(amerrors.ErrCodeAllBackendsFailed, "all backends failed", errors.Join(vecErr, lexErr))
	case vecErr != nil:
		fusedList, err := Fuse([][]memory.ScoredItem{lexList}, r.config.RRFConstant)
		if err != nil {
			return nil, err
		}
		return fusedList, vecErr
	default:
		fusedList, err := Fuse([][]memory.ScoredItem{vecList}, r.config.RRFConstant)
		if err != nil {
			return nil, err
		}
		return fusedList, lexErr
	}
}

func (r *Retriever) searchVector(ctx context.Context, plan QueryPlan, query string, filters memory.Filters, limit int) ([]memory.ScoredItem, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, amerrors.BackendUnavailable("embedding", err)
	}
	list, err := r.vector.VectorSearch(ctx, plan.Source, vec, filters, limit)
	if err != nil {
		return nil, amerrors.BackendUnavailable("embedding", err)
	}
	return list, nil
}

func (r *Retriever) searchLexical(ctx context.Context, plan QueryPlan, query string, filters memory.Filters, limit int) ([]memory.ScoredItem, error) {
	list, err := r.lexical.LexicalSearch(ctx, plan.Source, query, filters, limit)
	if err != nil {
		return nil, amerrors.BackendUnavailable("bm25", err)
	}
	return list, nil
}

// Config returns the resolved configuration.
func (r *Retriever) Config() Config { return r.config }
