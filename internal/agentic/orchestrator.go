// Package agentic runs LLM-guided multi-round retrieval: one retrieval
// pass, one sufficiency judgment, and when the judge finds the candidates
// lacking, a second round over rewritten queries merged by RRF.
package agentic

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/judge"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/search"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = errors.New("required dependency is nil")

// Retriever runs one retrieval pass. search.Retriever implements it.
type Retriever interface {
	Retrieve(ctx context.Context, query string, source memory.DataSource, mode memory.RetrievalMode, filters memory.Filters, limit int) ([]memory.ScoredItem, map[string]any, error)
}

// SufficiencyJudge decides whether formatted candidates answer a query.
type SufficiencyJudge interface {
	Judge(ctx context.Context, query, docs string) (judge.Verdict, error)
}

// QueryRewriter produces round-2 queries when the verdict carries none.
type QueryRewriter interface {
	Rewrite(ctx context.Context, query, docs string, verdict judge.Verdict) ([]string, error)
}

// Request is one query to answer.
type Request struct {
	Query   string
	Source  memory.DataSource
	Mode    memory.RetrievalMode
	Filters memory.Filters
	// Limit caps the final result list. 0 means Config.Round1TopN.
	Limit int
}

// Orchestrator runs the round-1 / judge / round-2 state machine.
type Orchestrator struct {
	retriever Retriever
	judge     SufficiencyJudge
	rewriter  QueryRewriter
	reranker  search.Reranker
	config    Config
	rrfK      int
	logger    *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRewriter sets the fallback query rewriter.
func WithRewriter(r QueryRewriter) Option {
	return func(o *Orchestrator) { o.rewriter = r }
}

// WithReranker sets the reranker applied when Config.UseReranker is on.
func WithReranker(r search.Reranker) Option {
	return func(o *Orchestrator) { o.reranker = r }
}

// WithRRFConstant sets k for the final multi-way fusion.
func WithRRFConstant(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.rrfK = k
		}
	}
}

// WithConfig sets the config used by Run.
func WithConfig(cfg Config) Option {
	return func(o *Orchestrator) { o.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an Orchestrator. The judge may be nil only if multi-query
// is never enabled.
func New(retriever Retriever, j SufficiencyJudge, opts ...Option) (*Orchestrator, error) {
	if retriever == nil {
		return nil, ErrNilDependency
	}
	o := &Orchestrator{
		retriever: retriever,
		judge:     j,
		config:    DefaultConfig(),
		rrfK:      search.DefaultRRFConstant,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.config = o.config.withDefaults()
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if o.config.EnableMultiQuery && o.judge == nil {
		return nil, ErrNilDependency
	}
	return o, nil
}

// Config returns the config used by Run.
func (o *Orchestrator) Config() Config { return o.config }

// Run answers req with the orchestrator's config.
func (o *Orchestrator) Run(ctx context.Context, req Request) (memory.SearchResult, error) {
	return o.RunWithConfig(ctx, req, o.config)
}

// RunWithConfig answers req. The returned result always carries metadata
// with rounds_used and total_latency_ms. An error is returned only for
// invalid arguments or when ctx ends; backend, judge and reranker failures
// are recorded in the metadata instead.
func (o *Orchestrator) RunWithConfig(ctx context.Context, req Request, cfg Config) (memory.SearchResult, error) {
	start := time.Now()
	result := memory.NewSearchResult(req.Query)
	meta := result.Metadata
	meta[memory.MetaRoundsUsed] = 0
	meta[memory.MetaIsMultiRound] = false

	fail := func(err error) (memory.SearchResult, error) {
		meta[memory.MetaError] = amerrors.Describe(err)
		meta[memory.MetaTotalLatencyMs] = time.Since(start).Milliseconds()
		return result, err
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}
	if req.Limit < 0 {
		return fail(amerrors.InvalidArgument("limit must not be negative, got %d", req.Limit))
	}
	if cfg.EnableMultiQuery && o.judge == nil {
		return fail(amerrors.InternalError("multi-query enabled without a judge", ErrNilDependency))
	}
	limit := req.Limit
	if limit == 0 {
		limit = cfg.Round1TopN
	}

	// Round 1.
	r1Start := time.Now()
	round1, r1Meta, err := o.retriever.Retrieve(ctx, req.Query, req.Source, req.Mode, req.Filters, cfg.Round1TopN)
	if err != nil {
		return fail(err)
	}
	for k, v := range r1Meta {
		if k != memory.MetaFinalCount && k != memory.MetaTotalLatencyMs {
			meta[k] = v
		}
	}
	meta[memory.MetaRound1Count] = len(round1)
	meta[memory.MetaRound1LatencyMs] = time.Since(r1Start).Milliseconds()
	meta[memory.MetaRoundsUsed] = 1
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	if !cfg.EnableMultiQuery {
		return o.finish(ctx, result, req.Query, round1, cfg, limit, start), nil
	}

	// Judge.
	docs := judge.Format(round1, cfg.MaxDocsInJudgePrompt)
	verdict := o.runJudge(ctx, req.Query, docs, cfg, meta)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if verdict.IsSufficient || cfg.MaxRounds < 2 {
		return o.finish(ctx, result, req.Query, round1, cfg, limit, start), nil
	}

	// Round 2.
	queries := o.round2Queries(ctx, req.Query, docs, verdict, cfg, meta)
	meta[memory.MetaRefinedQueries] = queries
	meta[memory.MetaRoundsUsed] = 2

	r2Start := time.Now()
	lists, errs := o.runRound2(ctx, req, queries, cfg, meta)
	meta[memory.MetaRound2LatencyMs] = time.Since(r2Start).Milliseconds()
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	round2Count := 0
	for _, l := range lists {
		round2Count += len(l)
	}
	meta[memory.MetaRound2Count] = round2Count
	if len(errs) > 0 {
		meta[memory.MetaRound2Errors] = errs
	}
	if len(lists) == 0 {
		o.logger.Warn("round2_all_failed",
			slog.String("query", req.Query),
			slog.Int("queries", len(queries)))
		return o.finish(ctx, result, req.Query, round1, cfg, limit, start), nil
	}

	merged, err := search.Fuse(append([][]memory.ScoredItem{round1}, lists...), o.rrfK)
	if err != nil {
		meta[memory.MetaError] = amerrors.Describe(err)
		return o.finish(ctx, result, req.Query, round1, cfg, limit, start), nil
	}
	meta[memory.MetaIsMultiRound] = true
	return o.finish(ctx, result, req.Query, merged, cfg, limit, start), nil
}

// runJudge makes the single judge call and records the verdict.
func (o *Orchestrator) runJudge(ctx context.Context, query, docs string, cfg Config, meta map[string]any) judge.Verdict {
	jctx := ctx
	if cfg.JudgeTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, cfg.JudgeTimeout)
		defer cancel()
	}

	t := time.Now()
	verdict, err := o.judge.Judge(jctx, query, docs)
	meta[memory.MetaJudgeLatencyMs] = time.Since(t).Milliseconds()
	meta[memory.MetaIsSufficient] = verdict.IsSufficient
	meta[memory.MetaReasoning] = verdict.Reasoning
	meta[memory.MetaMissingInfo] = nonNil(verdict.MissingInfo)
	meta[memory.MetaKeyInfoFound] = nonNil(verdict.KeyInfo)
	if err != nil {
		meta[memory.MetaJudgeError] = amerrors.Describe(err)
	}

	o.logger.Debug("judge_complete",
		slog.String("query", query),
		slog.Bool("is_sufficient", verdict.IsSufficient),
		slog.Int("rewritten", len(verdict.RewrittenQueries)))
	return verdict
}

// round2Queries takes the verdict's rewrites, asks the rewriter when there
// are none, and falls back to the original query.
func (o *Orchestrator) round2Queries(ctx context.Context, query, docs string, verdict judge.Verdict, cfg Config, meta map[string]any) []string {
	queries := judge.FilterQueries(verdict.RewrittenQueries, query, cfg.MaxRewrittenQueries)
	if len(queries) == 0 && o.rewriter != nil {
		rctx := ctx
		if cfg.JudgeTimeout > 0 {
			var cancel context.CancelFunc
			rctx, cancel = context.WithTimeout(ctx, cfg.JudgeTimeout)
			defer cancel()
		}
		rewritten, err := o.rewriter.Rewrite(rctx, query, docs, verdict)
		if err != nil {
			meta[memory.MetaRewriteError] = amerrors.Describe(err)
		}
		queries = rewritten
	}
	if len(queries) == 0 {
		queries = []string{query}
	}
	if len(queries) > cfg.MaxRewrittenQueries {
		queries = queries[:cfg.MaxRewrittenQueries]
	}
	return queries
}

// runRound2 retrieves every query concurrently. It returns the lists of
// the queries that produced a usable answer, in query order, and the
// error strings of those that did not. Backend counters of every
// sub-query are summed into meta.
func (o *Orchestrator) runRound2(ctx context.Context, req Request, queries []string, cfg Config, meta map[string]any) ([][]memory.ScoredItem, []string) {
	type outcome struct {
		items []memory.ScoredItem
		err   string
		emb   int
		bm25  int
	}
	outcomes := make([]outcome, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queries {
		g.Go(func() error {
			items, qmeta, err := o.retriever.Retrieve(gctx, q, req.Source, req.Mode, req.Filters, cfg.Round2PerQueryTopN)
			outcomes[i].emb, _ = qmeta[memory.MetaEmbCount].(int)
			outcomes[i].bm25, _ = qmeta[memory.MetaBM25Count].(int)
			switch {
			case err != nil:
				outcomes[i].err = amerrors.Describe(err)
			case len(items) == 0 && qmeta[memory.MetaError] != nil:
				outcomes[i].err, _ = qmeta[memory.MetaError].(string)
			default:
				outcomes[i].items = items
			}
			return nil // one failed rewrite must not cancel the others
		})
	}
	_ = g.Wait()

	var (
		lists     [][]memory.ScoredItem
		errs      []string
		emb, bm25 int
	)
	for i, out := range outcomes {
		emb += out.emb
		bm25 += out.bm25
		if out.err != "" {
			errs = append(errs, queries[i]+": "+out.err)
			continue
		}
		lists = append(lists, out.items)
	}
	if req.Mode.UsesVector() {
		meta[memory.MetaRound2EmbCount] = emb
	}
	if req.Mode.UsesLexical() {
		meta[memory.MetaRound2BM25Count] = bm25
	}
	return lists, errs
}

// finish applies the optional reranker, truncates to limit and stamps the
// final counters.
func (o *Orchestrator) finish(ctx context.Context, result memory.SearchResult, query string, items []memory.ScoredItem, cfg Config, limit int, start time.Time) memory.SearchResult {
	meta := result.Metadata
	if cfg.UseReranker && o.reranker != nil && len(items) > 0 {
		reranked, err := o.reranker.Rerank(ctx, query, items)
		if err != nil {
			meta[memory.MetaRerankError] = err.Error()
			o.logger.Warn("rerank_failed", slog.String("query", query), slog.String("error", err.Error()))
		} else {
			items = reranked
		}
	}

	items = memory.Truncate(items, limit)
	if items == nil {
		items = []memory.ScoredItem{}
	}
	result.Results = items
	meta[memory.MetaFinalCount] = len(items)
	meta[memory.MetaTotalLatencyMs] = time.Since(start).Milliseconds()

	o.logger.Debug("agentic_complete",
		slog.String("query", query),
		slog.Any("rounds_used", meta[memory.MetaRoundsUsed]),
		slog.Int("results", len(items)),
		slog.Int64("latency_ms", meta[memory.MetaTotalLatencyMs].(int64)))
	return result
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
