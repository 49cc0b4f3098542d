// Package batch runs the agentic orchestrator over large, conversation
// grouped query sets with bounded concurrency, per-attempt timeouts,
// retries and group-level checkpoints.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zhisenyang/EverMemOS-sub003/internal/agentic"
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// Defaults for a batch run.
const (
	DefaultConcurrency    = 20
	DefaultMaxAttempts    = 3
	DefaultAttemptTimeout = 120 * time.Second
	DefaultRetryDelay     = 2 * time.Second
)

// Metadata error messages of degraded results.
const (
	errTimeoutAfterRetries = "Search timeout after retries"
	errSearchPrefix        = "Search error: "
)

// ErrNilRunner is returned when no query runner is supplied.
var ErrNilRunner = errors.New("batch: query runner is nil")

// QueryRunner answers one request. agentic.Orchestrator implements it.
type QueryRunner interface {
	Run(ctx context.Context, req agentic.Request) (memory.SearchResult, error)
}

// Config tunes a batch run.
type Config struct {
	Concurrency    int
	MaxAttempts    int
	AttemptTimeout time.Duration
	RetryDelay     time.Duration

	Source memory.DataSource
	Mode   memory.RetrievalMode
	Limit  int
	// ScopeToConversation adds a group_id filter equal to the query's
	// conversation id when the query has none.
	ScopeToConversation bool
}

// DefaultConfig returns the standard batch settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:         DefaultConcurrency,
		MaxAttempts:         DefaultMaxAttempts,
		AttemptTimeout:      DefaultAttemptTimeout,
		RetryDelay:          DefaultRetryDelay,
		Source:              memory.SourceMemCell,
		Mode:                memory.ModeRRF,
		ScopeToConversation: true,
	}
}

// Progress reports one finished or skipped group.
type Progress struct {
	RunID       string
	GroupID     string
	Queries     int
	Skipped     bool
	GroupsDone  int
	GroupsTotal int
}

// Runner drives a QueryRunner over a batch.
type Runner struct {
	runner     QueryRunner
	checkpoint CheckpointStore
	config     Config
	logger     *slog.Logger
	onProgress func(Progress)
}

// Option configures a Runner.
type Option func(*Runner)

// WithCheckpoint enables resumability through store.
func WithCheckpoint(store CheckpointStore) Option {
	return func(r *Runner) { r.checkpoint = store }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithProgress registers a callback invoked after every group. It may be
// called from several goroutines.
func WithProgress(fn func(Progress)) Option {
	return func(r *Runner) { r.onProgress = fn }
}

// NewRunner creates a Runner. Zero config fields take defaults.
func NewRunner(runner QueryRunner, cfg Config, opts ...Option) (*Runner, error) {
	if runner == nil {
		return nil, ErrNilRunner
	}
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}

	r := &Runner{runner: runner, config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the resolved configuration.
func (r *Runner) Config() Config { return r.config }

// Fingerprint identifies a batch for checkpointing: the queries and the
// settings that change their answers. Concurrency, attempts and timeouts
// are not part of it.
func Fingerprint(queries []memory.Query, cfg Config) string {
	data, _ := json.Marshal(struct {
		Queries             []memory.Query `json:"queries"`
		Source              string         `json:"source"`
		Mode                string         `json:"mode"`
		Limit               int            `json:"limit"`
		ScopeToConversation bool           `json:"scope_to_conversation"`
	}{queries, cfg.Source.String(), cfg.Mode.String(), cfg.Limit, cfg.ScopeToConversation})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Run answers every query and returns the results grouped by conversation
// in GroupLess order, queries in input order within a group. Groups found
// in the checkpoint are not rerun, unless the checkpoint was saved for a
// different Fingerprint. The checkpoint is deleted once every
// group is done. An error means the batch stopped early; completed groups
// stay checkpointed.
func (r *Runner) Run(ctx context.Context, queries []memory.Query) ([]memory.SearchResult, error) {
	runID := uuid.NewString()
	start := time.Now()
	groups := GroupQueries(queries)

	done := make(map[string][]memory.SearchResult, len(groups))
	if r.checkpoint != nil {
		discarded, err := r.checkpoint.Bind(ctx, Fingerprint(queries, r.config))
		if err != nil {
			return nil, err
		}
		if discarded > 0 {
			r.logger.Warn("checkpoint_discarded",
				slog.String("run_id", runID),
				slog.Int("groups", discarded),
				slog.String("reason", "saved by a different batch"))
		}
		saved, err := r.checkpoint.Load(ctx)
		if err != nil {
			return nil, err
		}
		for id, results := range saved {
			done[id] = results
		}
	}

	r.logger.Info("batch_start",
		slog.String("run_id", runID),
		slog.Int("queries", len(queries)),
		slog.Int("groups", len(groups)),
		slog.Int("checkpointed", len(done)),
		slog.Int("concurrency", r.config.Concurrency))

	var (
		mu        sync.Mutex
		completed int
	)
	report := func(p Progress) {
		mu.Lock()
		completed++
		p.GroupsDone = completed
		mu.Unlock()
		p.RunID, p.GroupsTotal = runID, len(groups)
		if r.onProgress != nil {
			r.onProgress(p)
		}
	}

	sem := semaphore.NewWeighted(int64(r.config.Concurrency))
	g, gctx := errgroup.WithContext(ctx)
	for _, grp := range groups {
		if _, ok := done[grp.ID]; ok {
			r.logger.Info("group_skipped", slog.String("run_id", runID), slog.String("group_id", grp.ID))
			report(Progress{GroupID: grp.ID, Queries: len(grp.Queries), Skipped: true})
			continue
		}
		g.Go(func() error {
			results, err := r.runGroup(gctx, sem, grp)
			if err != nil {
				return err
			}
			// A finished group is saved even if a sibling just failed.
			if r.checkpoint != nil {
				if err := r.checkpoint.Save(context.WithoutCancel(gctx), grp.ID, results); err != nil {
					return err
				}
			}
			mu.Lock()
			done[grp.ID] = results
			mu.Unlock()
			r.logger.Info("group_complete",
				slog.String("run_id", runID),
				slog.String("group_id", grp.ID),
				slog.Int("queries", len(results)))
			report(Progress{GroupID: grp.ID, Queries: len(results)})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("batch_interrupted",
			slog.String("run_id", runID),
			slog.Int("groups_saved", len(done)),
			slog.String("error", err.Error()))
		return nil, err
	}

	out := make([]memory.SearchResult, 0, len(queries))
	for _, grp := range groups {
		out = append(out, done[grp.ID]...)
	}
	if r.checkpoint != nil {
		if err := r.checkpoint.Delete(ctx); err != nil {
			r.logger.Warn("checkpoint_delete_failed", amerrors.FormatForLog(err)...)
		}
	}

	r.logger.Info("batch_complete",
		slog.String("run_id", runID),
		slog.Int("results", len(out)),
		slog.Int64("latency_ms", time.Since(start).Milliseconds()))
	return out, nil
}

// runGroup runs every query of grp concurrently under the shared
// semaphore. It fails only when ctx ends.
func (r *Runner) runGroup(ctx context.Context, sem *semaphore.Weighted, grp Group) ([]memory.SearchResult, error) {
	results := make([]memory.SearchResult, len(grp.Queries))
	g, gctx := errgroup.WithContext(ctx)
	for i, q := range grp.Queries {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			res, err := r.searchOne(gctx, grp.ID, q)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// searchOne answers q with up to MaxAttempts attempts. Exhaustion yields a
// degraded result, not an error; only the end of ctx is returned.
func (r *Runner) searchOne(ctx context.Context, groupID string, q memory.Query) (memory.SearchResult, error) {
	req := agentic.Request{
		Query:   q.Text,
		Source:  r.config.Source,
		Mode:    r.config.Mode,
		Filters: r.filters(q),
		Limit:   r.config.Limit,
	}

	retry := amerrors.RetryConfig{
		MaxRetries:   r.config.MaxAttempts - 1,
		InitialDelay: r.config.RetryDelay,
		Multiplier:   1.0,
	}
	var (
		attempts int
		lastErr  error
	)
	res, err := amerrors.RetryWithResult(ctx, retry, func(attempt int) (memory.SearchResult, error) {
		attempts = attempt
		res, err := r.attempt(ctx, req, groupID, attempt)
		lastErr = err
		return res, err
	})
	if ctx.Err() != nil {
		return memory.SearchResult{}, ctx.Err()
	}
	if err != nil {
		r.logger.Error("query_failed",
			append([]any{"group_id", groupID, "query", q.Text, "attempts", attempts},
				amerrors.FormatForLog(lastErr)...)...)
		res = degraded(q.Text, lastErr)
	}

	res.QuestionID = q.QuestionID
	res.ConversationID = groupID
	res.Query = q.Text
	if res.Metadata == nil {
		res.Metadata = map[string]any{}
	}
	if res.Results == nil {
		res.Results = []memory.ScoredItem{}
	}
	res.Metadata[memory.MetaAttempts] = attempts
	return res, nil
}

// attempt runs one try under its own timeout. A timed-out attempt's
// in-flight backend calls see the cancelled context.
func (r *Runner) attempt(ctx context.Context, req agentic.Request, groupID string, attempt int) (memory.SearchResult, error) {
	actx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	defer cancel()

	res, err := r.runner.Run(actx, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = amerrors.BackendTimeout(fmt.Sprintf("search attempt timed out after %s", r.config.AttemptTimeout), err)
	}
	r.logger.Warn("query_attempt_failed",
		append([]any{"group_id", groupID, "query", req.Query, "attempt", attempt},
			amerrors.FormatForLog(err)...)...)
	return res, err
}

func (r *Runner) filters(q memory.Query) memory.Filters {
	if !r.config.ScopeToConversation || q.ConversationID == "" {
		return q.Filters
	}
	if _, ok := q.Filters[memory.FilterGroupID]; ok {
		return q.Filters
	}
	f := make(memory.Filters, len(q.Filters)+1)
	for k, v := range q.Filters {
		f[k] = v
	}
	f[memory.FilterGroupID] = q.ConversationID
	return f
}

// degraded is the empty result recorded for a query that never succeeded.
func degraded(query string, err error) memory.SearchResult {
	res := memory.NewSearchResult(query)
	if amerrors.GetCode(err) == amerrors.ErrCodeBackendTimeout {
		res.Metadata[memory.MetaError] = errTimeoutAfterRetries
	} else {
		res.Metadata[memory.MetaError] = errSearchPrefix + amerrors.Describe(err)
	}
	return res
}
