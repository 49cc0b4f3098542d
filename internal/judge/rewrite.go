package judge

import (
	"context"
	"log/slog"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/llm"
)

// Rewriter generates complementary queries when a verdict is insufficient
// but carries none of its own.
type Rewriter struct {
	llm        llm.ChatCompleter
	maxQueries int
	logger     *slog.Logger
}

// NewRewriter creates a Rewriter over completer.
func NewRewriter(completer llm.ChatCompleter, opts ...Option) (*Rewriter, error) {
	if completer == nil {
		return nil, ErrNilCompleter
	}
	o := buildOptions(opts)
	return &Rewriter{llm: completer, maxQueries: o.maxQueries, logger: o.logger}, nil
}

// Rewrite returns between one and maxQueries queries. On any failure it
// returns the original query together with the error.
func (r *Rewriter) Rewrite(ctx context.Context, query, docs string, verdict Verdict) ([]string, error) {
	reply, err := r.llm.ChatComplete(ctx, MultiQueryPrompt(query, docs, verdict.MissingInfo, verdict.KeyInfo))
	if err != nil {
		r.logger.Warn("rewrite_call_failed", amerrors.FormatForLog(err)...)
		return []string{query}, err
	}

	queries, reasoning, err := ParseQueries(reply, query, r.maxQueries)
	if err != nil {
		r.logger.Warn("rewrite_parse_failed", slog.String("error", err.Error()))
		return queries, err
	}
	r.logger.Debug("rewrite_queries",
		slog.Int("count", len(queries)),
		slog.String("reasoning", reasoning))
	return queries, nil
}
