// Package judge asks an LLM whether retrieved memories answer a query and
// turns its free-form reply into a structured verdict.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/llm"
)

// ErrNilCompleter is returned when no LLM client is supplied.
var ErrNilCompleter = errors.New("judge: chat completer is nil")

// Verdict is the judge's answer. RewrittenQueries is empty unless the
// verdict is insufficient.
type Verdict struct {
	IsSufficient     bool     `json:"is_sufficient"`
	Reasoning        string   `json:"reasoning"`
	MissingInfo      []string `json:"missing_information,omitempty"`
	KeyInfo          []string `json:"key_information_found,omitempty"`
	RewrittenQueries []string `json:"rewritten_queries,omitempty"`
}

// Judge makes one sufficiency call per Judge invocation. It never retries.
type Judge struct {
	llm        llm.ChatCompleter
	maxQueries int
	logger     *slog.Logger
}

// Option configures a Judge or a Rewriter.
type Option func(*options)

type options struct {
	maxQueries int
	logger     *slog.Logger
}

// WithMaxQueries caps the rewritten queries kept from a reply.
func WithMaxQueries(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQueries = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxQueries: MaxRewrittenQueries, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates a Judge over completer.
func New(completer llm.ChatCompleter, opts ...Option) (*Judge, error) {
	if completer == nil {
		return nil, ErrNilCompleter
	}
	o := buildOptions(opts)
	return &Judge{llm: completer, maxQueries: o.maxQueries, logger: o.logger}, nil
}

// Judge asks whether docs, as rendered by Format, answer query. It fails
// open: when the LLM call or the parse fails, the returned verdict is
// sufficient and the error is returned alongside it for the caller to
// record.
func (j *Judge) Judge(ctx context.Context, query, docs string) (Verdict, error) {
	reply, err := j.llm.ChatComplete(ctx, SufficiencyPrompt(query, docs))
	if err != nil {
		j.logger.Warn("judge_call_failed", amerrors.FormatForLog(err)...)
		return Verdict{IsSufficient: true, Reasoning: fmt.Sprintf("Error: %s", amerrors.Describe(err))}, err
	}

	res := ParseVerdict(reply)
	if !res.OK() {
		j.logger.Warn("judge_parse_failed",
			slog.String("error", res.Err.Error()),
			slog.Int("reply_len", len(reply)))
		return res.Verdict, res.Err
	}

	v := res.Verdict
	if v.IsSufficient {
		v.RewrittenQueries = nil
	} else {
		v.RewrittenQueries = FilterQueries(v.RewrittenQueries, query, j.maxQueries)
	}
	j.logger.Debug("judge_verdict",
		slog.Bool("is_sufficient", v.IsSufficient),
		slog.Int("rewritten", len(v.RewrittenQueries)))
	return v, nil
}
