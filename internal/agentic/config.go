package agentic

import (
	"time"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/judge"
)

// Default agentic settings.
const (
	DefaultRound1TopN           = 20
	DefaultRound2PerQueryTopN   = 50
	DefaultMaxRounds            = 2
	DefaultMaxDocsInJudgePrompt = 10
	DefaultJudgeTimeout         = 60 * time.Second
)

// Config tunes one agentic run.
type Config struct {
	// Round1TopN is the candidate count requested from round 1.
	Round1TopN int
	// Round2PerQueryTopN is the candidate count requested per rewritten query.
	Round2PerQueryTopN int
	UseReranker        bool
	// EnableMultiQuery turns on the judge and round 2. When false a run is
	// a single retrieval pass.
	EnableMultiQuery     bool
	MaxRounds            int
	MaxDocsInJudgePrompt int
	MaxRewrittenQueries  int
	// JudgeTimeout bounds the judge call and the rewrite call.
	JudgeTimeout time.Duration
}

// DefaultConfig returns the standard agentic settings.
func DefaultConfig() Config {
	return Config{
		Round1TopN:           DefaultRound1TopN,
		Round2PerQueryTopN:   DefaultRound2PerQueryTopN,
		UseReranker:          false,
		EnableMultiQuery:     true,
		MaxRounds:            DefaultMaxRounds,
		MaxDocsInJudgePrompt: DefaultMaxDocsInJudgePrompt,
		MaxRewrittenQueries:  judge.MaxRewrittenQueries,
		JudgeTimeout:         DefaultJudgeTimeout,
	}
}

// withDefaults fills unset numeric fields. Booleans are taken as given.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Round1TopN == 0 {
		c.Round1TopN = def.Round1TopN
	}
	if c.Round2PerQueryTopN == 0 {
		c.Round2PerQueryTopN = def.Round2PerQueryTopN
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.MaxDocsInJudgePrompt == 0 {
		c.MaxDocsInJudgePrompt = def.MaxDocsInJudgePrompt
	}
	if c.MaxRewrittenQueries == 0 {
		c.MaxRewrittenQueries = def.MaxRewrittenQueries
	}
	if c.JudgeTimeout == 0 {
		c.JudgeTimeout = def.JudgeTimeout
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.Round1TopN <= 0:
		return amerrors.InvalidArgument("round1_top_n must be positive, got %d", c.Round1TopN)
	case c.Round2PerQueryTopN <= 0:
		return amerrors.InvalidArgument("round2_per_query_top_n must be positive, got %d", c.Round2PerQueryTopN)
	case c.MaxRounds < 1 || c.MaxRounds > DefaultMaxRounds:
		return amerrors.InvalidArgument("max_rounds must be 1 or 2, got %d", c.MaxRounds)
	case c.MaxDocsInJudgePrompt <= 0:
		return amerrors.InvalidArgument("max_docs_in_judge_prompt must be positive, got %d", c.MaxDocsInJudgePrompt)
	case c.MaxRewrittenQueries <= 0 || c.MaxRewrittenQueries > judge.MaxRewrittenQueries:
		return amerrors.InvalidArgument("max_rewritten_queries must be between 1 and %d, got %d",
			judge.MaxRewrittenQueries, c.MaxRewrittenQueries)
	case c.JudgeTimeout < 0:
		return amerrors.InvalidArgument("judge_timeout must not be negative, got %s", c.JudgeTimeout)
	}
	return nil
}
