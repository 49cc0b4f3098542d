package cmd

import (
	"context"
	"log/slog"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	"github.com/zhisenyang/EverMemOS-sub003/pkg/searcher"
)

// openOptions selects how a command opens the engine.
type openOptions struct {
	// singlePass skips the LLM entirely.
	singlePass bool
	readOnly   bool
	// adjust edits the command's copy of the config before opening.
	adjust func(*config.Config)
	extra  []searcher.Option
}

// openSearcher builds a Searcher from the loaded config. With singlePass
// the judge is disabled, so no LLM credentials are needed.
func (a *app) openSearcher(ctx context.Context, oo openOptions) (*searcher.Searcher, *config.Config, error) {
	loaded, err := a.config()
	if err != nil {
		return nil, nil, err
	}
	cfg := *loaded
	if oo.adjust != nil {
		oo.adjust(&cfg)
	}
	if oo.singlePass {
		cfg.Agentic.EnableMultiQuery = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	opts := []searcher.Option{searcher.WithLogger(slog.Default())}
	if oo.readOnly {
		opts = append(opts, searcher.WithReadOnly())
	}
	opts = append(opts, oo.extra...)

	s, err := searcher.New(ctx, &cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	return s, &cfg, nil
}
