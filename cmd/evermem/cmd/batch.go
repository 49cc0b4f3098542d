package cmd

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS-sub003/internal/batch"
	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/output"
	"github.com/zhisenyang/EverMemOS-sub003/pkg/searcher"
)

type batchOptions struct {
	output      string
	concurrency int
	source      string
	mode        string
	limit       int
	singlePass  bool
	noProgress  bool
}

func newBatchCmd(a *app) *cobra.Command {
	var opts batchOptions

	cmd := &cobra.Command{
		Use:   "batch <queries.json>",
		Short: "Answer a file of queries, checkpointed per conversation",
		Long: `Answer every query in a JSON array of
  {"question_id": "...", "query": "...", "conversation_id": "..."}

Queries run concurrently. Each conversation's results are checkpointed as
soon as they are complete, so an interrupted run resumes where it stopped.
Failed queries are retried and, when retries run out, recorded with an
empty result list and the error in retrieval_metadata.

Results are written grouped by conversation, ordered by the numeric
suffix of the conversation id (locomo_2 before locomo_10).

Examples:
  evermem batch questions.json -o results.json
  evermem batch questions.json --concurrency 8 --mode bm25 --single-pass`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd, a, args[0], opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "Output file (default stdout)")
	f.IntVar(&opts.concurrency, "concurrency", 0, "Queries in flight (default batch.concurrency)")
	f.StringVarP(&opts.source, "source", "s", "", "Data source: memcell or event_log")
	f.StringVarP(&opts.mode, "mode", "m", "", "Retrieval mode: embedding, bm25 or rrf")
	f.IntVarP(&opts.limit, "limit", "n", 0, "Results per query (default retrieval.top_k)")
	f.BoolVar(&opts.singlePass, "single-pass", false, "One retrieval pass per query, no LLM judge")
	f.BoolVar(&opts.noProgress, "no-progress", false, "Do not draw a progress bar")

	return cmd
}

func (o batchOptions) adjust(cfg *config.Config) {
	if o.source != "" {
		cfg.Retrieval.DataSource = o.source
	}
	if o.mode != "" {
		cfg.Retrieval.Mode = o.mode
	}
	if o.limit > 0 {
		cfg.Retrieval.TopK = o.limit
	}
}

func runBatch(cmd *cobra.Command, a *app, input string, opts batchOptions) error {
	queries, err := batch.ReadQueriesFile(input)
	if err != nil {
		return err
	}

	errOut := output.New(cmd.ErrOrStderr())
	var mu sync.Mutex
	progress := func(p batch.Progress) {
		mu.Lock()
		defer mu.Unlock()
		if !opts.noProgress {
			errOut.Progress(p.GroupsDone, p.GroupsTotal, p.GroupID)
		}
	}

	ctx := cmd.Context()
	s, cfg, err := a.openSearcher(ctx, openOptions{
		singlePass: opts.singlePass,
		readOnly:   true,
		adjust:     opts.adjust,
		extra:      []searcher.Option{searcher.WithProgress(progress)},
	})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	start := time.Now()
	results, err := s.RunBatch(ctx, queries, opts.concurrency)
	if err != nil {
		if ctx.Err() != nil {
			errOut.Warningf("Interrupted; completed conversations are checkpointed, rerun to resume")
		}
		return err
	}

	if opts.output == "" {
		if err := batch.WriteResults(cmd.OutOrStdout(), results); err != nil {
			return fmt.Errorf("write results: %w", err)
		}
	} else if err := batch.WriteResultsFile(opts.output, results); err != nil {
		return err
	}

	recordQueries(ctx, cfg, results...)

	failed := countFailed(results)
	slog.Info("batch_written",
		slog.String("output", opts.output),
		slog.Int("results", len(results)),
		slog.Int("failed", failed),
		slog.Duration("duration", time.Since(start)))

	errOut.Successf("Answered %d queries in %s", len(results), time.Since(start).Round(time.Millisecond))
	if failed > 0 {
		errOut.Warningf("%d queries failed after retries (see retrieval_metadata.error)", failed)
	}
	return nil
}

// countFailed counts results left empty by a search error. Results that
// lost only one backend still carry hits and are not counted.
func countFailed(results []memory.SearchResult) int {
	n := 0
	for _, r := range results {
		if _, ok := r.Metadata[memory.MetaError]; ok && len(r.Results) == 0 {
			n++
		}
	}
	return n
}
