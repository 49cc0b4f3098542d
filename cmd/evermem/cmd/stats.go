package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/output"
	"github.com/zhisenyang/EverMemOS-sub003/internal/telemetry"
)

// storeStats is the JSON form of `evermem stats`.
type storeStats struct {
	DataDir     string         `json:"data_dir"`
	BM25Backend string         `json:"bm25_backend"`
	Embeddings  string         `json:"embeddings"`
	Collections map[string]int `json:"collections"`
	// Queries is the recorded query telemetry, absent when none was.
	Queries *telemetry.Snapshot `json:"queries,omitempty"`
}

func newStatsCmd(a *app) *cobra.Command {
	var (
		jsonOutput bool
		topTerms   int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory counts and query telemetry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, cfg, err := a.openSearcher(cmd.Context(), openOptions{singlePass: true, readOnly: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			st := storeStats{
				DataDir:     cfg.Storage.DataDir,
				BM25Backend: cfg.Storage.BM25Backend,
				Embeddings:  strings.TrimSpace(cfg.Embeddings.Provider + " " + cfg.Embeddings.Model),
				Collections: map[string]int{},
			}
			for _, src := range memory.DataSources() {
				st.Collections[src.Collection()] = s.Store().Count(src)
			}
			if st.Queries, err = querySummary(cmd.Context(), cfg, topTerms); err != nil {
				return fmt.Errorf("read query telemetry: %w", err)
			}

			if jsonOutput {
				return writeJSON(cmd, st)
			}
			out := output.New(cmd.OutOrStdout())
			out.Statusf("📁", "Data dir: %s", st.DataDir)
			out.Statusf("🔤", "BM25 backend: %s", st.BM25Backend)
			out.Statusf("🧮", "Embeddings: %s", st.Embeddings)
			for _, src := range memory.DataSources() {
				out.Statusf("", "%-12s %d", src.Collection(), st.Collections[src.Collection()])
			}
			if st.Queries != nil {
				out.Newline()
				printQueryStats(out, *st.Queries)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().IntVar(&topTerms, "top-terms", telemetry.DefaultTopTerms, "Number of frequent query terms to show")
	return cmd
}

func printQueryStats(out *output.Writer, q telemetry.Snapshot) {
	out.Statusf("🔎", "Queries: %d since %s", q.TotalQueries, q.Since.Format("2006-01-02"))
	out.Statusf("", "zero-result %.1f%%, second round %.1f%%, degraded %d",
		q.ZeroResultPercentage(), q.SecondRoundPercentage(), q.DegradedCount)

	var latency []string
	for _, b := range telemetry.LatencyBuckets() {
		if n := q.LatencyDistribution[b]; n > 0 {
			latency = append(latency, fmt.Sprintf("%s=%d", b, n))
		}
	}
	if len(latency) > 0 {
		out.Statusf("", "latency: %s", strings.Join(latency, " "))
	}

	if len(q.TopTerms) > 0 {
		terms := make([]string, len(q.TopTerms))
		for i, tc := range q.TopTerms {
			terms[i] = fmt.Sprintf("%s (%d)", tc.Term, tc.Count)
		}
		out.Statusf("", "top terms: %s", strings.Join(terms, ", "))
	}
}
