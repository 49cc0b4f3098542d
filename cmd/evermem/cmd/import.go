package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS-sub003/internal/output"
	"github.com/zhisenyang/EverMemOS-sub003/pkg/indexer"
)

func newImportCmd(a *app) *cobra.Command {
	var batchSize int
	var quiet bool

	cmd := &cobra.Command{
		Use:   "import <items.jsonl>",
		Short: "Load prepared memory items into the store",
		Long: `Load episodes and event-log facts produced elsewhere into the store.

The file is a JSON array or JSON Lines of memory items:
  {"id": "ep-1", "kind": "episode", "user_id": "alice", "group_id": "conv-1",
   "episode": {"episode_text": "...", "subject": "...", "timestamp": "2024-03-15T10:00:00Z",
               "participants": ["alice", "bob"]}}
  {"id": "ev-1", "kind": "event_log", "group_id": "conv-1",
   "event_log": {"atomic_fact": "...", "timestamp": "2024-03-15T10:00:00Z", "parent_episode_id": "ep-1"}}

Items are embedded with the configured provider and indexed for both
vector and BM25 search. The first import into a data dir, and the first
after the embedding provider changes, runs the required doctor checks.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, cfg, err := a.openSearcher(ctx, openOptions{singlePass: true})
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			if err := firstRunChecks(ctx, cfg); err != nil {
				return err
			}

			out := output.New(cmd.ErrOrStderr())
			opts := []indexer.Option{indexer.WithBatchSize(batchSize)}
			if !quiet {
				opts = append(opts, indexer.WithProgress(func(st indexer.Stats) {
					out.Statusf("", "%d items written", st.Total())
				}))
			}
			l, err := indexer.NewLoader(s.Store(), opts...)
			if err != nil {
				return err
			}
			stats, err := l.LoadFile(ctx, args[0])
			if err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Imported %d episodes and %d event-log facts",
				stats.Episodes, stats.EventLogs)
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", indexer.DefaultBatchSize, "Items embedded and indexed per batch")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "No per-batch progress")

	return cmd
}
