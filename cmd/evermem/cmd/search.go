package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/output"
)

type searchOptions struct {
	source       string
	mode         string
	limit        int
	singlePass   bool
	user         string
	group        string
	participants []string
	since        string
	until        string
	format       string
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search conversation memories",
		Long: `Search stored memories with hybrid retrieval and, unless --single-pass
is set, an LLM sufficiency check with a second round of rewritten queries.

Examples:
  evermem search "北京旅游美食"
  evermem search "Where is Bob staying?" --source event_log --mode bm25
  evermem search "weekend plans" --group conv-1 --since 2024-03-01 -n 5
  evermem search "hiking" --single-pass --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, a, strings.Join(args, " "), opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.source, "source", "s", "", "Data source: memcell or event_log (default from config)")
	f.StringVarP(&opts.mode, "mode", "m", "", "Retrieval mode: embedding, bm25 or rrf (default from config)")
	f.IntVarP(&opts.limit, "limit", "n", 0, "Maximum results (default retrieval.top_k)")
	f.BoolVar(&opts.singlePass, "single-pass", false, "One retrieval pass, no LLM judge")
	f.StringVar(&opts.user, "user", "", "Only memories of this user id")
	f.StringVar(&opts.group, "group", "", "Only memories of this group (conversation) id")
	f.StringSliceVar(&opts.participants, "participant", nil, "Only episodes with this participant (repeatable)")
	f.StringVar(&opts.since, "since", "", "Only memories at or after this time (RFC 3339 or YYYY-MM-DD)")
	f.StringVar(&opts.until, "until", "", "Only memories at or before this time (RFC 3339 or YYYY-MM-DD)")
	f.StringVarP(&opts.format, "format", "f", "text", "Output format: text or json")

	return cmd
}

// filters builds the store filters set by flags, nil when none are.
func (o searchOptions) filters() (memory.Filters, error) {
	f := memory.Filters{}
	if o.user != "" {
		f[memory.FilterUserID] = o.user
	}
	if o.group != "" {
		f[memory.FilterGroupID] = o.group
	}
	if len(o.participants) > 0 {
		f[memory.FilterParticipant] = o.participants
	}
	if o.since != "" {
		f[memory.FilterStartTime] = o.since
	}
	if o.until != "" {
		f[memory.FilterEndTime] = o.until
	}
	if len(f) == 0 {
		return nil, nil
	}
	if err := f.Validate(); err != nil {
		return nil, amerrors.InvalidArgument("%v", err)
	}
	return f, nil
}

func runSearch(cmd *cobra.Command, a *app, query string, opts searchOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return amerrors.InvalidArgument("unknown format %q, want text or json", opts.format)
	}
	filters, err := opts.filters()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, cfg, err := a.openSearcher(ctx, openOptions{singlePass: opts.singlePass, readOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	source, err := memory.ParseDataSource(firstNonEmpty(opts.source, cfg.Retrieval.DataSource))
	if err != nil {
		return amerrors.InvalidArgument("%v", err)
	}
	mode, err := memory.ParseRetrievalMode(firstNonEmpty(opts.mode, cfg.Retrieval.Mode))
	if err != nil {
		return amerrors.InvalidArgument("%v", err)
	}

	slog.Info("search_started",
		slog.String("query", query),
		slog.String("source", source.String()),
		slog.String("mode", mode.String()),
		slog.Int("limit", opts.limit))

	res, err := s.Retrieve(ctx, query, source, mode, opts.limit, filters)
	if err != nil {
		return err
	}
	recordQueries(ctx, cfg, res)

	if opts.format == "json" {
		return writeJSON(cmd, res)
	}
	out := output.New(cmd.OutOrStdout())
	out.Result(res)
	if msg, ok := res.Metadata[memory.MetaError].(string); ok {
		out.Newline()
		out.Warningf("retrieval degraded: %s", msg)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// writeJSON encodes v with indentation and without HTML escaping.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
