package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/preflight"
)

func newDoctorCmd(a *app) *cobra.Command {
	var (
		online     bool
		verbose    bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, data dir and providers",
		Long: `Run the preflight checks: configuration, data dir permissions and free
space, file limits, the embedding provider, the LLM (when multi-query
retrieval is on) and the index contents.

With --online each provider answers one small request.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := a.config()
			if err != nil {
				return err
			}

			checker := preflight.New(cfg,
				preflight.WithOnline(online),
				preflight.WithVerbose(verbose),
				preflight.WithOutput(cmd.OutOrStdout()))
			results := checker.RunAll(ctx)
			results = append(results, a.indexCheck(ctx))

			if jsonOutput {
				if err := writeJSON(cmd, map[string]any{
					"status": checker.SummaryStatus(results),
					"checks": results,
				}); err != nil {
					return err
				}
			} else {
				checker.PrintResults(results)
			}

			if checker.HasCriticalFailures(results) {
				return preflightError(results)
			}
			if err := preflight.MarkPassed(cfg.Storage.DataDir, preflight.Fingerprint(cfg)); err != nil {
				slog.Warn("preflight_marker_failed", slog.String("error", err.Error()))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&online, "online", false, "Send one request to each provider")
	f.BoolVarP(&verbose, "verbose", "v", false, "Show check details")
	f.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

// indexCheck opens the store read-only to count memories.
func (a *app) indexCheck(ctx context.Context) preflight.CheckResult {
	s, _, err := a.openSearcher(ctx, openOptions{singlePass: true, readOnly: true})
	if err != nil {
		return preflight.CheckIndex(nil, err)
	}
	defer func() { _ = s.Close() }()

	counts := make(map[string]int)
	for _, src := range memory.DataSources() {
		counts[src.Collection()] = s.Store().Count(src)
	}
	return preflight.CheckIndex(counts, nil)
}

// firstRunChecks runs the required checks once per data dir and provider
// setup. Passing runs leave a marker so later imports skip them.
func firstRunChecks(ctx context.Context, cfg *config.Config) error {
	fingerprint := preflight.Fingerprint(cfg)
	if !preflight.NeedsCheck(cfg.Storage.DataDir, fingerprint) {
		return nil
	}

	checker := preflight.New(cfg, preflight.WithOutput(io.Discard))
	results := checker.RunAll(ctx)
	for _, r := range results {
		slog.Debug("preflight_check",
			slog.String("name", r.Name),
			slog.String("status", r.Status.String()),
			slog.String("message", r.Message))
	}
	if checker.HasCriticalFailures(results) {
		return preflightError(results)
	}
	return preflight.MarkPassed(cfg.Storage.DataDir, fingerprint)
}

func preflightError(results []preflight.CheckResult) error {
	var failed []string
	for _, r := range results {
		if r.IsCritical() {
			failed = append(failed, r.Name+": "+r.Message)
		}
	}
	return amerrors.New(amerrors.ErrCodePreflight,
		fmt.Sprintf("preflight checks failed: %s", strings.Join(failed, "; ")), nil).
		WithSuggestion("Run 'evermem doctor -v' for details")
}
