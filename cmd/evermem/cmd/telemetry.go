package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/telemetry"
)

// recordQueries adds results to the local query telemetry. Failures are
// logged and never fail the command.
func recordQueries(ctx context.Context, cfg *config.Config, results ...memory.SearchResult) {
	if !cfg.Telemetry.Enabled || len(results) == 0 {
		return
	}

	m := telemetry.NewQueryMetrics(cfg.Telemetry.MaxTerms)
	for _, res := range results {
		m.Record(telemetry.NewEvent(res))
	}

	path := cfg.TelemetryPath()
	st, err := telemetry.OpenStore(path)
	if err != nil {
		slog.Warn("telemetry_open_failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	defer func() { _ = st.Close() }()

	if err := m.Flush(context.WithoutCancel(ctx), st); err != nil {
		slog.Warn("telemetry_flush_failed", slog.String("path", path), slog.String("error", err.Error()))
		return
	}
	slog.Debug("telemetry_recorded", slog.Int("queries", len(results)))
}

// querySummary reads the saved telemetry, nil when nothing was recorded.
func querySummary(ctx context.Context, cfg *config.Config, topN int) (*telemetry.Snapshot, error) {
	path := cfg.TelemetryPath()
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	st, err := telemetry.OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Close() }()

	snap, err := st.Summary(ctx, topN)
	if err != nil {
		return nil, err
	}
	if snap.TotalQueries == 0 {
		return nil, nil
	}
	return &snap, nil
}
