// Package cmd implements the evermem commands.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/logging"
	"github.com/zhisenyang/EverMemOS-sub003/internal/profiling"
	"github.com/zhisenyang/EverMemOS-sub003/pkg/version"
)

// app holds the persistent flags and the state set up around a command.
type app struct {
	configPath string
	dataDir    string
	debug      bool
	logFile    string
	profile    profiling.Options

	cfg     *config.Config
	cfgErr  error
	loaded  bool
	cleanup func()
	prevLog *slog.Logger
	session *profiling.Session
}

// NewRootCmd creates the evermem root command.
func NewRootCmd() *cobra.Command {
	cmd, _ := newRoot()
	return cmd
}

func newRoot() (*cobra.Command, *app) {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "evermem",
		Short: "Hybrid agentic retrieval over conversational memory",
		Long: `evermem answers questions over stored conversation memories.

Each query runs a hybrid pass (HNSW vectors + BM25, fused with RRF). An LLM
judge then decides whether the memories suffice; if not, rewritten queries
run a second round and all lists are fused again.

Configuration precedence (lowest to highest):
  1. Defaults
  2. User config (~/.config/evermem/config.yaml)
  3. Project config (.evermem.yaml)
  4. Environment variables (EVERMEM_*)
  5. Flags`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("evermem version {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "Config file (replaces user and project config)")
	pf.StringVar(&a.dataDir, "data-dir", "", "Memory store directory (overrides storage.data_dir)")
	pf.BoolVar(&a.debug, "debug", false, "Debug logging, also written to stderr")
	pf.StringVar(&a.logFile, "log-file", "", "Log file (default ~/.evermem/logs/evermem.log)")
	pf.StringVar(&a.profile.CPU, "profile-cpu", "", "Write a CPU profile to file")
	pf.StringVar(&a.profile.Heap, "profile-mem", "", "Write a heap profile to file")
	pf.StringVar(&a.profile.Trace, "profile-trace", "", "Write an execution trace to file")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error { return a.start() }
	cmd.PersistentPostRunE = func(*cobra.Command, []string) error { return a.stop() }

	cmd.AddCommand(newSearchCmd(a))
	cmd.AddCommand(newBatchCmd(a))
	cmd.AddCommand(newImportCmd(a))
	cmd.AddCommand(newStatsCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	cmd.AddCommand(newDoctorCmd(a))
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd, a
}

// Execute runs the root command, stopping on SIGINT or SIGTERM.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd, a := newRoot()
	err := cmd.ExecuteContext(ctx)
	// PostRun is skipped when RunE fails.
	_ = a.stop()
	if err != nil {
		fmt.Fprint(os.Stderr, amerrors.FormatForCLI(err))
	}
	return err
}

// config loads the configuration once. Flags win over every other source.
func (a *app) config() (*config.Config, error) {
	if a.loaded {
		return a.cfg, a.cfgErr
	}
	a.loaded = true

	if a.configPath != "" {
		a.cfg, a.cfgErr = config.LoadFile(a.configPath)
	} else {
		dir, err := os.Getwd()
		if err != nil {
			dir = "."
		}
		a.cfg, a.cfgErr = config.Load(dir)
	}
	if a.cfgErr == nil && a.dataDir != "" {
		a.cfg.Storage.DataDir = a.dataDir
	}
	return a.cfg, a.cfgErr
}

// start sets up file logging and profiling. A config that fails to load
// is reported by the command that needs it; logging falls back to
// defaults.
func (a *app) start() error {
	logCfg := logging.DefaultConfig()
	if cfg, err := a.config(); err == nil {
		logCfg.Level = cfg.Logging.Level
		logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
		logCfg.MaxFiles = cfg.Logging.MaxFiles
	}
	if a.debug {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}
	if a.logFile != "" {
		logCfg.FilePath = a.logFile
	}

	a.prevLog = slog.Default()
	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	a.cleanup = cleanup
	slog.Debug("evermem_start",
		slog.String("version", version.Short()),
		slog.String("log_file", logCfg.FilePath))

	if a.profile.Enabled() {
		s, err := profiling.Start(a.profile)
		if err != nil {
			return err
		}
		a.session = s
	}
	return nil
}

// stop flushes profiles and the log file. It is safe to call twice.
func (a *app) stop() error {
	var err error
	if a.session != nil {
		err = a.session.Stop()
		a.session = nil
	}
	if a.cleanup != nil {
		a.cleanup()
		a.cleanup = nil
		slog.SetDefault(a.prevLog)
	}
	return err
}
