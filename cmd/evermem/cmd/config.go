package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zhisenyang/EverMemOS-sub003/configs"
	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	"github.com/zhisenyang/EverMemOS-sub003/internal/output"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage evermem configuration.

Configuration precedence (lowest to highest):
  1. Defaults
  2. User config (~/.config/evermem/config.yaml)
  3. Project config (.evermem.yaml)
  4. Environment variables (EVERMEM_*)`,
		Example: `  # Write a project config with every default
  evermem config init

  # Show the effective configuration
  evermem config show

  # Undo the last 'config init --force'
  evermem config restore`,
	}

	cmd.AddCommand(newConfigShowCmd(a))
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigPathCmd())
	cmd.AddCommand(newConfigRestoreCmd())

	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	var jsonOutput, defaults bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Long:  `Show the merged configuration. API keys are masked.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.NewConfig()
			if !defaults {
				loaded, err := a.config()
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if jsonOutput {
				return writeJSON(cmd, cfg)
			}
			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON (API keys omitted)")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Show built-in defaults only")

	return cmd
}

// configTarget is the file init and restore work on.
func configTarget(user bool) (string, error) {
	if user {
		return config.GetUserConfigPath(), nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, config.ProjectConfigFile), nil
}

func newConfigInitCmd() *cobra.Command {
	var user, force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with every default",
		Long: `Write .evermem.yaml in the current directory, or the user config with
--user.

An existing file is left alone unless --force is given. With --force the
file is backed up, then rewritten with its own settings plus any keys
added since it was written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configTarget(user)
			if err != nil {
				return err
			}
			return runConfigInit(cmd, path, force)
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Write the user config instead of the project config")
	cmd.Flags().BoolVar(&force, "force", false, "Upgrade an existing file (a backup is kept)")

	return cmd
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	out := output.New(cmd.OutOrStdout())

	if _, err := os.Stat(path); err == nil {
		if !force {
			out.Warningf("Configuration already exists")
			out.Statusf("📁", "Location: %s", path)
			out.Status("💡", "Use --force to add new defaults (your settings are kept)")
			return nil
		}

		backup, err := config.BackupFile(path)
		if err != nil {
			return fmt.Errorf("failed to back up config: %w", err)
		}
		existing, err := config.ReadFile(path)
		if err != nil {
			return err
		}
		if err := existing.WriteYAML(path); err != nil {
			return err
		}
		out.Successf("Configuration upgraded")
		out.Statusf("📁", "Location: %s", path)
		out.Statusf("💾", "Backup: %s", backup)
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configs.ConfigTemplate), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	out.Successf("Created configuration")
	out.Statusf("📁", "Location: %s", path)
	out.Status("", "Set llm.api_key or EVERMEM_LLM_API_KEY before running agentic search")
	return nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the user config path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), config.GetUserConfigPath())
			return err
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	var user bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the newest configuration backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := configTarget(user)
			if err != nil {
				return err
			}
			backups, err := config.ListBackups(path)
			if err != nil {
				return err
			}
			if len(backups) == 0 {
				return fmt.Errorf("no backups of %s", path)
			}
			if err := config.RestoreBackup(path, backups[0]); err != nil {
				return err
			}
			output.New(cmd.OutOrStdout()).Successf("Restored %s from %s", path, backups[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&user, "user", false, "Restore the user config instead of the project config")
	return cmd
}
