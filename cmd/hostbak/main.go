package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowjay/hostbak/internal/config"
	"github.com/rowjay/hostbak/internal/logging"
	"github.com/rowjay/hostbak/internal/run"
	"github.com/rowjay/hostbak/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
	Debug      bool
}

func main() {
	root := &rootFlags{}
	flags := &run.Flags{}

	rootCmd := &cobra.Command{
		Use:   "hostbak",
		Short: "Host filesystem and database backup with deduplicating archives",
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, root, *flags)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().BoolVar(&root.Debug, "debug", false, "Shorthand for --log-level=debug --log-format=console")

	rootCmd.Flags().BoolVar(&flags.DryRun, "dry-run", false, "Walk the whole run without writing an archive or touching services")
	rootCmd.Flags().BoolVar(&flags.CheckOnly, "check-only", false, "Validate configuration, secrets, and service graph, then exit")
	rootCmd.Flags().BoolVar(&flags.NoPrune, "no-prune", false, "Skip pruning old archives after a successful backup")
	rootCmd.Flags().BoolVar(&flags.RepoCheck, "repo-check", false, "Run a full repository check with data verification, then exit")
	rootCmd.Flags().BoolVar(&flags.CheckSqlite, "check-sqlite", false, "Integrity-check SQLite databases under the backup roots, then exit")
	rootCmd.Flags().BoolVar(&flags.VerifyOnly, "verify-only", false, "Verify an existing archive without creating a new one")
	rootCmd.Flags().StringVar(&flags.Archive, "archive", "", "Archive name for --verify-only (default: newest)")

	rootCmd.AddCommand(newEncryptConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func execute(cmd *cobra.Command, root *rootFlags, flags run.Flags) error {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return err
	}
	if root.Debug {
		cfg.Global.LogLevel = "debug"
		cfg.Global.LogFormat = "console"
	}
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	start := time.Now()
	logger, closer, err := logging.ConfigureWithFile(cfg.Global.LogLevel, cfg.Global.LogFormat, cfg.Global.LogDir, start)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := logging.PruneOld(cfg.Global.LogDir, cfg.Global.LogKeepDays); err != nil {
		logger.Warn().Err(err).Msg("could not prune old logs")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := &run.Orchestrator{Cfg: cfg, Log: logger, Flags: flags}
	if err := o.Execute(ctx); err != nil {
		logger.Error().Err(err).Msg("run failed")
		return err
	}
	return nil
}

func newEncryptConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "encrypt-config",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "Input config file")
	cmd.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	cmd.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("hostbak %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
