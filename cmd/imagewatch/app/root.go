// Package app wires the imagewatch commands.
package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/config"
	"github.com/lissto-dev/imagewatch/pkg/logging"
)

// Set via -ldflags at build time
var (
	Version   = "dev"
	BuildTime = "unknown"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "imagewatch",
	Short: "Watches deployed container images for upstream updates",
	Long: `imagewatch resolves the latest digest of every deployed image against its
registry, records which containers are out of date and keeps a history of
every check run.`,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		_ = cmd.Help()
	},
}

// NewRootCmd creates the root command with every subcommand attached
func NewRootCmd() *cobra.Command {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to configuration file (YAML)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "json", "Log format (json, console)")
	flags.String("database", "data/imagewatch.db", "SQLite database path")

	for key, name := range map[string]string{
		"config":         "config",
		"logging.level":  "log-level",
		"logging.format": "log-format",
		"database.path":  "database",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind flag %s: %v\n", name, err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(cleanupCmd)

	return rootCmd
}

// loadConfig reads and validates configuration and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v, v.GetString("config"))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.InitLogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	logging.Logger.Debug("Configuration loaded",
		zap.String("config", v.GetString("config")),
		zap.String("database", cfg.Database.Path))

	return cfg, nil
}
