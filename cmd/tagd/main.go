// tagd enforces the single-latest-tag invariant for AppTrust applications.
//
// It consumes lifecycle webhooks from the registry (promotions, rollbacks),
// schedules background enforcement runs per application, and exposes the same
// enforcement pass as a manual CLI command for operators.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bookverse/tagd/internal/apptrust"
	"github.com/bookverse/tagd/internal/config"
)

var (
	configPath  string
	verboseFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "tagd",
	Short: "tagd - latest-tag invariant enforcement for AppTrust",
	Long: `tagd keeps exactly one production-released version of each application
tagged "latest" in the AppTrust registry, re-electing a successor when the
current holder is quarantined and recovering re-released versions.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (default: env + built-in defaults)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(enforceCmd)
	rootCmd.AddCommand(nextVersionCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the process logger. serve replaces slog's default so the
// library packages pick it up too.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// newRegistryClient builds the AppTrust client from loaded config.
func newRegistryClient(cfg *config.Config, log *slog.Logger) (*apptrust.Client, error) {
	client, err := apptrust.New(cfg.Registry.BaseURL, cfg.Registry.Token,
		apptrust.WithTimeout(cfg.Registry.Timeout),
		apptrust.WithListLimit(cfg.Registry.ListLimit),
		apptrust.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("registry client: %w", err)
	}
	return client, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
