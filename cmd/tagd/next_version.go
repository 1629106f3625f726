package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bookverse/tagd/internal/config"
	"github.com/bookverse/tagd/internal/semver"
)

// seedVersion is emitted for applications with no parseable versions yet.
const seedVersion = "1.0.0"

var nextVersionCmd = &cobra.Command{
	Use:   "next-version <app-key>",
	Short: "Print the next patch version for an application",
	Long: `Looks up the application's existing versions in the registry and prints
the highest one with its patch number incremented. Prerelease and build
metadata are not considered; this is a plain X.Y.Z counter for CI pipelines.
Prints "` + seedVersion + `" when the application has no versions yet.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appKey := args[0]
		log := newLogger()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		client, err := newRegistryClient(cfg, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		records, err := client.ListVersions(ctx, appKey)
		if err != nil {
			return fmt.Errorf("list versions for %s: %w", appKey, err)
		}

		versions := make([]string, 0, len(records))
		for _, rec := range records {
			versions = append(versions, rec.Version)
		}

		max, ok := semver.NumericMax(versions)
		if !ok {
			fmt.Println(seedVersion)
			return nil
		}
		next, err := semver.NextPatch(max)
		if err != nil {
			return fmt.Errorf("bump %s: %w", max, err)
		}
		fmt.Println(next)
		return nil
	},
}
