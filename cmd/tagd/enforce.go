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
	"github.com/bookverse/tagd/internal/tagging"
)

var enforceCmd = &cobra.Command{
	Use:   "enforce <app-key>",
	Short: "Run one latest-tag enforcement pass for an application",
	Long: `Runs the same enforcement pass the webhook server schedules: recovers
re-released versions, then promotes the highest eligible version to "latest".
Safe to run repeatedly; a converged application results in no changes.`,
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
		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()

		if err := tagging.NewService(client, log).EnforceLatest(ctx, appKey); err != nil {
			return fmt.Errorf("enforce %s: %w", appKey, err)
		}
		fmt.Printf("latest-tag invariant enforced for %s\n", appKey)
		return nil
	},
}
