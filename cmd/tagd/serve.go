package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bookverse/tagd/internal/apptrust"
	"github.com/bookverse/tagd/internal/auth"
	"github.com/bookverse/tagd/internal/config"
	"github.com/bookverse/tagd/internal/dispatch"
	"github.com/bookverse/tagd/internal/tagging"
	"github.com/bookverse/tagd/internal/telemetry"
	"github.com/bookverse/tagd/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server and enforcement dispatcher",
	Long: `Starts the HTTP server that receives AppTrust lifecycle webhooks and runs
latest-tag enforcement in the background, serialized per application. Runs
until SIGINT or SIGTERM.`,
	RunE: runServe,
}

// reloadableRegistry lets serve swap in a fresh AppTrust client when the
// config file changes, so rotated tokens take effect without a restart.
type reloadableRegistry struct {
	client atomic.Pointer[apptrust.Client]
}

func (r *reloadableRegistry) configure(cfg *config.Config, log *slog.Logger) error {
	client, err := newRegistryClient(cfg, log)
	if err != nil {
		return err
	}
	r.client.Store(client)
	return nil
}

func (r *reloadableRegistry) ListVersions(ctx context.Context, appKey string) ([]apptrust.VersionRecord, error) {
	return r.client.Load().ListVersions(ctx, appKey)
}

func (r *reloadableRegistry) PatchVersion(ctx context.Context, appKey, version string, p apptrust.Patch) error {
	return r.client.Load().PatchVersion(ctx, appKey, version, p)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := newLogger()
	slog.SetDefault(log)

	if err := telemetry.Init(ctx, "tagd", Version); err != nil {
		log.Warn("telemetry disabled", "error", err)
	}
	defer telemetry.Shutdown(context.Background())

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry := &reloadableRegistry{}
	if err := registry.configure(cfg, log); err != nil {
		return err
	}
	if configPath != "" {
		watcher, err := config.Watch(configPath, log, func(fresh *config.Config) {
			if err := registry.configure(fresh, log); err != nil {
				log.Error("keeping previous registry client", "error", err)
			}
		})
		if err != nil {
			return err
		}
		_ = watcher // keeps the fsnotify watcher alive for the process lifetime
	}

	cache := auth.NewJWKSCache(cfg.Auth.Authority, cfg.Auth.JWKSTTL, nil)
	validator := auth.NewValidator(cfg.Auth.Enabled, cfg.Auth.Authority, cfg.Auth.Audience, cache, log)
	if !cfg.Auth.Enabled {
		log.Warn("token validation is DISABLED; do not run this way in production")
	}

	service := tagging.NewService(telemetry.WrapRegistry(registry), log)

	// Background jobs run on their own context so in-flight enforcement can
	// drain during shutdown; Close bounds the wait.
	dispatcher := dispatch.New(context.Background(), log)

	server := webhook.NewServer(webhook.ServerConfig{
		Service:    service,
		Dispatcher: dispatcher,
		Validator:  validator,
		RateRPS:    cfg.RateLimit.RPS,
		RateBurst:  cfg.RateLimit.Burst,
		Log:        log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("tagd listening",
			"addr", cfg.Listen,
			"registry", cfg.Registry.BaseURL,
			"auth_enabled", cfg.Auth.Enabled)
		if err := server.Start(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown", "error", err)
		}
		if err := dispatcher.Close(shutdownCtx); err != nil {
			log.Warn("abandoning queued jobs", "pending", dispatcher.Pending(), "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
