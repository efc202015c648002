package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sharekeeper/internal/server/api"
	"sharekeeper/internal/server/cleanup"
	"sharekeeper/internal/server/config"
	"sharekeeper/internal/server/database"
	"sharekeeper/internal/server/service"
	"sharekeeper/internal/server/storage"
	"sharekeeper/internal/server/usage"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "sharekeeper",
		Short: "Public share service with expiry and preview-image reclamation",
		Long: `sharekeeper stores publicly viewable analysis reports, keeps per-organization
usage counters for plan limits, and reclaims expired shares and orphaned
preview images.

Running without a subcommand starts the HTTP server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Run the expiry sweep and orphan image collection once",
		RunE:  runCleanup,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  runMigrate,
	})

	return rootCmd
}

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg    *config.Config
	db     *database.DB
	repo   *database.Repository
	images storage.BlobStore
	runner *cleanup.Runner
}

// setup loads configuration, installs the logger, and connects to the
// database. Callers own db.Close.
func setup(ctx context.Context) (*config.Config, *database.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, db, err := setup(ctx)
	if err != nil {
		return nil, err
	}

	images, err := storage.Open(ctx, cfg.Storage.DSN)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := images.Init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("preview image storage initialized", "dsn_scheme", storageScheme(cfg.Storage.DSN))

	repo := database.NewRepository(db)
	sweeper := cleanup.NewSweeper(repo, usage.NewLedger(repo), images, database.NewAdvisoryLock(db, cfg.Cleanup.LockKey))
	collector := cleanup.NewCollector(repo, images)

	return &app{
		cfg:    cfg,
		db:     db,
		repo:   repo,
		images: images,
		runner: cleanup.NewRunner(sweeper, collector),
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.db.Close()

	cfg := a.cfg
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"id_length", cfg.Shares.IDLength,
		"anonymous_ttl", cfg.Shares.AnonymousTTL,
		"workspace_ttl", cfg.Shares.WorkspaceTTL,
		"share_limit", cfg.Plan.ShareLimit,
		"cron_secret_set", cfg.CronSecret != "",
	)

	// Run migrations
	if err := a.db.RunMigrations(ctx); err != nil {
		return err
	}
	slog.Info("database migrations complete")

	// Start the in-process cleanup schedule
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	if cfg.Cleanup.Schedule != "" {
		if err := a.runner.Start(schedCtx, cfg.Cleanup.Schedule); err != nil {
			return err
		}
	}

	// Setup HTTP router
	svc := service.NewShareService(a.repo, a.images, cfg)
	handler := api.NewHandler(svc, a.runner, a.images, a.db, cfg)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		a.runner.Stop()
		return err
	}

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Let a scheduled run finish before closing the pool
	a.runner.Stop()

	slog.Info("server exited cleanly")
	return nil
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.db.Close()

	report, err := a.runner.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Share cleanup completed: %s\n", report)
	return nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	_, db, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RunMigrations(cmd.Context()); err != nil {
		return err
	}
	slog.Info("database migrations complete")
	return nil
}

// storageScheme returns the DSN scheme without credentials for logging.
func storageScheme(dsn string) string {
	scheme, _, _ := strings.Cut(dsn, ":")
	return scheme
}
