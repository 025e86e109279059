package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filevault/internal/auth"
	"filevault/internal/config"
	"filevault/internal/dedup"
	"filevault/internal/httpapi"
	"filevault/internal/logging"
	"filevault/internal/metrics"
	"filevault/internal/realtime"
	"filevault/internal/sweep"
	"filevault/internal/upload"
)

func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		bootLogger := logging.New("info", "json", os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load .env")
	}

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "json", os.Stderr)
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	if cfg.MetricsEnabled {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	catalog, closeCatalog, err := openCatalog(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.CatalogBackend).Msg("open catalog")
	}
	defer closeCatalog()

	blobs, err := openBlobStorage(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StorageBackend).Msg("open blob storage")
	}

	tasks, closeTasks, err := openTaskStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.TaskStore).Msg("open task store")
	}
	defer closeTasks()

	categories, err := upload.NewCategories(cfg.CategoryLimits)
	if err != nil {
		logger.Fatal().Err(err).Msg("category limits")
	}

	registry := realtime.NewRegistry(logger)
	engine := upload.NewEngine(tasks, blobs, dedup.NewIndex(catalog, logger), upload.Options{
		TaskTTL:       cfg.TaskTTL,
		MaxChunkBytes: cfg.MaxChunkBytes,
		SpoolDir:      cfg.SpoolDir,
		Categories:    categories,
		Notifier:      registry,
		Logger:        logger,
	})

	sweeper := sweep.NewSweeper(blobs, tasks, cfg.ChunkTTL, logger)
	worker := sweep.NewWorker(sweeper, sweep.WorkerConfig{
		Enabled:      cfg.SweepEnabled,
		StartupDelay: cfg.SweepDelay,
		Interval:     cfg.SweepInterval,
	}, logger)
	go worker.Run(ctx)

	go prunePeriodically(ctx, registry, time.Minute)

	authn := auth.NewAuthenticator(catalog, cfg.AdminToken, cfg.APITokens)
	api := httpapi.New(cfg, authn, engine, catalog, blobs, registry, logger)
	server := api.NewServer(api.NewEcho())

	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr).
			Str("catalog", cfg.CatalogBackend).
			Str("storage", cfg.StorageBackend).
			Str("tasks", cfg.TaskStore).
			Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("serve")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
		os.Exit(1)
	}
	logger.Info().Msg("stopped")
}

func prunePeriodically(ctx context.Context, registry *realtime.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Prune()
		}
	}
}
