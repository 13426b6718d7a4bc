package main

import (
	"context"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"trendlab/internal/api"
	"trendlab/internal/backtest"
	"trendlab/internal/config"
	"trendlab/internal/httpapi"
	"trendlab/internal/observability"
	"trendlab/internal/store"
	"trendlab/internal/util"
)

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	repo, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening results database: %v", err)
	}
	defer repo.Close()

	bars := store.NewParquetStore(cfg.Storage.DataDir, cfg.Storage.Market)
	m := observability.NewMetrics("")
	runner := backtest.NewRunner(bars,
		backtest.WithRunRepository(repo),
		backtest.WithLogger(logger),
		backtest.WithRecorder(m),
		backtest.WithArtifactDir(cfg.Storage.ArtifactDir),
	)
	svc := api.NewService(repo, runner, cfg.Storage.RecipesDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.NewServer(cfg.Server.GRPCAddr(), svc, logger).ListenAndServe(ctx)
	})
	if cfg.Server.HTTPPort > 0 {
		g.Go(func() error {
			return httpapi.NewResultsServer(svc, bars, m.Registry(), logger).ListenAndServe(ctx, cfg.Server.HTTPAddr())
		})
	}

	slog.Info("trend-server started", "grpc", cfg.Server.GRPCAddr(), "http_port", cfg.Server.HTTPPort)
	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
