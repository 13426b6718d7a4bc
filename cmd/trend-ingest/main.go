package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"trendlab/internal/config"
	"trendlab/internal/gather/us"
	"trendlab/internal/store"
	"trendlab/internal/util"
)

func main() {
	symbols := flag.String("symbols", "", "comma-separated symbols to add to the configured list")
	fromRecipes := flag.Bool("from-recipes", false, "also fetch every universe and benchmark symbol named by the recipes")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	syms := collectSymbols(cfg, *symbols, *fromRecipes)
	if len(syms) == 0 {
		log.Fatal("no symbols to fetch: set gather.us_daily.symbols or pass -symbols")
	}

	job := cfg.Gather.USDaily
	pstore := store.NewParquetStore(cfg.Storage.DataDir, cfg.Storage.Market)
	gatherer := us.NewDailyBarGatherer(us.DailyBarConfig{
		APIKey:          cfg.Alpaca.APIKey,
		APISecret:       cfg.Alpaca.APISecret,
		DataURL:         cfg.Alpaca.DataURL,
		BaseURL:         cfg.Alpaca.BaseURL,
		Feed:            cfg.Alpaca.Feed,
		Symbols:         syms,
		StartDate:       job.StartDate,
		BatchSize:       job.BatchSize,
		MaxWorkers:      job.MaxWorkers,
		RateLimitPerMin: job.RateLimitPerMin,
	}, pstore, filepath.Join(cfg.Storage.DataDir, cfg.Storage.Market, "daily"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting ingest", "gatherer", gatherer.Name(), "symbols", len(syms))
	if err := gatherer.Run(ctx); err != nil {
		log.Fatalf("ingest error: %v", err)
	}
}

func collectSymbols(cfg *config.Config, extra string, fromRecipes bool) []string {
	set := make(map[string]bool)
	add := func(s string) {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			set[s] = true
		}
	}
	for _, s := range cfg.Gather.USDaily.Symbols {
		add(s)
	}
	for _, s := range strings.Split(extra, ",") {
		add(s)
	}
	if fromRecipes {
		for _, s := range cfg.Backtest.Universe {
			add(s)
		}
		add(cfg.Backtest.Benchmark)
		names, err := config.ListRecipes(cfg.Storage.RecipesDir)
		if err != nil {
			slog.Warn("listing recipes", "error", err)
		}
		for _, n := range names {
			bc, err := config.LoadRecipe(n, cfg.Storage.RecipesDir)
			if err != nil {
				slog.Warn("loading recipe", "recipe", n, "error", err)
				continue
			}
			for _, s := range bc.Universe {
				add(s)
			}
			add(bc.Benchmark)
		}
	}

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
