package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"trendlab/internal/backtest"
	"trendlab/internal/config"
	"trendlab/internal/engine"
	"trendlab/internal/observability"
	"trendlab/internal/store"
	"trendlab/internal/util"
)

func main() {
	recipes := flag.String("recipe", "", "comma-separated recipe names or paths (default: the config's backtest section)")
	all := flag.Bool("all", false, "run every recipe in the recipes directory")
	parallel := flag.Int("parallel", 4, "concurrent runs")
	noSave := flag.Bool("no-save", false, "do not record runs in the results database")
	export := flag.Bool("export", false, "write trade and equity Parquet artifacts")
	flag.Parse()

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	configs, err := selectConfigs(cfg, *recipes, *all)
	if err != nil {
		log.Fatalf("selecting recipes: %v", err)
	}

	m := observability.NewMetrics("")
	opts := []backtest.Option{backtest.WithLogger(logger), backtest.WithRecorder(m)}
	if !*noSave {
		repo, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("opening results database: %v", err)
		}
		defer repo.Close()
		opts = append(opts, backtest.WithRunRepository(repo))
	}
	if *export {
		opts = append(opts, backtest.WithArtifactDir(cfg.Storage.ArtifactDir))
	}
	runner := backtest.NewRunner(store.NewParquetStore(cfg.Storage.DataDir, cfg.Storage.Market), opts...)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting backtests", "runs", len(configs), "parallel", *parallel)
	reports, runErr := runner.RunBatch(ctx, configs, *parallel)

	for _, rep := range reports {
		if rep == nil {
			continue
		}
		status := observability.StatusOK
		if rep.Result.Truncated {
			status = observability.StatusCanceled
		}
		m.ObserveRun(status, rep.Elapsed)
	}
	for range countFailed(reports) {
		m.ObserveRun(observability.StatusFailed, 0)
	}
	printReports(os.Stdout, reports)

	if cfg.Metrics.TextfilePath != "" {
		if err := m.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			slog.Error("writing metrics textfile", "error", err)
		}
	}
	if runErr != nil {
		if errors.Is(runErr, engine.ErrRunCanceled) {
			slog.Warn("interrupted, partial results saved")
		}
		log.Fatalf("backtest failed: %v", runErr)
	}
}

func selectConfigs(cfg *config.Config, recipes string, all bool) ([]config.BacktestConfig, error) {
	var names []string
	switch {
	case all:
		var err error
		if names, err = config.ListRecipes(cfg.Storage.RecipesDir); err != nil {
			return nil, err
		}
		if len(names) == 0 {
			return nil, fmt.Errorf("no recipes in %s", cfg.Storage.RecipesDir)
		}
	case recipes != "":
		for _, n := range strings.Split(recipes, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	default:
		return []config.BacktestConfig{cfg.Backtest}, nil
	}

	out := make([]config.BacktestConfig, 0, len(names))
	for _, n := range names {
		bc, err := config.LoadRecipe(n, cfg.Storage.RecipesDir)
		if err != nil {
			return nil, err
		}
		out = append(out, *bc)
	}
	return out, nil
}

func countFailed(reports []*backtest.Report) int {
	n := 0
	for _, r := range reports {
		if r == nil {
			n++
		}
	}
	return n
}

func printReports(f *os.File, reports []*backtest.Report) {
	w := tabwriter.NewWriter(f, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "run\tname\ttrades\twin%\treturn%\tcagr%\tmaxdd%\tsharpe\tpf\texp(R)\t")
	for _, r := range reports {
		if r == nil {
			continue
		}
		s := r.Summary
		fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t%.2f\t\n",
			shortID(r.RunID), r.Config.Name, s.TotalTrades, s.WinRate*100,
			s.TotalReturn*100, s.CAGR*100, s.MaxDrawdown*100, s.SharpeRatio, s.ProfitFactor, s.Expectancy)
	}
	w.Flush()

	for _, r := range reports {
		if r != nil && len(r.Skipped) > 0 {
			fmt.Fprintf(f, "%s: skipped %s (no data)\n", r.Config.Name, strings.Join(r.Skipped, ", "))
		}
		if r != nil && r.TradesArtifact != "" {
			fmt.Fprintf(f, "%s: %s, %s\n", r.Config.Name, r.TradesArtifact, r.EquityArtifact)
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
