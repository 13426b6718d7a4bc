package us

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"trendlab/internal/domain"
	"trendlab/internal/gather"
	"trendlab/internal/store"
	"trendlab/internal/util"
)

// Compile-time interface check.
var _ gather.Gatherer = (*DailyBarGatherer)(nil)

// barClient is the subset of *marketdata.Client the gatherer uses.
type barClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// DailyBarConfig parameterises a DailyBarGatherer.
type DailyBarConfig struct {
	APIKey    string
	APISecret string
	DataURL   string
	BaseURL   string // trading API, for the calendar
	Feed      string // "sip" or "iex"

	Symbols         []string
	StartDate       string // YYYY-MM-DD, first day fetched for a new symbol
	BatchSize       int    // symbols per API call
	MaxWorkers      int
	RateLimitPerMin int
}

// DailyBarGatherer fetches split- and dividend-adjusted daily bars for a
// fixed symbol list from the Alpaca market-data API into a bar store. Runs
// are incremental: each symbol resumes after its last stored day.
type DailyBarGatherer struct {
	cfg     DailyBarConfig
	client  barClient
	store   store.BarWriter
	dir     string // progress log location
	limiter *util.RateLimiter
	backoff time.Duration
	endDate func() (time.Time, error)
	log     *slog.Logger
}

// NewDailyBarGatherer creates a DailyBarGatherer writing to s. progressDir
// holds the incremental progress log.
func NewDailyBarGatherer(cfg DailyBarConfig, s store.BarWriter, progressDir string) *DailyBarGatherer {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	g := newDailyBarGatherer(cfg, marketdata.NewClient(opts), s, progressDir)
	g.endDate = func() (time.Time, error) {
		return LatestFinishedTradingDay(cfg.APIKey, cfg.APISecret, cfg.BaseURL)
	}
	return g
}

func newDailyBarGatherer(cfg DailyBarConfig, client barClient, s store.BarWriter, progressDir string) *DailyBarGatherer {
	cfg.BatchSize = max(cfg.BatchSize, 1)
	cfg.MaxWorkers = max(cfg.MaxWorkers, 1)
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 200
	}
	return &DailyBarGatherer{
		cfg:     cfg,
		client:  client,
		store:   s,
		dir:     progressDir,
		limiter: util.NewRateLimiter(cfg.RateLimitPerMin),
		backoff: 2 * time.Second,
		log:     slog.Default().With("gatherer", "us-daily"),
	}
}

// Name returns the gatherer identifier.
func (g *DailyBarGatherer) Name() string { return "us-daily" }

// Run fetches every configured symbol from its resume day through the latest
// finished trading day. Symbols sharing a resume day are batched into one
// request. Failed batches are logged and reported in the returned error.
func (g *DailyBarGatherer) Run(ctx context.Context) error {
	first, err := time.Parse(time.DateOnly, g.cfg.StartDate)
	if err != nil {
		return fmt.Errorf("parsing start date %q: %w", g.cfg.StartDate, err)
	}
	end, err := g.endDate()
	if err != nil {
		return fmt.Errorf("determining end date: %w", err)
	}

	tracker, err := newProgressTracker(g.dir)
	if err != nil {
		return fmt.Errorf("creating progress tracker: %w", err)
	}
	defer tracker.Close()

	// Group symbols by resume day.
	byStart := make(map[time.Time][]string)
	for _, raw := range g.cfg.Symbols {
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" || tracker.IsEmpty(sym) {
			continue
		}
		start := first
		if last, ok := tracker.LastFetched(sym); ok {
			start = last.AddDate(0, 0, 1)
		}
		if (gather.DateRange{Start: start, End: end}).Empty() {
			continue
		}
		byStart[start] = append(byStart[start], sym)
	}

	type job struct {
		rng     gather.DateRange
		symbols []string
	}
	var jobs []job
	starts := make([]time.Time, 0, len(byStart))
	for s := range byStart {
		starts = append(starts, s)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })
	for _, s := range starts {
		syms := byStart[s]
		sort.Strings(syms)
		for i := 0; i < len(syms); i += g.cfg.BatchSize {
			jobs = append(jobs, job{
				rng:     gather.DateRange{Start: s, End: end},
				symbols: syms[i:min(i+g.cfg.BatchSize, len(syms))],
			})
		}
	}

	g.log.Info("starting us-daily",
		"endDate", end.Format(time.DateOnly),
		"symbols", len(g.cfg.Symbols),
		"batches", len(jobs),
	)
	if len(jobs) == 0 {
		return nil
	}

	jobCh := make(chan int, len(jobs))
	for i := range jobs {
		jobCh <- i
	}
	close(jobCh)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		failures  []error
		totalBars atomic.Int64
		runStart  = time.Now()
	)
	fail := func(err error) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}

	workers := min(g.cfg.MaxWorkers, len(jobs))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobCh {
				if ctx.Err() != nil {
					return
				}
				j := jobs[idx]
				n, err := g.runBatch(ctx, tracker, j.symbols, j.rng)
				if err != nil {
					g.log.Error("batch failed",
						"batch", fmt.Sprintf("%d/%d", idx+1, len(jobs)),
						"err", err,
					)
					fail(err)
					continue
				}
				totalBars.Add(int64(n))
				g.log.Info("batch done",
					"batch", fmt.Sprintf("%d/%d", idx+1, len(jobs)),
					"bars", n,
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	g.log.Info("complete", "bars", totalBars.Load(), "failed_batches", len(failures),
		"elapsed", time.Since(runStart).Round(time.Second))
	return errors.Join(failures...)
}

// runBatch fetches, stores and records one batch. It returns the number of
// bars written.
func (g *DailyBarGatherer) runBatch(ctx context.Context, tracker *progressTracker, symbols []string, rng gather.DateRange) (int, error) {
	var bars []domain.Bar
	err := util.Retry(ctx, 3, g.backoff, retryable, func() error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		bars, err = g.fetchMultiBars(symbols, rng)
		return err
	})
	if err != nil {
		return 0, err
	}

	lastDay := make(map[string]time.Time)
	for _, b := range bars {
		d := time.Date(b.Timestamp.Year(), b.Timestamp.Month(), b.Timestamp.Day(), 0, 0, 0, 0, time.UTC)
		if d.After(lastDay[b.Symbol]) {
			lastDay[b.Symbol] = d
		}
	}
	var empty []string
	for _, sym := range symbols {
		if _, hit := lastDay[sym]; !hit {
			empty = append(empty, sym)
		}
	}

	if len(bars) > 0 {
		if err := g.store.WriteBars(ctx, bars); err != nil {
			return 0, fmt.Errorf("writing bars: %w", err)
		}
		if err := tracker.MarkFetched(lastDay); err != nil {
			return 0, err
		}
	}
	if len(empty) > 0 {
		if err := tracker.MarkEmpty(empty); err != nil {
			return 0, err
		}
	}
	return len(bars), nil
}

// fetchMultiBars fetches daily bars for multiple symbols in a single API call.
func (g *DailyBarGatherer) fetchMultiBars(symbols []string, rng gather.DateRange) ([]domain.Bar, error) {
	req := marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: "all",
		Start:      rng.Start,
		End:        rng.End.AddDate(0, 0, 1),
	}
	if g.cfg.Feed == "iex" {
		req.Feed = "iex"
	} else {
		req.Feed = "sip"
	}

	multiBars, err := g.client.GetMultiBars(symbols, req)
	if err != nil {
		return nil, fmt.Errorf("GetMultiBars: %w", err)
	}

	var bars []domain.Bar
	for symbol, alpacaBars := range multiBars {
		for _, ab := range alpacaBars {
			bars = append(bars, domain.Bar{
				Symbol:     strings.ToUpper(symbol),
				Timestamp:  ab.Timestamp.UTC(),
				Open:       ab.Open,
				High:       ab.High,
				Low:        ab.Low,
				Close:      ab.Close,
				Volume:     int64(ab.Volume),
				TradeCount: int64(ab.TradeCount),
				VWAP:       ab.VWAP,
				Timeframe:  domain.TimeframeDaily,
			})
		}
	}
	return bars, nil
}

// retryable treats everything but cancellation as transient.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
