package us

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"trendlab/internal/domain"
	"trendlab/internal/store"
)

type fakeClient struct {
	mu       sync.Mutex
	bars     map[string][]marketdata.Bar
	requests []marketdata.GetBarsRequest
	symbols  [][]string
	failures int
}

func (f *fakeClient) GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("503 service unavailable")
	}
	f.requests = append(f.requests, req)
	f.symbols = append(f.symbols, append([]string(nil), symbols...))

	out := make(map[string][]marketdata.Bar)
	for _, sym := range symbols {
		for _, b := range f.bars[sym] {
			if !b.Timestamp.Before(req.Start) && b.Timestamp.Before(req.End) {
				out[sym] = append(out[sym], b)
			}
		}
	}
	return out, nil
}

func dailyBars(n int, start time.Time, px float64) []marketdata.Bar {
	out := make([]marketdata.Bar, n)
	for i := range out {
		c := px + float64(i)
		out[i] = marketdata.Bar{
			Timestamp: start.AddDate(0, 0, i).Add(5 * time.Hour),
			Open:      c - 0.5, High: c + 1, Low: c - 1, Close: c,
			Volume: 1000, TradeCount: 10, VWAP: c,
		}
	}
	return out
}

func testGatherer(t *testing.T, client *fakeClient, ps *store.ParquetStore, end time.Time) *DailyBarGatherer {
	t.Helper()
	g := newDailyBarGatherer(DailyBarConfig{
		Symbols:         []string{"aaa", "BBB", "ZZZ"},
		StartDate:       "2024-01-01",
		BatchSize:       2,
		MaxWorkers:      2,
		RateLimitPerMin: 60000,
	}, client, ps, t.TempDir())
	g.backoff = time.Millisecond
	g.endDate = func() (time.Time, error) { return end, nil }
	return g
}

func TestDailyBarGathererName(t *testing.T) {
	g := NewDailyBarGatherer(DailyBarConfig{APIKey: "key", APISecret: "secret"}, nil, t.TempDir())
	if got := g.Name(); got != "us-daily" {
		t.Errorf("DailyBarGatherer.Name() = %q, want %q", got, "us-daily")
	}
}

func TestDailyBarGathererRun(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{bars: map[string][]marketdata.Bar{
		"AAA": dailyBars(10, start, 10),
		"BBB": dailyBars(10, start, 50),
	}}
	ps := store.NewParquetStore(t.TempDir(), "us")
	ctx := context.Background()

	g := testGatherer(t, client, ps, start.AddDate(0, 0, 4))
	if err := g.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(client.requests) != 2 {
		t.Fatalf("requests = %d, want 2 batches", len(client.requests))
	}
	if client.requests[0].Feed != "sip" || client.requests[0].TimeFrame != marketdata.OneDay {
		t.Errorf("request = %+v", client.requests[0])
	}

	got, err := ps.ReadBars(ctx, "AAA", domain.TimeframeDaily, start, start.AddDate(1, 0, 0))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 5 || got[4].Close != 14 {
		t.Fatalf("AAA bars = %+v, want 5 ending at close 14", got)
	}
	if got[0].Timeframe != domain.TimeframeDaily || got[0].Timestamp.Location() != time.UTC {
		t.Errorf("bar = %+v, want daily UTC", got[0])
	}
}

func TestDailyBarGathererResume(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{bars: map[string][]marketdata.Bar{
		"AAA": dailyBars(10, start, 10),
		"BBB": dailyBars(10, start, 50),
	}}
	ps := store.NewParquetStore(t.TempDir(), "us")
	dir := t.TempDir()

	g := testGatherer(t, client, ps, start.AddDate(0, 0, 4))
	g.dir = dir
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	client.requests, client.symbols = nil, nil
	g = testGatherer(t, client, ps, start.AddDate(0, 0, 7))
	g.dir = dir
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(client.requests) != 1 {
		t.Fatalf("requests = %d, want 1 (ZZZ is known empty)", len(client.requests))
	}
	if want := start.AddDate(0, 0, 5); !client.requests[0].Start.Equal(want) {
		t.Errorf("resume start = %v, want %v", client.requests[0].Start, want)
	}
	if syms := client.symbols[0]; len(syms) != 2 || syms[0] != "AAA" || syms[1] != "BBB" {
		t.Errorf("resumed symbols = %v, want [AAA BBB]", syms)
	}

	// Nothing new: no requests at all.
	client.requests = nil
	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if len(client.requests) != 0 {
		t.Errorf("requests = %d, want 0 when up to date", len(client.requests))
	}
}

func TestDailyBarGathererRetries(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &fakeClient{
		bars:     map[string][]marketdata.Bar{"AAA": dailyBars(3, start, 10)},
		failures: 2,
	}
	ps := store.NewParquetStore(t.TempDir(), "us")
	g := testGatherer(t, client, ps, start.AddDate(0, 0, 2))
	g.cfg.Symbols = []string{"AAA"}

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := ps.ReadBars(context.Background(), "AAA", domain.TimeframeDaily, start, start.AddDate(0, 0, 3))
	if err != nil || len(got) != 3 {
		t.Fatalf("bars = %d, err %v; want 3 after retries", len(got), err)
	}
}

func TestLatestFinished(t *testing.T) {
	et, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	days := []string{"2024-03-11", "2024-03-12", "2024-03-13"}

	before := time.Date(2024, 3, 13, 15, 0, 0, 0, et)
	got, err := latestFinished(days, before)
	if err != nil || got.Format(time.DateOnly) != "2024-03-12" {
		t.Errorf("before cutoff = %v, %v; want 2024-03-12", got, err)
	}

	after := time.Date(2024, 3, 13, 21, 0, 0, 0, et)
	got, _ = latestFinished(days, after)
	if got.Format(time.DateOnly) != "2024-03-13" {
		t.Errorf("after cutoff = %v, want 2024-03-13", got)
	}

	if _, err := latestFinished(nil, after); err == nil {
		t.Error("expected error for empty calendar")
	}
}
