package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"trendlab/internal/domain"
)

var _ BarReader = (*MemoryStore)(nil)

type seriesKey struct {
	symbol string
	tf     domain.Timeframe
}

// MemoryStore is an immutable in-memory BarReader. It is filled once at
// construction and is safe for concurrent reads without locking.
type MemoryStore struct {
	series map[seriesKey][]domain.Bar
}

// NewMemoryStore indexes bars by symbol and timeframe. Bars without a
// timeframe are treated as daily. Duplicate timestamps keep the last bar.
func NewMemoryStore(bars []domain.Bar) *MemoryStore {
	byKey := make(map[seriesKey]map[int64]domain.Bar)
	for _, b := range bars {
		if b.Timeframe == "" {
			b.Timeframe = domain.TimeframeDaily
		}
		k := seriesKey{strings.ToUpper(b.Symbol), b.Timeframe}
		if byKey[k] == nil {
			byKey[k] = make(map[int64]domain.Bar)
		}
		byKey[k][b.Timestamp.UnixNano()] = b
	}
	ms := &MemoryStore{series: make(map[seriesKey][]domain.Bar, len(byKey))}
	for k, m := range byKey {
		out := make([]domain.Bar, 0, len(m))
		for _, b := range m {
			out = append(out, b)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
		ms.series[k] = out
	}
	return ms
}

// ReadBars returns a copy of the stored bars within [start, end].
func (m *MemoryStore) ReadBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	all := m.series[seriesKey{strings.ToUpper(symbol), tf}]
	lo := sort.Search(len(all), func(i int) bool { return !all[i].Timestamp.Before(start) })
	hi := sort.Search(len(all), func(i int) bool { return all[i].Timestamp.After(end) })
	if lo >= hi {
		return nil, &DataGapError{Instrument: symbol, Timeframe: tf, Start: start, End: end}
	}
	return append([]domain.Bar(nil), all[lo:hi]...), nil
}

// ListSymbols returns the sorted symbols held at timeframe tf.
func (m *MemoryStore) ListSymbols(_ context.Context, tf domain.Timeframe) ([]string, error) {
	var out []string
	for k := range m.series {
		if k.tf == tf {
			out = append(out, k.symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}
