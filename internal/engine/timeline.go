package engine

import (
	"fmt"
	"math"
	"sort"
	"time"

	"trendlab/internal/domain"
	"trendlab/internal/indicator"
	"trendlab/internal/util"
)

// series is one instrument's bars with a cursor that follows the session
// loop. cur is the index of the bar at the current session or -1; last is
// the latest bar at or before it.
type series struct {
	symbol string
	bars   []domain.Bar
	cols   indicator.Columns
	atr    indicator.Column

	next int
	cur  int
	last int
}

// advance moves the cursor to session time ts.
func (s *series) advance(ts time.Time) {
	s.cur = -1
	for s.next < len(s.bars) && !s.bars[s.next].Timestamp.After(ts) {
		s.last = s.next
		s.next++
	}
	if s.last >= 0 && s.bars[s.last].Timestamp.Equal(ts) {
		s.cur = s.last
	}
}

// inSpan reports whether ts lies between the series' first and last bar.
func (s *series) inSpan(ts time.Time) bool {
	return len(s.bars) > 0 && !ts.Before(s.bars[0].Timestamp) && !ts.After(s.bars[len(s.bars)-1].Timestamp)
}

// prevATR is the ATR of the bar before the current one, NaN if unknown.
func (s *series) prevATR() float64 {
	if s.cur < 1 || s.atr == nil {
		return math.NaN()
	}
	v, _ := s.atr.At(s.cur - 1)
	return v
}

func (s *series) prevClose() float64 {
	if s.cur < 1 {
		return math.NaN()
	}
	return s.bars[s.cur-1].Close
}

// checkSeries verifies ordering, timeframe tags and grid alignment.
func checkSeries(symbol string, bars []domain.Bar, cal *util.SessionCalendar) error {
	for i, b := range bars {
		if b.Timeframe != "" && b.Timeframe != cal.Timeframe() {
			return &DataAlignmentError{Instrument: symbol, Timestamp: b.Timestamp,
				Reason: fmt.Sprintf("bar timeframe %q, run timeframe %q", b.Timeframe, cal.Timeframe())}
		}
		if !cal.Aligned(b.Timestamp) {
			return &DataAlignmentError{Instrument: symbol, Timestamp: b.Timestamp,
				Reason: fmt.Sprintf("timestamp not on the %s grid", cal.Timeframe())}
		}
		if i > 0 && !b.Timestamp.After(bars[i-1].Timestamp) {
			return &DataAlignmentError{Instrument: symbol, Timestamp: b.Timestamp,
				Reason: "bars not strictly increasing (duplicate or out of order)"}
		}
	}
	return nil
}

// unionCalendar merges every series' timestamps into one sorted session list.
func unionCalendar(all []*series) []time.Time {
	seen := make(map[int64]time.Time)
	for _, s := range all {
		for _, b := range s.bars {
			seen[b.Timestamp.UnixNano()] = b.Timestamp
		}
	}
	keys := make([]int64, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]time.Time, len(keys))
	for i, k := range keys {
		out[i] = seen[k]
	}
	return out
}

// checkAlignment fails when an instrument misses more than tolerance
// sessions of the union calendar inside its own date range.
func checkAlignment(all []*series, sessions []time.Time, tolerance int) error {
	for _, s := range all {
		if len(s.bars) == 0 {
			continue
		}
		first := sort.Search(len(sessions), func(i int) bool {
			return !sessions[i].Before(s.bars[0].Timestamp)
		})
		span := 0
		for i := first; i < len(sessions) && !sessions[i].After(s.bars[len(s.bars)-1].Timestamp); i++ {
			span++
		}
		missing := span - len(s.bars)
		if missing <= tolerance {
			continue
		}
		return &DataAlignmentError{
			Instrument: s.symbol,
			Timestamp:  firstMissing(s.bars, sessions[first:]),
			Reason:     fmt.Sprintf("missing %d sessions inside its range, tolerance %d", missing, tolerance),
		}
	}
	return nil
}

func firstMissing(bars []domain.Bar, sessions []time.Time) time.Time {
	for i, b := range bars {
		if i >= len(sessions) || !b.Timestamp.Equal(sessions[i]) {
			if i < len(sessions) {
				return sessions[i]
			}
			break
		}
	}
	return bars[len(bars)-1].Timestamp
}
