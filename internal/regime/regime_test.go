package regime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trendlab/internal/domain"
)

func series(closes []float64) []domain.Bar {
	start := time.Date(2023, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{
			Symbol: "SPY", Timestamp: start.AddDate(0, 0, i),
			Open: c, High: c, Low: c, Close: c, Timeframe: domain.TimeframeDaily,
		}
	}
	return bars
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func newGate(t *testing.T, cfg Config) *Gate {
	t.Helper()
	g, err := New(cfg)
	require.NoError(t, err)
	return g
}

func TestInsufficientHistoryIsOff(t *testing.T) {
	g := newGate(t, Config{LongMA: 10, CautionMultiplier: 0.5})
	st := g.Classify(series(ramp(9, 100, 1)))
	assert.Equal(t, domain.RegimeTrendOff, st.Kind)
	assert.False(t, st.AllowsEntries())

	assert.Equal(t, domain.RegimeTrendOff, g.Classify(nil).Kind)
}

func TestBelowLongMAIsOff(t *testing.T) {
	g := newGate(t, Config{LongMA: 5, CautionMultiplier: 0.5})
	st := g.Classify(series(ramp(20, 200, -2)))
	assert.Equal(t, domain.RegimeTrendOff, st.Kind)
	assert.True(t, st.RiskMultiplier.IsZero())
}

func TestAboveLongMAIsOn(t *testing.T) {
	g := newGate(t, Config{LongMA: 5, CautionMultiplier: 0.5})
	bars := series(ramp(20, 100, 1))
	st := g.Classify(bars)
	assert.Equal(t, domain.RegimeTrendOn, st.Kind)
	assert.Equal(t, "1", st.RiskMultiplier.String())
	assert.Equal(t, bars[19].Timestamp, st.Timestamp)
}

func TestVolatilitySpikeIsCaution(t *testing.T) {
	g := newGate(t, Config{LongMA: 5, VolWindow: 3, VolLookback: 10, CautionPercentile: 0.8, CautionMultiplier: 0.5})

	closes := []float64{100}
	for i := 1; i < 30; i++ {
		prev := closes[i-1]
		if i%2 == 0 {
			closes = append(closes, prev*1.01)
		} else {
			closes = append(closes, prev*1.005)
		}
	}
	closes = append(closes, closes[len(closes)-1]*1.15)
	st := g.Classify(series(closes))
	assert.Equal(t, domain.RegimeTrendCaution, st.Kind)
	assert.Equal(t, "0.5", st.RiskMultiplier.String())
	assert.True(t, st.AllowsEntries())
}

func TestClassifyIsNotPathDependent(t *testing.T) {
	g := newGate(t, Config{LongMA: 5, CautionMultiplier: 0.5})
	closes := append(ramp(10, 100, 1), ramp(10, 95, -1)...)
	bars := series(closes)

	forward := make([]domain.RegimeKind, len(bars))
	for i := range bars {
		forward[i] = g.Classify(bars[:i+1]).Kind
	}
	for i := len(bars) - 1; i >= 0; i-- {
		assert.Equal(t, forward[i], g.Classify(bars[:i+1]).Kind, "bar %d", i)
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{LongMA: 0, CautionMultiplier: 0.5}.Validate())
	assert.Error(t, Config{LongMA: 5, VolWindow: 1, CautionMultiplier: 0.5}.Validate())
	assert.Error(t, Config{LongMA: 5, CautionMultiplier: 1}.Validate())
}
