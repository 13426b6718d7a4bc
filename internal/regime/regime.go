// Package regime classifies each session's broad-market condition and maps
// it to a risk multiplier for new entries.
package regime

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"trendlab/internal/domain"
	"trendlab/internal/indicator"
)

// Config holds the gate thresholds.
type Config struct {
	Enabled bool `yaml:"enabled"`
	// LongMA is the moving-average period the benchmark close is compared to.
	LongMA int `yaml:"long_ma"`
	// VolWindow is the number of log returns per volatility sample; 0
	// disables the caution state.
	VolWindow int `yaml:"vol_window"`
	// VolLookback is how many volatility samples the percentile ranks against.
	VolLookback       int     `yaml:"vol_lookback"`
	CautionPercentile float64 `yaml:"caution_percentile"`
	CautionMultiplier float64 `yaml:"caution_multiplier"`
}

// DefaultConfig returns the usual 200-day gate with a 20-day volatility
// proxy ranked over a year.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		LongMA:            200,
		VolWindow:         20,
		VolLookback:       252,
		CautionPercentile: 0.8,
		CautionMultiplier: 0.5,
	}
}

// Validate reports the first invalid threshold.
func (c Config) Validate() error {
	switch {
	case c.LongMA <= 0:
		return errors.New("long_ma must be > 0")
	case c.VolWindow == 1 || c.VolWindow < 0:
		return errors.New("vol_window must be 0 or >= 2")
	case c.VolWindow > 0 && c.VolLookback <= 0:
		return errors.New("vol_lookback must be > 0 when vol_window is set")
	case c.CautionPercentile < 0 || c.CautionPercentile > 1:
		return errors.New("caution_percentile must be in [0, 1]")
	case c.CautionMultiplier <= 0 || c.CautionMultiplier >= 1:
		return errors.New("caution_multiplier must be in (0, 1)")
	}
	return nil
}

// Gate is a stateless classifier. Every call depends only on the bars it is
// given, so the state at t never depends on earlier classifications.
type Gate struct {
	cfg     Config
	caution decimal.Decimal
}

// New validates cfg and returns a Gate.
func New(cfg Config) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gate{cfg: cfg, caution: decimal.NewFromFloat(cfg.CautionMultiplier)}, nil
}

// Config returns the gate's thresholds.
func (g *Gate) Config() Config { return g.cfg }

// Classify returns the state for the last bar of bars, which must hold the
// benchmark history up to and including the current session. Too little
// history for the long moving average classifies as trend_off.
func (g *Gate) Classify(bars []domain.Bar) domain.RegimeState {
	n := len(bars)
	st := domain.RegimeState{Kind: domain.RegimeTrendOff, RiskMultiplier: decimal.Zero}
	if n == 0 {
		return st
	}
	st.Timestamp = bars[n-1].Timestamp
	if n < g.cfg.LongMA {
		return st
	}

	var sum float64
	for _, b := range bars[n-g.cfg.LongMA:] {
		sum += b.Close
	}
	if bars[n-1].Close < sum/float64(g.cfg.LongMA) {
		return st
	}

	if pct, ok := g.volPercentile(bars); ok && pct >= g.cfg.CautionPercentile {
		st.Kind = domain.RegimeTrendCaution
		st.RiskMultiplier = g.caution
		return st
	}
	st.Kind = domain.RegimeTrendOn
	st.RiskMultiplier = decimal.NewFromInt(1)
	return st
}

// volPercentile ranks the current volatility sample among the last
// VolLookback samples as the fraction at or below it. Without a full
// lookback of samples there is no percentile.
func (g *Gate) volPercentile(bars []domain.Bar) (float64, bool) {
	if g.cfg.VolWindow == 0 {
		return 0, false
	}
	need := g.cfg.VolLookback + g.cfg.VolWindow
	if len(bars) < need {
		return 0, false
	}
	tail := indicator.Closes(bars[len(bars)-need:])
	vol := indicator.Volatility(tail, g.cfg.VolWindow)
	samples := vol[len(vol)-g.cfg.VolLookback:]
	cur := samples[len(samples)-1]
	if !indicator.Valid(cur) {
		return 0, false
	}
	var below, valid int
	for _, v := range samples {
		if math.IsNaN(v) {
			continue
		}
		valid++
		if v <= cur {
			below++
		}
	}
	return float64(below) / float64(valid), true
}
