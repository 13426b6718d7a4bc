package indicator

import (
	"math"

	"trendlab/internal/domain"
)

// SMA over the last p points. A window holding a missing point is missing;
// the point stops counting once it leaves the window.
func SMA(x []float64, p int) Column {
	out := nanColumn(len(x))
	if p <= 0 {
		return out
	}
	var sum float64
	missing := 0
	for i := range x {
		if Valid(x[i]) {
			sum += x[i]
		} else {
			missing++
		}
		if i >= p {
			if Valid(x[i-p]) {
				sum -= x[i-p]
			} else {
				missing--
			}
		}
		if i >= p-1 && missing == 0 {
			out[i] = sum / float64(p)
		}
	}
	return out
}

// EMA with smoothing 2/(p+1), seeded with the SMA of the first p points.
func EMA(x []float64, p int) Column {
	out := nanColumn(len(x))
	if p <= 0 || len(x) < p {
		return out
	}
	var seed float64
	for i := 0; i < p; i++ {
		seed += x[i]
	}
	out[p-1] = seed / float64(p)
	k := 2.0 / float64(p+1)
	for i := p; i < len(x); i++ {
		out[i] = (x[i]-out[i-1])*k + out[i-1]
	}
	return out
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|); the
// first bar uses high-low.
func TrueRange(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		tr := b.High - b.Low
		if i > 0 {
			pc := bars[i-1].Close
			tr = math.Max(tr, math.Max(math.Abs(b.High-pc), math.Abs(b.Low-pc)))
		}
		out[i] = tr
	}
	return out
}

// ATR is Wilder's average true range: seeded with the mean of the first p
// true ranges, then atr = (prev*(p-1) + tr) / p.
func ATR(bars []domain.Bar, p int) Column {
	return wilder(TrueRange(bars), p)
}

func wilder(x []float64, p int) Column {
	out := nanColumn(len(x))
	if p <= 0 || len(x) < p {
		return out
	}
	var seed float64
	for i := 0; i < p; i++ {
		seed += x[i]
	}
	out[p-1] = seed / float64(p)
	for i := p; i < len(x); i++ {
		out[i] = (out[i-1]*float64(p-1) + x[i]) / float64(p)
	}
	return out
}

// RSI is Wilder's relative strength index over p price changes.
func RSI(x []float64, p int) Column {
	out := nanColumn(len(x))
	if p <= 0 || len(x) <= p {
		return out
	}
	var gain, loss float64
	for i := 1; i <= p; i++ {
		d := x[i] - x[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(p)
	loss /= float64(p)
	out[p] = rsiValue(gain, loss)
	for i := p + 1; i < len(x); i++ {
		d := x[i] - x[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(p-1) + up) / float64(p)
		loss = (loss*float64(p-1) + down) / float64(p)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// RollingMax is the maximum of the window ending at (and including) i.
func RollingMax(x []float64, p int) Column {
	return rolling(x, p, 0, math.Max)
}

// RollingMin is the minimum of the window ending at (and including) i.
func RollingMin(x []float64, p int) Column {
	return rolling(x, p, 0, math.Min)
}

// PriorMax is the maximum of the p points strictly before i. A breakout
// compares the current close against it.
func PriorMax(x []float64, p int) Column {
	return rolling(x, p, 1, math.Max)
}

// rolling folds the window x[i-lag-p+1 .. i-lag].
func rolling(x []float64, p, lag int, fold func(a, b float64) float64) Column {
	out := nanColumn(len(x))
	if p <= 0 {
		return out
	}
	for i := p - 1 + lag; i < len(x); i++ {
		end := i - lag
		acc := x[end]
		for j := end - p + 1; j < end; j++ {
			acc = fold(acc, x[j])
		}
		out[i] = acc
	}
	return out
}

// ADR is the p-bar mean of the daily range as a percentage of the low.
func ADR(bars []domain.Bar, p int) Column {
	pct := make([]float64, len(bars))
	for i, b := range bars {
		if b.Low <= 0 {
			pct[i] = math.NaN()
			continue
		}
		pct[i] = (b.High - b.Low) / b.Low * 100
	}
	return SMA(pct, p)
}

// RelativeVolume is volume divided by its p-bar average.
func RelativeVolume(vol []float64, p int) Column {
	avg := SMA(vol, p)
	out := nanColumn(len(vol))
	for i := range vol {
		if Valid(avg[i]) && avg[i] > 0 {
			out[i] = vol[i] / avg[i]
		}
	}
	return out
}

// Volatility is the sample standard deviation of the last p log returns.
func Volatility(x []float64, p int) Column {
	out := nanColumn(len(x))
	if p < 2 {
		return out
	}
	ret := nanColumn(len(x))
	for i := 1; i < len(x); i++ {
		if x[i-1] > 0 && x[i] > 0 {
			ret[i] = math.Log(x[i] / x[i-1])
		}
	}
	for i := p; i < len(x); i++ {
		var sum float64
		ok := true
		for j := i - p + 1; j <= i; j++ {
			if !Valid(ret[j]) {
				ok = false
				break
			}
			sum += ret[j]
		}
		if !ok {
			continue
		}
		mean := sum / float64(p)
		var ss float64
		for j := i - p + 1; j <= i; j++ {
			dv := ret[j] - mean
			ss += dv * dv
		}
		out[i] = math.Sqrt(ss / float64(p-1))
	}
	return out
}
