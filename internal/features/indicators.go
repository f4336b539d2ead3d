package features

import (
	"math"
	"time"
)

// VWAP is Σ(close·volume)/Σvolume over bars with positive volume.
func VWAP(closes, volumes []float64) (float64, bool) {
	var totalVolume, weighted float64
	for i := 0; i < len(closes) && i < len(volumes); i++ {
		if volumes[i] <= 0 {
			continue
		}
		totalVolume += volumes[i]
		weighted += closes[i] * volumes[i]
	}
	if totalVolume <= 0 {
		return 0, false
	}
	return weighted / totalVolume, true
}

// Sigma is the population standard deviation of (close - vwap).
func Sigma(closes []float64, vwap float64) (float64, bool) {
	if len(closes) < 2 {
		return 0, false
	}
	var mean float64
	for _, c := range closes {
		mean += c - vwap
	}
	mean /= float64(len(closes))
	var ss float64
	for _, c := range closes {
		d := c - vwap - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(closes))), true
}

// EMA returns the full exponential moving average series, seeded at the
// first value. Nil when the input is shorter than period.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// Slope is the relative change across the last lookback points.
func Slope(series []float64, lookback int) (float64, bool) {
	if len(series) <= lookback || lookback < 2 {
		return 0, false
	}
	recent := series[len(series)-lookback:]
	first, last := recent[0], recent[len(recent)-1]
	if first == 0 {
		return 0, false
	}
	return (last - first) / math.Abs(first), true
}

// RelativeVolume compares mean volume of the last lookback bars with the
// mean of the bars before them (or all bars when nothing precedes).
func RelativeVolume(volumes []float64, lookback int) (float64, bool) {
	if lookback <= 0 || len(volumes) < lookback {
		return 0, false
	}
	recent := mean(volumes[len(volumes)-lookback:])
	base := volumes
	if len(volumes) > lookback {
		base = volumes[:len(volumes)-lookback]
	}
	avg := mean(base)
	if avg == 0 {
		return 0, false
	}
	return recent / avg, true
}

// ATR uses Wilder smoothing: the first value is the simple mean of the
// first period true ranges, then atr = (atr·(n-1) + tr)/n.
func ATR(bars []Bar, period int) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		h, l := bars[i].High, bars[i].Low
		tr := math.Max(h-l, math.Max(math.Abs(h-prev), math.Abs(l-prev)))
		trs = append(trs, tr)
	}
	atr := mean(trs[:period])
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, true
}

// HighLow returns max(highs) and min(lows).
func HighLow(bars []Bar) (hi, lo float64, ok bool) {
	if len(bars) == 0 {
		return 0, 0, false
	}
	hi, lo = bars[0].High, bars[0].Low
	for _, b := range bars[1:] {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	return hi, lo, true
}

// Resample aggregates bars into buckets of the given width, aligned to the
// clock. Buckets are emitted oldest first.
func Resample(bars []Bar, width time.Duration) []Bar {
	if width <= 0 || len(bars) == 0 {
		return nil
	}
	var out []Bar
	var cur Bar
	var bucket time.Time
	for i, b := range bars {
		start := b.Time.Truncate(width)
		if i == 0 || !start.Equal(bucket) {
			if i > 0 {
				out = append(out, cur)
			}
			bucket = start
			cur = Bar{Time: b.Time, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
			continue
		}
		cur.Time = b.Time
		cur.High = math.Max(cur.High, b.High)
		cur.Low = math.Min(cur.Low, b.Low)
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	return append(out, cur)
}

// OpeningRange is the high/low of the first n bars that share the last
// bar's trading day in loc.
func OpeningRange(bars []Bar, n int, loc *time.Location) (hi, lo float64, ok bool) {
	if len(bars) == 0 || n <= 0 {
		return 0, 0, false
	}
	y, m, d := bars[len(bars)-1].Time.In(loc).Date()
	var day []Bar
	for _, b := range bars {
		by, bm, bd := b.Time.In(loc).Date()
		if by == y && bm == m && bd == d {
			day = append(day, b)
			if len(day) == n {
				break
			}
		}
	}
	return HighLow(day)
}

// RegimeScore averages the available trend components into [-1, 1].
func RegimeScore(s Snapshot) (float64, bool) {
	var parts []float64
	if s.LastPrice != nil && s.VWAP != nil {
		parts = append(parts, sign(*s.LastPrice-*s.VWAP))
	}
	if s.EMA20 != nil && s.EMA50 != nil {
		parts = append(parts, sign(*s.EMA20-*s.EMA50))
	}
	if s.EMA20Slope != nil {
		parts = append(parts, clamp(*s.EMA20Slope*100, -1, 1))
	}
	if s.LastPrice != nil && s.HOD != nil && s.LOD != nil && *s.HOD > *s.LOD {
		pos := (*s.LastPrice - *s.LOD) / (*s.HOD - *s.LOD)
		parts = append(parts, clamp(pos*2-1, -1, 1))
	}
	if len(parts) == 0 {
		return 0, false
	}
	return mean(parts), true
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
