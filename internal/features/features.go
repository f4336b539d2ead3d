// Package features turns minute bars into per-symbol indicator snapshots.
package features

import (
	"context"
	"strings"
	"time"
)

// Bar is one OHLCV interval.
type Bar struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

// BarSource yields bars ordered oldest to newest. An empty slice with a nil
// error means no data yet.
type BarSource interface {
	MinuteBars(ctx context.Context, symbol string, minutes int) ([]Bar, error)
}

// Snapshot is the indicator state of one symbol at one evaluation tick.
// Every field except Symbol and AsOf may be nil.
type Snapshot struct {
	Symbol             string    `json:"symbol"`
	AsOf               time.Time `json:"as_of"`
	LastPrice          *float64  `json:"last_price"`
	PrevClose          *float64  `json:"prev_close"`
	VWAP               *float64  `json:"vwap"`
	SigmaUpper         *float64  `json:"sigma_upper"`
	SigmaLower         *float64  `json:"sigma_lower"`
	EMA20              *float64  `json:"ema20"`
	EMA50              *float64  `json:"ema50"`
	EMA20Prev          *float64  `json:"ema20_prev"`
	EMA50Prev          *float64  `json:"ema50_prev"`
	EMA20Slope         *float64  `json:"ema20_slope"`
	RelativeVolume     *float64  `json:"relative_volume"`
	ATR14              *float64  `json:"atr14"`
	HOD                *float64  `json:"hod"`
	LOD                *float64  `json:"lod"`
	EMA5m20            *float64  `json:"ema5m_20"`
	EMA5m50            *float64  `json:"ema5m_50"`
	EMA15m20           *float64  `json:"ema15m_20"`
	EMA15m50           *float64  `json:"ema15m_50"`
	OpeningRangeHigh   *float64  `json:"opening_range_high"`
	OpeningRangeLow    *float64  `json:"opening_range_low"`
	RegimeScore        *float64  `json:"market_regime_score"`
	CumulativeDelta    *float64  `json:"cumulative_delta"`
	OrderbookImbalance *float64  `json:"orderbook_imbalance"`
}

const (
	slopeLookback = 5
	rvolLookback  = 30
	atrPeriod     = 14
)

// Engine builds snapshots from an injected bar source.
type Engine struct {
	source           BarSource
	lookbackMinutes  int
	openingRangeBars int
	loc              *time.Location
	now              func() time.Time
}

type Option func(*Engine)

func WithOpeningRangeBars(n int) Option {
	return func(e *Engine) { e.openingRangeBars = n }
}

func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(source BarSource, lookbackMinutes int, opts ...Option) *Engine {
	if lookbackMinutes <= 0 {
		lookbackMinutes = 180
	}
	e := &Engine{
		source:           source,
		lookbackMinutes:  lookbackMinutes,
		openingRangeBars: 15,
		loc:              newYork(),
		now:              time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Snapshot fetches bars and derives features. Fetch failures are returned;
// an empty series is not an error and yields an all-nil snapshot.
func (e *Engine) Snapshot(ctx context.Context, symbol string) (Snapshot, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	bars, err := e.source.MinuteBars(ctx, symbol, e.lookbackMinutes)
	if err != nil {
		return Snapshot{Symbol: symbol, AsOf: e.now().UTC()}, err
	}
	return Compute(symbol, bars, e.openingRangeBars, e.loc, e.now), nil
}

// Compute derives a snapshot from bars already in hand.
func Compute(symbol string, bars []Bar, openingRangeBars int, loc *time.Location, now func() time.Time) Snapshot {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = newYork()
	}
	snap := Snapshot{Symbol: strings.ToUpper(symbol), AsOf: now().UTC()}
	if len(bars) == 0 {
		return snap
	}
	if ts := bars[len(bars)-1].Time; !ts.IsZero() {
		snap.AsOf = ts.UTC()
	}

	closes := make([]float64, len(bars))
	volumes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		volumes[i] = b.Volume
	}

	snap.LastPrice = ptr(closes[len(closes)-1])
	if len(closes) >= 2 {
		snap.PrevClose = ptr(closes[len(closes)-2])
	}

	if vwap, ok := VWAP(closes, volumes); ok {
		snap.VWAP = ptr(vwap)
		if sigma, ok := Sigma(closes, vwap); ok {
			snap.SigmaUpper = ptr(vwap + sigma)
			snap.SigmaLower = ptr(vwap - sigma)
		}
	}

	ema20 := EMA(closes, 20)
	ema50 := EMA(closes, 50)
	snap.EMA20, snap.EMA20Prev = lastTwo(ema20)
	snap.EMA50, snap.EMA50Prev = lastTwo(ema50)
	if slope, ok := Slope(ema20, slopeLookback); ok {
		snap.EMA20Slope = ptr(slope)
	}

	if rvol, ok := RelativeVolume(volumes, rvolLookback); ok {
		snap.RelativeVolume = ptr(rvol)
	}
	if atr, ok := ATR(bars, atrPeriod); ok {
		snap.ATR14 = ptr(atr)
	}
	if hi, lo, ok := HighLow(bars); ok {
		snap.HOD, snap.LOD = ptr(hi), ptr(lo)
	}
	if hi, lo, ok := OpeningRange(bars, openingRangeBars, loc); ok {
		snap.OpeningRangeHigh, snap.OpeningRangeLow = ptr(hi), ptr(lo)
	}

	snap.EMA5m20, snap.EMA5m50 = timeframeEMAs(bars, 5*time.Minute)
	snap.EMA15m20, snap.EMA15m50 = timeframeEMAs(bars, 15*time.Minute)

	if score, ok := RegimeScore(snap); ok {
		snap.RegimeScore = ptr(score)
	}
	return snap
}

func timeframeEMAs(bars []Bar, width time.Duration) (*float64, *float64) {
	agg := Resample(bars, width)
	closes := make([]float64, len(agg))
	for i, b := range agg {
		closes[i] = b.Close
	}
	e20, _ := lastTwo(EMA(closes, 20))
	e50, _ := lastTwo(EMA(closes, 50))
	return e20, e50
}

func lastTwo(series []float64) (last, prev *float64) {
	if len(series) > 0 {
		last = ptr(series[len(series)-1])
	}
	if len(series) > 1 {
		prev = ptr(series[len(series)-2])
	}
	return last, prev
}

func ptr(v float64) *float64 { return &v }

func newYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}
