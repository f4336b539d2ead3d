package features

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticBars struct {
	bars []Bar
	err  error
}

func (s staticBars) MinuteBars(ctx context.Context, symbol string, minutes int) ([]Bar, error) {
	return s.bars, s.err
}

func risingBars(n int) []Bar {
	start := time.Date(2024, 5, 10, 13, 30, 0, 0, time.UTC)
	bars := make([]Bar, 0, n)
	price := 100.0
	for i := 1; i <= n; i++ {
		price += 0.2
		bars = append(bars, Bar{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Open:   price,
			High:   price + 0.5,
			Low:    price - 0.5,
			Close:  price,
			Volume: float64(1000 + i*10),
		})
	}
	return bars
}

func TestVWAP(t *testing.T) {
	v, ok := VWAP([]float64{100, 102}, []float64{10, 20})
	require.True(t, ok)
	assert.InDelta(t, 101.3333, v, 1e-4)

	_, ok = VWAP([]float64{100, 102}, []float64{0, 0})
	assert.False(t, ok, "all-zero volume has no VWAP")
}

func TestSigma(t *testing.T) {
	_, ok := Sigma([]float64{100}, 100)
	assert.False(t, ok)

	s, ok := Sigma([]float64{99, 101}, 100)
	require.True(t, ok)
	assert.InDelta(t, 1.0, s, 1e-9)
}

func TestEMAConstantSeriesIsFixedPoint(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = 42.5
	}
	for _, v := range EMA(values, 20) {
		assert.InDelta(t, 42.5, v, 1e-12)
	}
	assert.Nil(t, EMA(values[:19], 20), "shorter than period")
}

func TestSlope(t *testing.T) {
	_, ok := Slope([]float64{1, 2, 3, 4, 5}, 5)
	assert.False(t, ok, "needs more than lookback points")

	s, ok := Slope([]float64{9, 10, 10, 10, 10, 11}, 5)
	require.True(t, ok)
	assert.InDelta(t, 0.1, s, 1e-9)

	_, ok = Slope([]float64{1, 0, 1, 1, 1, 1}, 5)
	assert.False(t, ok, "first point zero")
}

func TestRelativeVolume(t *testing.T) {
	vols := make([]float64, 40)
	for i := range vols {
		vols[i] = 100
		if i >= 10 {
			vols[i] = 200
		}
	}
	r, ok := RelativeVolume(vols, 30)
	require.True(t, ok)
	assert.InDelta(t, 2.0, r, 1e-9)

	_, ok = RelativeVolume(vols[:29], 30)
	assert.False(t, ok)

	r, ok = RelativeVolume(vols[10:], 30)
	require.True(t, ok, "exactly lookback bars compares against itself")
	assert.InDelta(t, 1.0, r, 1e-9)
}

func TestATRWilder(t *testing.T) {
	bars := make([]Bar, 16)
	for i := range bars {
		bars[i] = Bar{High: 101, Low: 99, Close: 100}
	}
	atr, ok := ATR(bars, 14)
	require.True(t, ok)
	assert.InDelta(t, 2.0, atr, 1e-9)

	_, ok = ATR(bars[:14], 14)
	assert.False(t, ok)
}

func TestResample(t *testing.T) {
	bars := risingBars(10)
	agg := Resample(bars, 5*time.Minute)
	require.Len(t, agg, 3)
	var vol float64
	for _, b := range agg {
		vol += b.Volume
	}
	var want float64
	for _, b := range bars {
		want += b.Volume
	}
	assert.Equal(t, want, vol)
	assert.Equal(t, bars[len(bars)-1].Close, agg[len(agg)-1].Close)
}

func TestEngineSnapshot(t *testing.T) {
	bars := risingBars(25)
	e := NewEngine(staticBars{bars: bars}, 2)

	snap, err := e.Snapshot(context.Background(), "aapl")
	require.NoError(t, err)

	assert.Equal(t, "AAPL", snap.Symbol)
	require.NotNil(t, snap.LastPrice)
	assert.InDelta(t, bars[24].Close, *snap.LastPrice, 1e-9)
	require.NotNil(t, snap.PrevClose)
	assert.InDelta(t, bars[23].Close, *snap.PrevClose, 1e-9)
	assert.NotNil(t, snap.VWAP)
	assert.NotNil(t, snap.SigmaUpper)
	assert.NotNil(t, snap.EMA20)
	assert.NotNil(t, snap.EMA20Prev)
	assert.NotNil(t, snap.EMA20Slope)
	assert.Nil(t, snap.EMA50)
	assert.Nil(t, snap.RelativeVolume)
	assert.NotNil(t, snap.ATR14)
	assert.NotNil(t, snap.OpeningRangeHigh)
	assert.NotNil(t, snap.RegimeScore)
	assert.Equal(t, bars[24].Time, snap.AsOf)

	assert.InDelta(t, bars[24].High, *snap.HOD, 1e-9)
	assert.InDelta(t, bars[0].Low, *snap.LOD, 1e-9)
	assert.InDelta(t, bars[14].High, *snap.OpeningRangeHigh, 1e-9)
}

func TestEngineSnapshotEmpty(t *testing.T) {
	e := NewEngine(staticBars{}, 2)
	snap, err := e.Snapshot(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", snap.Symbol)
	assert.False(t, snap.AsOf.IsZero())
	assert.Nil(t, snap.LastPrice)
	assert.Nil(t, snap.VWAP)
	assert.Nil(t, snap.EMA20)
	assert.Nil(t, snap.ATR14)
	assert.Nil(t, snap.RegimeScore)
}

func TestEngineSnapshotFetchError(t *testing.T) {
	boom := errors.New("timesales unavailable")
	e := NewEngine(staticBars{err: boom}, 2)
	snap, err := e.Snapshot(context.Background(), "MSFT")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "MSFT", snap.Symbol)
}

func TestRegimeScoreRange(t *testing.T) {
	snap := Compute("SPY", risingBars(120), 15, time.UTC, nil)
	require.NotNil(t, snap.RegimeScore)
	assert.GreaterOrEqual(t, *snap.RegimeScore, -1.0)
	assert.LessOrEqual(t, *snap.RegimeScore, 1.0)
	assert.Greater(t, *snap.RegimeScore, 0.0, "steady uptrend scores positive")
	assert.NotNil(t, snap.EMA50)
	assert.NotNil(t, snap.RelativeVolume)
	assert.NotNil(t, snap.EMA5m20)
	assert.Nil(t, snap.EMA15m20, "eight fifteen-minute buckets")
}
