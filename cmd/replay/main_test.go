package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
)

func minuteBars(start time.Time, closes ...float64) []features.Bar {
	out := make([]features.Bar, len(closes))
	for i, c := range closes {
		out[i] = features.Bar{Time: start.Add(time.Duration(i) * time.Minute), Open: c, High: c + 0.1, Low: c - 0.1, Close: c, Volume: 1000}
	}
	return out
}

func TestCursorHidesFutureBars(t *testing.T) {
	start := time.Date(2024, 5, 10, 13, 30, 0, 0, time.UTC)
	c := &cursor{bars: map[string][]features.Bar{"SPY": minuteBars(start, 100, 101, 102, 103)}, orb: 2, loc: time.UTC}

	c.at = start.Add(time.Minute)
	snap, err := c.Snapshot(context.Background(), "spy")
	require.NoError(t, err)
	require.NotNil(t, snap.LastPrice)
	assert.Equal(t, 101.0, *snap.LastPrice)
	assert.True(t, snap.AsOf.Equal(c.at))

	c.at = start.Add(-time.Minute)
	snap, err = c.Snapshot(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Nil(t, snap.LastPrice)
}

func TestReplayEmptyFixture(t *testing.T) {
	cfg := config.Default()
	cfg.SessionPolicyFile = ""
	rows, err := replay(cfg, barsFile{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestReplayPlansEverySignal(t *testing.T) {
	cfg := config.Default()
	cfg.SessionPolicyFile = ""
	start := time.Date(2024, 5, 10, 13, 30, 0, 0, time.UTC)
	closes := make([]float64, 90)
	for i := range closes {
		closes[i] = 100 + float64(i%7)*0.3
	}
	rows, err := replay(cfg, barsFile{"qqq": minuteBars(start, closes...)})
	require.NoError(t, err)
	for _, r := range rows {
		assert.Equal(t, "QQQ", r.Signal.SourceSymbol)
		assert.GreaterOrEqual(t, r.Plan.Qty, 1)
	}
}
