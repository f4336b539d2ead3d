package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
)

// FetchBars returns minute bars covering [start, end].
type FetchBars func(ctx context.Context, symbol string, start, end time.Time) ([]features.Bar, error)

// RecentBars adapts a BarSource that only serves trailing windows. Bars
// outside [start, end] are dropped, so it suits recent signals only.
func RecentBars(src features.BarSource, now func() time.Time) FetchBars {
	return func(ctx context.Context, symbol string, start, end time.Time) ([]features.Bar, error) {
		minutes := int(now().Sub(start).Minutes()) + 1
		if minutes < 1 {
			minutes = 1
		}
		bars, err := src.MinuteBars(ctx, symbol, minutes)
		if err != nil {
			return nil, err
		}
		out := bars[:0:0]
		for _, b := range bars {
			if b.Time.Before(start) || b.Time.After(end) {
				continue
			}
			out = append(out, b)
		}
		return out, nil
	}
}

type ReplayResult struct {
	Symbol      string    `json:"symbol"`
	Setup       string    `json:"setup"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	ReturnPct   float64   `json:"return_pct"`
	DurationMin float64   `json:"duration_min"`
	At          time.Time `json:"ts"`
}

type ReplayStats struct {
	Count     int     `json:"count"`
	AvgReturn float64 `json:"avg_return"`
	WinRate   float64 `json:"win_rate"`
}

type ReplaySummary struct {
	Results  []ReplayResult         `json:"results"`
	PerSetup map[string]ReplayStats `json:"per_setup"`
	Overall  ReplayStats            `json:"overall"`
}

type ReplayOptions struct {
	Limit   int
	Horizon time.Duration
	Logger  zerolog.Logger
}

// ReplaySignals measures the return from each approved signal's last price
// to the close of the final bar inside the horizon.
func ReplaySignals(ctx context.Context, r EventReader, fetch FetchBars, opts ReplayOptions) (ReplaySummary, error) {
	if opts.Limit <= 0 {
		opts.Limit = 500
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 15 * time.Minute
	}
	events, err := r.ReadEvents(opts.Limit)
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("read ledger: %w", err)
	}

	results := []ReplayResult{}
	for _, ev := range events {
		if ev.Kind != ledger.KindSignalApproved {
			continue
		}
		if err := ctx.Err(); err != nil {
			return ReplaySummary{}, err
		}
		sig, _ := ev.Data["signal"].(map[string]any)
		meta, _ := sig["metadata"].(map[string]any)
		entry, ok := firstNumber(meta["last_price"], sig["entry_price"], sig["price"])
		if !ok {
			continue
		}
		setup, symbol := signalIdentity(ev.Data)
		if symbol == "" {
			continue
		}
		start := ev.Time()
		bars, err := fetch(ctx, symbol, start, start.Add(opts.Horizon))
		if err != nil {
			opts.Logger.Warn().Err(err).Str("symbol", symbol).Msg("replay bars unavailable")
			continue
		}
		if len(bars) == 0 {
			continue
		}
		exit := bars[len(bars)-1].Close
		duration := opts.Horizon.Minutes()
		if len(bars) > 1 {
			duration = float64(len(bars) - 1)
		}
		results = append(results, ReplayResult{
			Symbol:      symbol,
			Setup:       setup,
			EntryPrice:  entry,
			ExitPrice:   exit,
			ReturnPct:   (exit - entry) / entry,
			DurationMin: duration,
			At:          start,
		})
	}

	summary := ReplaySummary{Results: results, PerSetup: map[string]ReplayStats{}}
	bySetup := map[string][]ReplayResult{}
	for _, res := range results {
		bySetup[res.Setup] = append(bySetup[res.Setup], res)
	}
	for setup, rs := range bySetup {
		summary.PerSetup[setup] = stats(rs)
	}
	summary.Overall = stats(results)
	return summary, nil
}

func stats(rs []ReplayResult) ReplayStats {
	if len(rs) == 0 {
		return ReplayStats{}
	}
	var sum float64
	wins := 0
	for _, r := range rs {
		sum += r.ReturnPct
		if r.ReturnPct > 0 {
			wins++
		}
	}
	n := float64(len(rs))
	return ReplayStats{Count: len(rs), AvgReturn: sum / n, WinRate: float64(wins) / n}
}
