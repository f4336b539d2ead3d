// Command replay walks a minute-bar fixture forward one bar at a time and
// prints every signal the plays emit, with its order plan. Nothing is sent
// anywhere.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/planner"
	"github.com/Rajchodisetti/autotrader/internal/session"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
)

// barsFile maps symbol to bars, oldest first.
type barsFile map[string][]features.Bar

// cursor serves each symbol's bars up to the current replay time.
type cursor struct {
	bars map[string][]features.Bar
	at   time.Time
	orb  int
	loc  *time.Location
}

func (c *cursor) Snapshot(_ context.Context, symbol string) (features.Snapshot, error) {
	all := c.bars[strings.ToUpper(symbol)]
	n := sort.Search(len(all), func(i int) bool { return all[i].Time.After(c.at) })
	return features.Compute(symbol, all[:n], c.orb, c.loc, func() time.Time { return c.at }), nil
}

type row struct {
	At     time.Time       `json:"at"`
	Signal strategy.Signal `json:"signal"`
	Plan   planner.Plan    `json:"plan"`
}

func mustRead(path string, v any) {
	b, err := os.ReadFile(path)
	if err != nil {
		fatal("read %s: %v", path, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		fatal("json %s: %v", path, err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func main() {
	barsPath := flag.String("bars", "fixtures/bars.json", "minute bars fixture")
	cfgPath := flag.String("config", "", "config file (defaults when empty)")
	sessionsPath := flag.String("sessions", "", "session policy file (overrides config)")
	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		c, err := config.Load(*cfgPath)
		if err != nil {
			fatal("config: %v", err)
		}
		cfg = c
	}
	if *sessionsPath != "" {
		cfg.SessionPolicyFile = *sessionsPath
	}

	var bf barsFile
	mustRead(*barsPath, &bf)

	rows, err := replay(cfg, bf)
	if err != nil {
		fatal("%v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			fatal("encode: %v", err)
		}
	}
	fmt.Fprintf(os.Stderr, "%d signals across %d symbols\n", len(rows), len(bf))
}

func replay(cfg config.Root, bf barsFile) ([]row, error) {
	sessions, err := session.Load(cfg.SessionPolicyFile)
	if err != nil {
		return nil, err
	}
	pc := strategy.PlayConfigFrom(cfg)

	src := &cursor{bars: map[string][]features.Bar{}, orb: cfg.Data.OpeningRangeBars, loc: pc.Location}
	var symbols []string
	var clock []time.Time
	for sym, bars := range bf {
		sym = strings.ToUpper(sym)
		sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
		src.bars[sym] = bars
		symbols = append(symbols, sym)
		for _, b := range bars {
			clock = append(clock, b.Time)
		}
	}
	sort.Strings(symbols)
	sort.Slice(clock, func(i, j int) bool { return clock[i].Before(clock[j]) })

	engine := strategy.NewEngine(src, sessions, strategy.DefaultPlays(pc), strategy.EngineConfig{
		Symbols:      symbols,
		ExecutionMap: cfg.Strategy.ExecutionMap,
		ETFSymbols:   cfg.Strategy.ETFSymbols,
		Location:     pc.Location,
	}, zerolog.Nop())
	engine.SetClock(func() time.Time { return src.at })

	plan := planner.FromRoot(cfg)
	var rows []row
	var last time.Time
	for _, at := range clock {
		if at.Equal(last) {
			continue
		}
		last, src.at = at, at
		for _, sig := range engine.GenerateSignals(context.Background()) {
			rows = append(rows, row{
				At:     at,
				Signal: sig,
				Plan:   planner.ComputeOrderPlan(sig, plan, cfg.Overrides(sig.Symbol)),
			})
		}
	}
	return rows, nil
}
