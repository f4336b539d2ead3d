package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/planner"
	"github.com/Rajchodisetti/autotrader/internal/state"
	"github.com/Rajchodisetti/autotrader/internal/storage"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
)

func f(v float64) *float64 { return &v }

type sink struct {
	mu     sync.Mutex
	events []ledger.Entry
}

func (s *sink) Event(kind string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ledger.Entry{Kind: kind, Data: data})
	return nil
}

func (s *sink) kinds(kind string) []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.Entry
	for _, e := range s.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type closed struct {
	id     string
	reason string
	price  *float64
}

type recorder struct {
	storage.Nop
	created []storage.TradeRecord
	closed  []closed
}

func (r *recorder) CreateTrade(_ context.Context, rec storage.TradeRecord) error {
	r.created = append(r.created, rec)
	return nil
}

func (r *recorder) CloseTrade(_ context.Context, id string, px *float64, reason string, _ time.Time) error {
	r.closed = append(r.closed, closed{id: id, reason: reason, price: px})
	return nil
}

type harness struct {
	m      *Manager
	broker *adapters.MockBroker
	prices *adapters.MockMarketData
	store  *state.MemoryStore
	ledger *sink
	rec    *recorder
	now    time.Time
}

var t0 = time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg Config, overrides map[string]config.SymbolOverride) *harness {
	t.Helper()
	h := &harness{
		broker: adapters.NewMockBroker(),
		prices: adapters.NewMockMarketData(),
		store:  state.NewMemoryStore(),
		ledger: &sink{},
		rec:    &recorder{},
		now:    t0,
	}
	h.m = NewManager(cfg, Options{
		Store:    h.store,
		Recorder: h.rec,
		Ledger:   h.ledger,
		Broker:   h.broker,
		Prices:   h.prices,
		Overrides: func(sym string) config.SymbolOverride {
			return overrides[sym]
		},
		Logger: zerolog.Nop(),
	})
	h.m.SetClock(func() time.Time { return h.now })
	return h
}

func (h *harness) quote(sym string, px float64) {
	h.broker.AddQuote(&adapters.Quote{Symbol: sym, Last: px, Bid: px - 0.01, Ask: px + 0.01})
}

func (h *harness) register(t *testing.T, sym string, plan planner.Plan) state.Trade {
	t.Helper()
	sig := strategy.Signal{Symbol: sym, SourceSymbol: sym, Setup: strategy.SetupVWAPReclaim, Side: strategy.SideBuy}
	tr, ok := h.m.Register(context.Background(), sig, plan, "")
	require.True(t, ok)
	return tr
}

func bracket(qty int, entry, stop, t1, t2 float64) planner.Plan {
	return planner.Plan{Qty: qty, Entry: f(entry), Stop: f(stop), Target1: f(t1), Target2: f(t2)}
}

func TestRegisterPersistsAndRecords(t *testing.T) {
	h := newHarness(t, Config{DryRun: true}, nil)
	tr := h.register(t, "spy", bracket(10, 100, 98, 102, 105))

	assert.Equal(t, "SPY", tr.Symbol)
	assert.Equal(t, 10, tr.Remaining)
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, 1, h.store.Saves())
	require.Len(t, h.rec.created, 1)
	assert.Equal(t, tr.ID, h.rec.created[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(observ.ActiveTrades))

	again := h.register(t, "SPY", bracket(4, 101, 99, 103, 106))
	assert.Equal(t, tr.ID, again.ID, "one trade per execution symbol")
	assert.Len(t, h.m.Active(), 1)

	_, ok := h.m.Register(context.Background(), strategy.Signal{Symbol: "QQQ"}, planner.Plan{Qty: 1}, "")
	assert.False(t, ok, "no entry price, nothing to manage")
}

func TestPartialExitRatchet(t *testing.T) {
	tests := []struct {
		name     string
		stop     float64
		wantStop float64
	}{
		{name: "stop raised to breakeven", stop: 98, wantStop: 100},
		{name: "higher stop kept", stop: 101, wantStop: 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{DryRun: true, PartialExitPct: 0.5}, nil)
			h.register(t, "SPY", bracket(10, 100, tt.stop, 102, 110))
			h.prices.SetPrice("SPY", 103)
			ctx := context.Background()

			require.NoError(t, h.m.PartialExitPass(ctx))
			exits := h.ledger.kinds(ledger.KindOrderExit)
			require.Len(t, exits, 1)
			assert.Equal(t, 5, exits[0].Data["qty"])
			assert.Equal(t, ReasonPartial, exits[0].Data["reason"])
			assert.Equal(t, true, exits[0].Data["dry_run"])

			tr := h.m.Active()["SPY"]
			assert.True(t, tr.PartialExited)
			assert.Equal(t, 5, tr.Remaining)
			require.NotNil(t, tr.Stop)
			assert.Equal(t, tt.wantStop, *tr.Stop)

			require.NoError(t, h.m.PartialExitPass(ctx))
			assert.Len(t, h.ledger.kinds(ledger.KindOrderExit), 1, "second touch of target1 sells nothing")
			assert.Equal(t, tt.wantStop, *h.m.Active()["SPY"].Stop)
			assert.Empty(t, h.broker.Placed())
		})
	}
}

func TestReconcileFlatPosition(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	tr := h.register(t, "SPY", bracket(10, 100, 98, 102, 105))
	h.quote("SPY", 103)

	require.NoError(t, h.m.PartialExitPass(context.Background()))
	assert.Empty(t, h.m.Active())
	assert.Empty(t, h.broker.Placed(), "no exit order for a flat position")
	require.Len(t, h.rec.closed, 1)
	assert.Equal(t, closed{id: tr.ID, reason: ReasonFlat}, h.rec.closed[0])
}

func TestFinalTargetLive(t *testing.T) {
	h := newHarness(t, Config{PartialExitPct: 0.5}, nil)
	h.register(t, "SPY", bracket(10, 100, 98, 102, 105))
	h.broker.SetPositions([]adapters.Position{{Symbol: "SPY", Quantity: 10, CostBasis: 1000}})
	h.quote("SPY", 106)

	require.NoError(t, h.m.PartialExitPass(context.Background()))
	placed := h.broker.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, adapters.OrderRequest{Symbol: "SPY", Side: "sell", Qty: 5, Type: "market", Duration: "day"}, placed[0])
	assert.Equal(t, 5, placed[1].Qty)
	assert.Empty(t, h.m.Active())

	require.Len(t, h.rec.closed, 1)
	assert.Equal(t, ReasonFinal, h.rec.closed[0].reason)
	assert.Equal(t, 106.0, *h.rec.closed[0].price)

	exits := h.ledger.kinds(ledger.KindOrderExit)
	require.Len(t, exits, 2)
	assert.Equal(t, ReasonFinal, exits[1].Data["reason"])
}

func TestPartialClampedToBrokerQuantity(t *testing.T) {
	h := newHarness(t, Config{PartialExitPct: 0.5}, nil)
	h.register(t, "SPY", bracket(10, 100, 98, 102, 110))
	h.broker.SetPositions([]adapters.Position{{Symbol: "SPY", Quantity: 3}})
	h.quote("SPY", 103)

	require.NoError(t, h.m.PartialExitPass(context.Background()))
	placed := h.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, 3, placed[0].Qty, "half of max(10, 3) clamped to the 3 held")
}

func TestTimeoutExit(t *testing.T) {
	tests := []struct {
		name     string
		timeStop *int
		elapsed  time.Duration
		exits    bool
	}{
		{name: "global timeout not reached", elapsed: 29 * time.Minute},
		{name: "global timeout", elapsed: 31 * time.Minute, exits: true},
		{name: "session time stop", timeStop: intp(600), elapsed: 11 * time.Minute, exits: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{DryRun: true, TradeTimeout: 30 * time.Minute}, nil)
			sig := strategy.Signal{Symbol: "QQQ", Setup: strategy.SetupSigmaFade}
			if tt.timeStop != nil {
				sig.Metadata = map[string]any{"time_stop_sec": *tt.timeStop, "session": "CLOSE"}
			}
			_, ok := h.m.Register(context.Background(), sig, bracket(4, 400, 396, 404, 408), "")
			require.True(t, ok)
			h.prices.SetPrice("QQQ", 401)
			h.now = t0.Add(tt.elapsed)

			require.NoError(t, h.m.PartialExitPass(context.Background()))
			if !tt.exits {
				assert.Len(t, h.m.Active(), 1)
				return
			}
			assert.Empty(t, h.m.Active())
			exits := h.ledger.kinds(ledger.KindOrderExit)
			require.Len(t, exits, 1)
			assert.Equal(t, ReasonTimeout, exits[0].Data["reason"])
			assert.Equal(t, 4, exits[0].Data["qty"])
		})
	}
}

func intp(v int) *int { return &v }

func TestTrailingExit(t *testing.T) {
	h := newHarness(t, Config{TrailPct: f(0.02)}, nil)
	h.broker.SetPositions([]adapters.Position{{Symbol: "SPY", Quantity: 10, CostBasis: 1000}})
	ctx := context.Background()

	for _, px := range []float64{101, 105, 104} {
		h.quote("SPY", px)
		require.NoError(t, h.m.TrailingExitPass(ctx))
	}
	assert.Equal(t, 105.0, h.m.HighWater()["SPY"], "mark never decreases")
	assert.Empty(t, h.broker.Placed())

	h.quote("SPY", 102.8)
	require.NoError(t, h.m.TrailingExitPass(ctx))
	placed := h.broker.Placed()
	require.Len(t, placed, 1)
	assert.Equal(t, 10, placed[0].Qty)
	assert.NotContains(t, h.m.HighWater(), "SPY")

	marks, err := h.store.LoadHighWater(ctx)
	require.NoError(t, err)
	assert.Empty(t, marks)
}

func TestTrailingActivationAndOverride(t *testing.T) {
	overrides := map[string]config.SymbolOverride{"QQQ": {TrailPct: f(0.5)}}
	h := newHarness(t, Config{TrailPct: f(0.02), TrailActivationPct: f(0.10)}, overrides)
	h.broker.SetPositions([]adapters.Position{
		{Symbol: "SPY", Quantity: 10, CostBasis: 1000},
		{Symbol: "QQQ", Quantity: 2, CostBasis: 800},
	})
	ctx := context.Background()

	h.quote("SPY", 105)
	h.quote("QQQ", 500)
	require.NoError(t, h.m.TrailingExitPass(ctx))
	h.quote("SPY", 90)
	h.quote("QQQ", 400)
	require.NoError(t, h.m.TrailingExitPass(ctx))

	assert.Empty(t, h.broker.Placed(), "SPY never reached activation, QQQ trails 50%")
}

func TestTrailingDryRunSkipsOrder(t *testing.T) {
	h := newHarness(t, Config{DryRun: true, TrailPct: f(0.01)}, nil)
	h.register(t, "SPY", bracket(10, 100, 98, 102, 105))
	h.broker.SetPositions([]adapters.Position{{Symbol: "SPY", Quantity: 10}})
	h.quote("SPY", 100)
	require.NoError(t, h.m.TrailingExitPass(context.Background()))
	h.quote("SPY", 98)
	require.NoError(t, h.m.TrailingExitPass(context.Background()))

	assert.Empty(t, h.broker.Placed())
	assert.Empty(t, h.m.Active())
}

func declining(n int) []features.Bar {
	bars := make([]features.Bar, 0, n)
	px := 100.0
	for i := 0; i < n; i++ {
		if i < 80 {
			px += 0.2
		} else {
			px -= 0.6
		}
		bars = append(bars, features.Bar{Time: t0.Add(time.Duration(i) * time.Minute), Close: px, High: px, Low: px, Open: px, Volume: 1000})
	}
	return bars
}

func TestEMAExitPass(t *testing.T) {
	all := declining(160)
	cross := 0
	for n := 60; n <= len(all); n++ {
		if _, ok := emaCrossDown(all[:n], 60); ok {
			cross = n
			break
		}
	}
	require.NotZero(t, cross, "fixture must produce a cross-down")
	_, before := emaCrossDown(all[:cross-1], 60)
	require.False(t, before)

	h := newHarness(t, Config{Symbols: []string{"SPY"}}, nil)
	h.register(t, "SPY", bracket(10, 100, 98, 150, 160))
	h.broker.SetPositions([]adapters.Position{
		{Symbol: "SPY", Quantity: 7},
		{Symbol: "AAPL", Quantity: 5},
	})
	h.prices.SetBars("SPY", all[:cross])
	h.prices.SetBars("AAPL", all[:cross])

	require.NoError(t, h.m.EMAExitPass(context.Background()))
	placed := h.broker.Placed()
	require.Len(t, placed, 1, "AAPL is not a configured symbol")
	assert.Equal(t, "SPY", placed[0].Symbol)
	assert.Equal(t, 7, placed[0].Qty, "exit uses the broker quantity")
	assert.Empty(t, h.m.Active())
	require.Len(t, h.rec.closed, 1)
	assert.Equal(t, ReasonEMACrossDown, h.rec.closed[0].reason)
}

func TestEMAExitNeedsMinimumBars(t *testing.T) {
	_, ok := emaCrossDown(declining(59), 60)
	assert.False(t, ok)
}

func TestRestore(t *testing.T) {
	store := state.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SaveTrades(ctx, map[string]state.Trade{
		"spy": {ID: "t-1", Symbol: "SPY", Qty: 10, EntryPrice: f(100), Target1: f(102), EntryTS: t0},
	}))
	require.NoError(t, store.SaveHighWater(ctx, map[string]float64{"SPY": 104}))

	m := NewManager(Config{DryRun: true}, Options{Store: store, Logger: zerolog.Nop()})
	m.Restore(ctx)

	tr, ok := m.Active()["SPY"]
	require.True(t, ok)
	assert.Equal(t, "t-1", tr.ID)
	assert.Equal(t, 10, tr.Remaining, "missing remainder defaults to qty")
	assert.Equal(t, 104.0, m.HighWater()["SPY"])

	again, ok := m.Register(ctx, strategy.Signal{Symbol: "SPY", Setup: "HOD_FAIL"}, bracket(3, 101, 99, 103, 105), "")
	require.True(t, ok)
	assert.Equal(t, "t-1", again.ID)
}
