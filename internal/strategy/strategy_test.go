package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/session"
)

func f(v float64) *float64 { return &v }

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func makeSnapshot(mut func(*features.Snapshot)) features.Snapshot {
	s := features.Snapshot{
		Symbol:         "AAPL",
		AsOf:           time.Date(2024, 5, 10, 19, 30, 0, 0, time.UTC),
		LastPrice:      f(101.0),
		PrevClose:      f(99.0),
		VWAP:           f(100.0),
		EMA20:          f(102.0),
		EMA50:          f(100.0),
		EMA20Prev:      f(98.0),
		EMA50Prev:      f(99.5),
		EMA20Slope:     f(0.02),
		RelativeVolume: f(1.3),
		HOD:            f(102.5),
		LOD:            f(98.5),
		ATR14:          f(1.5),
	}
	if mut != nil {
		mut(&s)
	}
	return s
}

func playConfig(mut func(*PlayConfig)) PlayConfig {
	cfg := PlayConfig{
		DefaultQty:     2,
		CooldownSec:    60,
		VWAPMinRVol:    1.1,
		SigmaMinRVol:   0.9,
		HODPullbackATR: 0.5,
		PowerHourStart: "15:00",
		Location:       time.UTC,
		Sizing: config.Sizing{
			StopATRMult:      1.2,
			TargetOneATRMult: 1.0,
			TargetTwoATRMult: 2.0,
		},
	}
	if mut != nil {
		mut(&cfg)
	}
	return cfg
}

func TestContextCooldown(t *testing.T) {
	ctx := NewContext()
	now := time.Now()
	cooldown := 10 * time.Second

	assert.True(t, ctx.CanEmit(SetupVWAPReclaim, "AAPL", now, cooldown))
	ctx.MarkEmit(SetupVWAPReclaim, "AAPL", now)

	tests := []struct {
		name   string
		setup  string
		symbol string
		delta  time.Duration
		want   bool
	}{
		{"same instant", SetupVWAPReclaim, "AAPL", 0, false},
		{"inside window", SetupVWAPReclaim, "AAPL", 5 * time.Second, false},
		{"window boundary", SetupVWAPReclaim, "AAPL", cooldown, true},
		{"after window", SetupVWAPReclaim, "AAPL", 11 * time.Second, true},
		{"other setup same symbol", SetupEMACross, "AAPL", 5 * time.Second, true},
		{"same setup other symbol", SetupVWAPReclaim, "MSFT", 5 * time.Second, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ctx.CanEmit(tt.setup, tt.symbol, now.Add(tt.delta), cooldown))
		})
	}
}

func TestContextSessionSlots(t *testing.T) {
	ctx := NewContext()
	assert.True(t, ctx.TakeSessionSlot("OPEN", "2024-05-10", 2))
	assert.True(t, ctx.TakeSessionSlot("OPEN", "2024-05-10", 2))
	assert.False(t, ctx.TakeSessionSlot("OPEN", "2024-05-10", 2))
	assert.True(t, ctx.TakeSessionSlot("MIDDAY", "2024-05-10", 2))
	assert.True(t, ctx.TakeSessionSlot("OPEN", "2024-05-11", 2), "counts reset daily")

	clone := ctx.Clone()
	clone.MarkEmit(SetupHODFail, "AAPL", time.Now())
	assert.True(t, ctx.CanEmit(SetupHODFail, "AAPL", time.Now(), time.Hour), "clone is independent")
}

func TestVWAPReclaim(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(*PlayConfig)
		snap    func(*features.Snapshot)
		session *session.Policy
		want    int
	}{
		{name: "emits on reclaim", want: 1},
		{
			name: "relative volume below minimum",
			cfg:  func(c *PlayConfig) { c.VWAPMinRVol = 1.2; c.CooldownSec = 0 },
			snap: func(s *features.Snapshot) { s.RelativeVolume = f(1.0) },
			want: 0,
		},
		{
			name: "no previous observation below vwap",
			snap: func(s *features.Snapshot) { s.PrevClose = f(100.5) },
			want: 0,
		},
		{
			name: "bearish ema stack",
			snap: func(s *features.Snapshot) { s.EMA20 = f(99) },
			want: 0,
		},
		{
			name: "negative slope",
			snap: func(s *features.Snapshot) { s.EMA20Slope = f(-0.001) },
			want: 0,
		},
		{
			name: "missing optional confirmations still fires",
			snap: func(s *features.Snapshot) { s.EMA20, s.EMA50, s.EMA20Slope, s.RelativeVolume = nil, nil, nil, nil },
			want: 1,
		},
		{
			name: "missing vwap cannot evaluate",
			snap: func(s *features.Snapshot) { s.VWAP = nil },
			want: 0,
		},
		{
			name:    "session rvol floor is stricter",
			session: &session.Policy{Name: "MIDDAY", RVolMin: f(1.5)},
			want:    0,
		},
		{
			name:    "session slope ceiling",
			session: &session.Policy{Name: "OPEN", EMA20SlopeMax: f(0.01)},
			want:    0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			play := &VWAPReclaim{cfg: playConfig(tt.cfg)}
			got := play.Evaluate(makeSnapshot(tt.snap), tt.session, NewContext())
			assert.Len(t, got, tt.want)
		})
	}
}

func TestVWAPReclaimSignalShape(t *testing.T) {
	play := &VWAPReclaim{cfg: playConfig(nil)}
	signals := play.Evaluate(makeSnapshot(nil), nil, NewContext())
	require.Len(t, signals, 1)

	sig := signals[0]
	assert.Equal(t, "AAPL", sig.Symbol)
	assert.Equal(t, SetupVWAPReclaim, sig.Setup)
	assert.Equal(t, SideBuy, sig.Side)
	assert.Equal(t, 2, sig.Qty)
	assert.Equal(t, "vwap_reclaim", sig.Reason)
	require.NotNil(t, sig.Stop)
	require.NotNil(t, sig.Target1)
	require.NotNil(t, sig.Target2)
	assert.InDelta(t, 101-1.2*1.5, *sig.Stop, 1e-9)
	assert.InDelta(t, 102.5, *sig.Target1, 1e-9)
	assert.InDelta(t, 104.0, *sig.Target2, 1e-9)

	order := sig.ToOrder()
	assert.Equal(t, "AAPL", order["symbol"])
	assert.Equal(t, "market", order["type"])
	assert.Equal(t, 2, order["qty"])
}

func TestVWAPReclaimWithoutATRHasNoBrackets(t *testing.T) {
	play := &VWAPReclaim{cfg: playConfig(nil)}
	signals := play.Evaluate(makeSnapshot(func(s *features.Snapshot) { s.ATR14 = nil }), nil, NewContext())
	require.Len(t, signals, 1)
	assert.Nil(t, signals[0].Stop)
	assert.Nil(t, signals[0].Target1)
	assert.Nil(t, signals[0].Target2)
}

func TestVWAPReclaimCooldown(t *testing.T) {
	play := &VWAPReclaim{cfg: playConfig(func(c *PlayConfig) { c.CooldownSec = 600; c.VWAPMinRVol = 1.0 })}
	ctx := NewContext()
	snap := makeSnapshot(nil)

	require.Len(t, play.Evaluate(snap, nil, ctx), 1)
	assert.Empty(t, play.Evaluate(snap, nil, ctx))

	later := makeSnapshot(func(s *features.Snapshot) { s.AsOf = s.AsOf.Add(10 * time.Minute) })
	assert.Len(t, play.Evaluate(later, nil, ctx), 1)
}

func TestVWAPReclaimPowerHourGate(t *testing.T) {
	loc := newYork(t)
	cfg := playConfig(func(c *PlayConfig) {
		c.CooldownSec = 0
		c.VWAPMinRVol = 1.0
		c.PowerHourSymbols = []string{"SPX"}
		c.Location = loc
	})
	snap := makeSnapshot(func(s *features.Snapshot) {
		s.Symbol = "SPX"
		s.AsOf = time.Date(2024, 5, 10, 14, 0, 0, 0, loc)
	})
	ctx := NewContext()

	assert.Empty(t, (&VWAPReclaim{cfg: cfg}).Evaluate(snap, nil, ctx))

	cfg.PowerHourStart = "13:00"
	assert.Len(t, (&VWAPReclaim{cfg: cfg}).Evaluate(snap, nil, ctx), 1)

	cfg.PowerHourStart = "garbage"
	assert.Empty(t, (&VWAPReclaim{cfg: cfg}).Evaluate(snap, nil, NewContext()), "falls back to 15:00")
}

func TestSigmaFade(t *testing.T) {
	play := &SigmaFade{cfg: playConfig(func(c *PlayConfig) { c.CooldownSec = 0 })}

	signals := play.Evaluate(makeSnapshot(func(s *features.Snapshot) {
		s.SigmaLower = f(100.8)
		s.LastPrice = f(100.5)
		s.RelativeVolume = f(1.0)
	}), nil, NewContext())
	require.Len(t, signals, 1)
	assert.Equal(t, SetupSigmaFade, signals[0].Setup)
	assert.NotNil(t, signals[0].Stop)

	assert.Empty(t, play.Evaluate(makeSnapshot(func(s *features.Snapshot) {
		s.SigmaLower = f(100.8)
		s.LastPrice = f(101.0)
	}), nil, NewContext()), "above the band")

	assert.Empty(t, play.Evaluate(makeSnapshot(func(s *features.Snapshot) {
		s.SigmaLower = f(100.8)
		s.LastPrice = f(100.5)
		s.RelativeVolume = f(0.5)
	}), nil, NewContext()), "thin volume")
}

func TestHODFail(t *testing.T) {
	play := &HODFail{cfg: playConfig(func(c *PlayConfig) { c.CooldownSec = 0 })}

	signals := play.Evaluate(makeSnapshot(func(s *features.Snapshot) {
		s.HOD = f(104.0)
		s.LastPrice = f(102.0)
		s.VWAP = f(101.5)
	}), nil, NewContext())
	require.Len(t, signals, 1)
	assert.Equal(t, SetupHODFail, signals[0].Setup)

	assert.Empty(t, play.Evaluate(makeSnapshot(func(s *features.Snapshot) {
		s.HOD = f(102.5)
		s.LastPrice = f(102.3)
		s.VWAP = f(101.5)
	}), nil, NewContext()), "pullback shallower than 0.5 ATR")

	assert.Empty(t, play.Evaluate(makeSnapshot(func(s *features.Snapshot) {
		s.HOD = f(104.0)
		s.LastPrice = f(101.0)
		s.VWAP = f(101.5)
	}), nil, NewContext()), "lost vwap")
}

func TestEMACross(t *testing.T) {
	play := &EMACross{cfg: playConfig(nil)}
	require.Len(t, play.Evaluate(makeSnapshot(nil), nil, NewContext()), 1)

	assert.Empty(t, play.Evaluate(makeSnapshot(func(s *features.Snapshot) { s.EMA20Prev = f(100) }), nil, NewContext()),
		"already above")
	assert.Empty(t, play.Evaluate(makeSnapshot(func(s *features.Snapshot) { s.EMA50Prev = nil }), nil, NewContext()))
}

func TestAllowedIn(t *testing.T) {
	plays := DefaultPlays(playConfig(nil))
	policy := &session.Policy{
		Name:        "OPEN",
		AllowSetups: map[string]struct{}{SetupVWAPReclaim: {}, SetupHODFail: {}},
		BanSetups:   map[string]struct{}{SetupHODFail: {}},
	}
	allowed := map[string]bool{}
	for _, p := range plays {
		assert.True(t, p.AllowedIn(nil), p.Name())
		allowed[p.Name()] = p.AllowedIn(policy)
	}
	assert.Equal(t, map[string]bool{
		SetupVWAPReclaim: true,
		SetupSigmaFade:   false,
		SetupHODFail:     false,
		SetupEMACross:    false,
	}, allowed)
}

type fakeSnapshots struct {
	snaps map[string]features.Snapshot
	errs  map[string]error
}

func (fs fakeSnapshots) Snapshot(ctx context.Context, symbol string) (features.Snapshot, error) {
	if err := fs.errs[symbol]; err != nil {
		return features.Snapshot{Symbol: symbol}, err
	}
	if s, ok := fs.snaps[symbol]; ok {
		return s, nil
	}
	return features.Snapshot{Symbol: symbol}, nil
}

type alwaysPlay struct{}

func (alwaysPlay) Name() string                   { return "DUMMY" }
func (alwaysPlay) AllowedIn(*session.Policy) bool { return true }
func (alwaysPlay) Evaluate(s features.Snapshot, _ *session.Policy, _ *Context) []Signal {
	return []Signal{{Symbol: s.Symbol, SourceSymbol: s.Symbol, Setup: "DUMMY", Side: SideBuy, Qty: 1, Entry: s.LastPrice}}
}

func TestEngineAppliesExecutionMapping(t *testing.T) {
	src := fakeSnapshots{snaps: map[string]features.Snapshot{"SPX": {Symbol: "SPX", LastPrice: f(100)}}}
	e := NewEngine(src, nil, []Play{alwaysPlay{}}, EngineConfig{
		Symbols:      []string{"spx"},
		ExecutionMap: map[string]string{"SPX": "SPY"},
	}, zerolog.Nop())

	signals := e.GenerateSignals(context.Background())
	require.Len(t, signals, 1)
	sig := signals[0]
	assert.Equal(t, "SPY", sig.Symbol)
	assert.Equal(t, "SPX", sig.SourceSymbol)
	assert.Equal(t, "SPY", sig.Metadata["execution_symbol"])
	assert.Equal(t, "SPX", sig.Metadata["source_symbol"])
}

func TestEngineIsolatesSymbolFailures(t *testing.T) {
	src := fakeSnapshots{errs: map[string]error{"AAPL": errors.New("boom")}}
	e := NewEngine(src, nil, []Play{alwaysPlay{}}, EngineConfig{Symbols: []string{"AAPL", "MSFT"}}, zerolog.Nop())

	signals := e.GenerateSignals(context.Background())
	require.Len(t, signals, 1)
	assert.Equal(t, "MSFT", signals[0].Symbol)
}

func TestEngineSessionRules(t *testing.T) {
	loc := newYork(t)
	sessions := session.NewConfig([]*session.Policy{{
		Name:        "CLOSE",
		Start:       15 * 60,
		End:         16 * 60,
		ETFOnly:     true,
		MaxTrades:   intPtr(1),
		TimeStopSec: intPtr(600),
	}}, loc)
	src := fakeSnapshots{}
	e := NewEngine(src, sessions, []Play{alwaysPlay{}}, EngineConfig{
		Symbols:    []string{"AAPL", "SPY", "QQQ"},
		ETFSymbols: []string{"SPY", "QQQ"},
		Location:   loc,
	}, zerolog.Nop())
	e.SetClock(func() time.Time { return time.Date(2024, 5, 10, 15, 30, 0, 0, loc) })

	preview := e.Preview(context.Background())
	require.Len(t, preview, 1, "max_trades caps the session")
	assert.Equal(t, "SPY", preview[0].Symbol, "etf_only skips AAPL")
	assert.Equal(t, "CLOSE", preview[0].Metadata["session"])
	assert.Equal(t, 600, preview[0].Metadata["time_stop_sec"])

	require.Len(t, e.GenerateSignals(context.Background()), 1, "preview did not consume the slot")
	assert.Empty(t, e.GenerateSignals(context.Background()))
}

func intPtr(v int) *int { return &v }

type cooldownPlay struct{}

func (cooldownPlay) Name() string                   { return "COOLDOWN" }
func (cooldownPlay) AllowedIn(*session.Policy) bool { return true }
func (cooldownPlay) Evaluate(s features.Snapshot, _ *session.Policy, ctx *Context) []Signal {
	if !ctx.CanEmit("COOLDOWN", s.Symbol, s.AsOf, time.Hour) {
		return nil
	}
	ctx.MarkEmit("COOLDOWN", s.Symbol, s.AsOf)
	return []Signal{{Symbol: s.Symbol, SourceSymbol: s.Symbol, Setup: "COOLDOWN", Side: SideBuy, Qty: 1}}
}

func TestSessionCapDoesNotStartCooldown(t *testing.T) {
	loc := newYork(t)
	at := time.Date(2024, 5, 10, 15, 30, 0, 0, loc)
	sessions := session.NewConfig([]*session.Policy{{
		Name: "CLOSE", Start: 15 * 60, End: 16 * 60, MaxTrades: intPtr(1),
	}}, loc)
	src := fakeSnapshots{snaps: map[string]features.Snapshot{
		"SPY": {Symbol: "SPY", AsOf: at},
		"QQQ": {Symbol: "QQQ", AsOf: at},
	}}
	e := NewEngine(src, sessions, []Play{cooldownPlay{}}, EngineConfig{
		Symbols:  []string{"SPY", "QQQ"},
		Location: loc,
	}, zerolog.Nop())
	e.SetClock(func() time.Time { return at })

	signals := e.GenerateSignals(context.Background())
	require.Len(t, signals, 1)
	assert.Equal(t, "SPY", signals[0].Symbol)
	assert.False(t, e.Context().CanEmit("COOLDOWN", "SPY", at, time.Hour))
	assert.True(t, e.Context().CanEmit("COOLDOWN", "QQQ", at, time.Hour), "capped signal left no cooldown")
}

func TestHasSessionSlot(t *testing.T) {
	c := NewContext()
	assert.True(t, c.HasSessionSlot("OPEN", "2024-05-10", 1))
	require.True(t, c.TakeSessionSlot("OPEN", "2024-05-10", 1))
	assert.False(t, c.HasSessionSlot("OPEN", "2024-05-10", 1))
	assert.True(t, c.HasSessionSlot("OPEN", "2024-05-11", 1), "new day resets")
	assert.False(t, c.HasSessionSlot("OPEN", "2024-05-11", 0))
}
