// Package lifecycle tracks approved trades from registration until a full
// exit: partial target, final target, timeout, EMA cross-down or trailing
// stop. Every mutation is persisted so a restart resumes management.
package lifecycle

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/planner"
	"github.com/Rajchodisetti/autotrader/internal/state"
	"github.com/Rajchodisetti/autotrader/internal/storage"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
)

// Exit reasons.
const (
	ReasonPartial      = "partial_target"
	ReasonFinal        = "final_target"
	ReasonTimeout      = "timeout_exit"
	ReasonEMACrossDown = "ema_cross_down"
	ReasonTrailing     = "trailing_exit"
	ReasonFlat         = "position_closed"
)

// EventSink receives ledger events. *ledger.Ledger implements it.
type EventSink interface {
	Event(kind string, data map[string]any) error
}

type Config struct {
	DryRun             bool
	PartialExitPct     float64
	TradeTimeout       time.Duration
	TrailPct           *float64
	TrailActivationPct *float64
	Symbols            []string
	EMAMinBars         int
	EMALookbackMin     int
}

func ConfigFromRoot(c config.Root) Config {
	return Config{
		DryRun:             c.DryRun(),
		PartialExitPct:     c.Exits.PartialExitPct,
		TradeTimeout:       time.Duration(c.Exits.TradeTimeoutMin) * time.Minute,
		TrailPct:           c.Exits.TrailPct,
		TrailActivationPct: c.Exits.TrailActivationPct,
		Symbols:            c.Strategy.Symbols,
		EMAMinBars:         c.Exits.EMAExitMinBars,
		EMALookbackMin:     c.Exits.EMAExitLookbackMin,
	}
}

type Options struct {
	Store     state.Store
	Recorder  storage.Recorder
	Ledger    EventSink
	Broker    adapters.Broker
	Prices    adapters.MarketData
	Overrides func(symbol string) config.SymbolOverride
	Logger    zerolog.Logger
}

// Manager owns the active-trade registry and the trailing high-water marks.
// The worker loop is the only writer; API reads take the same lock.
type Manager struct {
	mu     sync.Mutex
	trades map[string]state.Trade
	marks  map[string]float64

	cfg       Config
	store     state.Store
	recorder  storage.Recorder
	ledger    EventSink
	broker    adapters.Broker
	prices    adapters.MarketData
	overrides func(string) config.SymbolOverride
	now       func() time.Time
	log       zerolog.Logger
}

func NewManager(cfg Config, opts Options) *Manager {
	if cfg.PartialExitPct <= 0 {
		cfg.PartialExitPct = 0.5
	}
	if cfg.EMAMinBars <= 0 {
		cfg.EMAMinBars = 60
	}
	if cfg.EMALookbackMin <= 0 {
		cfg.EMALookbackMin = 180
	}
	if opts.Store == nil {
		opts.Store = state.NewMemoryStore()
	}
	if opts.Recorder == nil {
		opts.Recorder = storage.Nop{}
	}
	if opts.Ledger == nil {
		opts.Ledger = discard{}
	}
	if opts.Overrides == nil {
		opts.Overrides = func(string) config.SymbolOverride { return config.SymbolOverride{} }
	}
	return &Manager{
		trades:    map[string]state.Trade{},
		marks:     map[string]float64{},
		cfg:       cfg,
		store:     opts.Store,
		recorder:  opts.Recorder,
		ledger:    opts.Ledger,
		broker:    opts.Broker,
		prices:    opts.Prices,
		overrides: opts.Overrides,
		now:       time.Now,
		log:       opts.Logger,
	}
}

type discard struct{}

func (discard) Event(string, map[string]any) error { return nil }

func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Restore loads persisted trades and high-water marks. Load failures are
// logged and leave the registry empty.
func (m *Manager) Restore(ctx context.Context) {
	trades, err := m.store.LoadTrades(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("trade state load failed")
	}
	marks, err := m.store.LoadHighWater(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("high water load failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for sym, t := range trades {
		if t.Remaining <= 0 {
			t.Remaining = t.Qty
		}
		m.trades[strings.ToUpper(sym)] = t
	}
	for sym, hw := range marks {
		m.marks[strings.ToUpper(sym)] = hw
	}
	observ.ActiveTrades.Set(float64(len(m.trades)))
	if len(m.trades) > 0 || len(m.marks) > 0 {
		m.log.Info().Int("trades", len(m.trades)).Int("high_water", len(m.marks)).Msg("state restored")
	}
}

// Register starts or refreshes tracking for the signal's execution symbol.
// An existing trade keeps its id and partial-exit flag.
func (m *Manager) Register(ctx context.Context, sig strategy.Signal, plan planner.Plan, orderID string) (state.Trade, bool) {
	sym := strings.ToUpper(sig.Symbol)
	if sym == "" || plan.Entry == nil {
		return state.Trade{}, false
	}
	source := strings.ToUpper(sig.SourceSymbol)
	if source == "" {
		source = sym
	}
	setup := sig.Setup
	if setup == "" {
		setup = "UNKNOWN"
	}

	m.mu.Lock()
	t := m.trades[sym]
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Symbol = sym
	t.SourceSymbol = source
	t.Setup = setup
	t.Qty = plan.Qty
	t.Remaining = plan.Qty
	t.EntryPrice = plan.Entry
	t.Stop = plan.Stop
	t.Target1 = plan.Target1
	t.Target2 = plan.Target2
	t.EntryTS = m.now().UTC()
	t.OrderID = orderID
	t.Session, _ = sig.Metadata["session"].(string)
	t.TimeStopSec = nil
	if v, ok := sig.Metadata["time_stop_sec"].(int); ok {
		t.TimeStopSec = &v
	}
	m.trades[sym] = t
	m.persistLocked(ctx)
	m.mu.Unlock()

	if err := m.recorder.CreateTrade(ctx, storage.TradeRecord{
		ID: t.ID, Symbol: sym, SourceSymbol: source, Setup: setup, Qty: t.Qty,
		EntryPrice: t.EntryPrice, StopPrice: t.Stop, Target1: t.Target1, Target2: t.Target2,
		EntryTS: t.EntryTS,
	}); err != nil {
		m.log.Warn().Err(err).Str("symbol", sym).Msg("trade record failed")
	}
	return t, true
}

// Cleanup stops tracking symbol. A non-empty reason closes the durable
// trade record.
func (m *Manager) Cleanup(ctx context.Context, symbol, reason string, exitPrice *float64) {
	sym := strings.ToUpper(symbol)
	m.mu.Lock()
	t, ok := m.trades[sym]
	delete(m.trades, sym)
	m.persistLocked(ctx)
	m.mu.Unlock()

	if ok && reason != "" && t.ID != "" {
		if err := m.recorder.CloseTrade(ctx, t.ID, exitPrice, reason, m.now()); err != nil {
			m.log.Warn().Err(err).Str("symbol", sym).Msg("trade close record failed")
		}
	}
}

// Active returns a copy of the registry.
func (m *Manager) Active() map[string]state.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]state.Trade, len(m.trades))
	for k, v := range m.trades {
		out[k] = v
	}
	return out
}

// HighWater returns a copy of the trailing marks.
func (m *Manager) HighWater() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.marks))
	for k, v := range m.marks {
		out[k] = v
	}
	return out
}

func (m *Manager) symbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.trades))
	for s := range m.trades {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) trade(sym string) (state.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[sym]
	return t, ok
}

func (m *Manager) update(ctx context.Context, t state.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[t.Symbol]; !ok {
		return
	}
	m.trades[t.Symbol] = t
	m.persistLocked(ctx)
}

// persistLocked saves the registry. Failures are logged; the loop keeps
// running on in-memory state.
func (m *Manager) persistLocked(ctx context.Context) {
	observ.ActiveTrades.Set(float64(len(m.trades)))
	if err := m.store.SaveTrades(ctx, m.trades); err != nil {
		m.log.Error().Err(err).Msg("trade state save failed")
	}
}

func (m *Manager) saveMarksLocked(ctx context.Context) {
	if err := m.store.SaveHighWater(ctx, m.marks); err != nil {
		m.log.Error().Err(err).Msg("high water save failed")
	}
}
