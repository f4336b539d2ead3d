package lifecycle

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/state"
	"github.com/Rajchodisetti/autotrader/internal/storage"
)

// priceCache memoizes prices for the duration of one pass.
type priceCache map[string]float64

// price resolves the current price from the broker quote, falling back to
// the last trade. ok is false when neither source has one.
func (m *Manager) price(ctx context.Context, sym string, cache priceCache) (float64, bool) {
	if px, ok := cache[sym]; ok {
		return px, true
	}
	if m.broker != nil {
		if q, err := m.broker.Quote(ctx, sym); err == nil {
			if px, ok := q.Price(); ok {
				cache[sym] = px
				return px, true
			}
		} else {
			m.log.Debug().Err(err).Str("symbol", sym).Msg("quote unavailable")
		}
	}
	if m.prices != nil {
		px, err := m.prices.LastTradePrice(ctx, sym)
		if err == nil && px > 0 {
			cache[sym] = px
			return px, true
		}
		if err != nil {
			m.log.Debug().Err(err).Str("symbol", sym).Msg("last trade unavailable")
		}
	}
	return 0, false
}

// positions maps symbol to held quantity and the raw rows.
func (m *Manager) positions(ctx context.Context) (map[string]adapters.Position, error) {
	out := map[string]adapters.Position{}
	if m.broker == nil {
		return out, nil
	}
	rows, err := m.broker.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	for _, p := range rows {
		out[strings.ToUpper(p.Symbol)] = p
	}
	return out, nil
}

// exit sells qty of sym at market, or only records it in dry run.
func (m *Manager) exit(ctx context.Context, sym string, qty int, reason string) (*adapters.OrderResponse, error) {
	if qty <= 0 {
		return nil, nil
	}
	if m.cfg.DryRun {
		m.log.Info().Str("symbol", sym).Int("qty", qty).Str("reason", reason).Msg("exit (dry run)")
		m.event(ledger.KindOrderExit, map[string]any{"symbol": sym, "qty": qty, "reason": reason, "dry_run": true})
		observ.OrdersTotal.WithLabelValues("sell", reason).Inc()
		return nil, nil
	}
	if m.broker == nil {
		return nil, fmt.Errorf("no broker configured for %s exit", sym)
	}
	resp, err := m.broker.PlaceOrder(ctx, adapters.OrderRequest{
		Symbol:   sym,
		Side:     "sell",
		Qty:      qty,
		Type:     "market",
		Duration: "day",
	})
	if err != nil {
		m.log.Error().Err(err).Str("symbol", sym).Str("reason", reason).Msg("exit order failed")
		return nil, err
	}
	observ.OrdersTotal.WithLabelValues("sell", reason).Inc()
	m.log.Info().Str("symbol", sym).Int("qty", qty).Str("reason", reason).Str("order_id", resp.ID).Msg("exit submitted")
	m.event(ledger.KindOrderExit, map[string]any{"symbol": sym, "qty": qty, "reason": reason, "resp": resp})
	if err := m.recorder.RecordOrder(ctx, storage.OrderRecord{
		OrderID: resp.ID, Symbol: sym, Side: "sell", Qty: qty, Status: resp.Status,
		Payload: map[string]any{"reason": reason, "raw": resp.Raw},
	}); err != nil {
		m.log.Warn().Err(err).Str("symbol", sym).Msg("order record failed")
	}
	return &resp, nil
}

func (m *Manager) event(kind string, data map[string]any) {
	if err := m.ledger.Event(kind, data); err != nil {
		m.log.Warn().Err(err).Str("kind", kind).Msg("ledger write failed")
	}
}

// PartialExitPass handles target and timeout exits for tracked trades.
// Outside dry run a flat broker position removes the trade without an order.
func (m *Manager) PartialExitPass(ctx context.Context) error {
	syms := m.symbols()
	if len(syms) == 0 {
		return nil
	}
	var held map[string]adapters.Position
	if !m.cfg.DryRun {
		var err error
		if held, err = m.positions(ctx); err != nil {
			return err
		}
	}
	cache := priceCache{}
	now := m.now()

	for _, sym := range syms {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t, ok := m.trade(sym)
		if !ok {
			continue
		}
		posQty := 0
		if !m.cfg.DryRun {
			posQty = int(held[sym].Quantity)
			if posQty <= 0 {
				m.log.Info().Str("symbol", sym).Msg("position flat at broker, dropping trade")
				m.Cleanup(ctx, sym, ReasonFlat, nil)
				continue
			}
		}
		px, ok := m.price(ctx, sym, cache)
		if !ok {
			continue
		}
		m.managePosition(ctx, t, px, posQty, now)
	}
	return nil
}

func (m *Manager) managePosition(ctx context.Context, t state.Trade, px float64, posQty int, now time.Time) {
	sym := t.Symbol
	// holding is what a full exit sells: the broker quantity live, the
	// tracked remainder in dry run.
	holding := posQty
	if m.cfg.DryRun {
		holding = t.Remaining
	}

	if !t.PartialExited && t.Target1 != nil && px >= *t.Target1 {
		qty := int(float64(max(t.Qty, posQty)) * m.cfg.PartialExitPct)
		qty = min(max(1, qty), holding)
		if _, err := m.exit(ctx, sym, qty, ReasonPartial); err != nil {
			return
		}
		t.PartialExited = true
		t.Remaining = max(0, holding-qty)
		holding = t.Remaining
		if t.EntryPrice != nil {
			stop := *t.EntryPrice
			if t.Stop != nil && *t.Stop > stop {
				stop = *t.Stop
			}
			t.Stop = &stop
		}
		m.update(ctx, t)
	}

	if t.Target2 != nil && px >= *t.Target2 {
		if _, err := m.exit(ctx, sym, holding, ReasonFinal); err != nil {
			return
		}
		m.Cleanup(ctx, sym, ReasonFinal, &px)
		return
	}

	timeout := m.cfg.TradeTimeout
	if t.TimeStopSec != nil && *t.TimeStopSec > 0 {
		timeout = time.Duration(*t.TimeStopSec) * time.Second
	}
	if timeout > 0 && now.Sub(t.EntryTS) > timeout {
		if _, err := m.exit(ctx, sym, holding, ReasonTimeout); err != nil {
			return
		}
		m.Cleanup(ctx, sym, ReasonTimeout, &px)
	}
}

// EMAExitPass sells any held position in a configured symbol whose
// EMA20 crossed below EMA50 on the last bar with the close under EMA50.
// It runs over broker positions, tracked or not.
func (m *Manager) EMAExitPass(ctx context.Context) error {
	if m.prices == nil {
		return nil
	}
	held, err := m.positions(ctx)
	if err != nil {
		return err
	}
	tracked := map[string]bool{}
	for _, s := range m.cfg.Symbols {
		tracked[strings.ToUpper(s)] = true
	}

	for sym, p := range held {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		qty := int(p.Quantity)
		if qty <= 0 || (len(tracked) > 0 && !tracked[sym]) {
			continue
		}
		bars, err := m.prices.MinuteBars(ctx, sym, m.cfg.EMALookbackMin)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", sym).Msg("exit bars unavailable")
			continue
		}
		last, crossed := emaCrossDown(bars, m.cfg.EMAMinBars)
		if !crossed {
			continue
		}
		if _, err := m.exit(ctx, sym, qty, ReasonEMACrossDown); err != nil {
			continue
		}
		m.Cleanup(ctx, sym, ReasonEMACrossDown, &last)
	}
	return nil
}

func emaCrossDown(bars []features.Bar, minBars int) (float64, bool) {
	if len(bars) < minBars || len(bars) < 50 {
		return 0, false
	}
	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	e20, e50 := features.EMA(closes, 20), features.EMA(closes, 50)
	n := len(closes)
	prev := e20[n-2] - e50[n-2]
	now := e20[n-1] - e50[n-1]
	last := closes[n-1]
	return last, prev >= 0 && now < 0 && last < e50[n-1]
}

// TrailingExitPass maintains per-symbol high-water marks over held
// positions and exits when price falls trail_pct below the mark. A symbol
// override can set its own trail and activation.
func (m *Manager) TrailingExitPass(ctx context.Context) error {
	held, err := m.positions(ctx)
	if err != nil {
		return err
	}
	cache := priceCache{}
	for sym, p := range held {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		qty := int(p.Quantity)
		if qty <= 0 {
			continue
		}
		ov := m.overrides(sym)
		trail := m.cfg.TrailPct
		if ov.TrailPct != nil {
			trail = ov.TrailPct
		}
		if trail == nil || *trail <= 0 {
			continue
		}
		activation := m.cfg.TrailActivationPct
		if ov.TrailActivationPct != nil {
			activation = ov.TrailActivationPct
		}

		px, ok := m.price(ctx, sym, cache)
		if !ok {
			continue
		}
		hi := m.raiseMark(ctx, sym, px)

		if activation != nil {
			if cb := p.AvgCost(); cb > 0 && hi < cb*(1+*activation) {
				continue
			}
		}
		trigger := hi * (1 - *trail)
		if px > trigger {
			continue
		}
		m.log.Info().Str("symbol", sym).Float64("price", px).Float64("high_water", hi).
			Float64("trigger", math.Round(trigger*100)/100).Msg("trailing stop hit")
		if m.cfg.DryRun {
			m.dropMark(ctx, sym)
			m.Cleanup(ctx, sym, ReasonTrailing, &px)
			continue
		}
		if _, err := m.exit(ctx, sym, qty, ReasonTrailing); err != nil {
			continue
		}
		m.dropMark(ctx, sym)
		m.Cleanup(ctx, sym, ReasonTrailing, &px)
	}
	return nil
}

// raiseMark returns the high-water mark for sym after observing px. The
// mark never decreases and is persisted when it moves.
func (m *Manager) raiseMark(ctx context.Context, sym string, px float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	hi, ok := m.marks[sym]
	if !ok || px > hi {
		hi = px
		m.marks[sym] = hi
		m.saveMarksLocked(ctx)
	}
	return hi
}

func (m *Manager) dropMark(ctx context.Context, sym string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, sym)
	m.saveMarksLocked(ctx)
}
