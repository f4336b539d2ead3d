package risk

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/session"
)

// Account lazily fetches and memoizes the broker view for one evaluation so
// gates that share data hit the broker once.
type Account struct {
	broker adapters.Broker

	posOnce   sync.Once
	positions []adapters.Position
	posErr    error

	ordOnce sync.Once
	orders  []adapters.Order
	ordErr  error

	balOnce  sync.Once
	balances adapters.Balances
	balErr   error
}

// NewAccount wraps a broker for a single evaluation.
func NewAccount(b adapters.Broker) *Account { return &Account{broker: b} }

// OpenPositions returns non-flat positions. Without a broker there are none.
func (a *Account) OpenPositions(ctx context.Context) ([]adapters.Position, error) {
	a.posOnce.Do(func() {
		if a.broker == nil {
			return
		}
		all, err := a.broker.Positions(ctx)
		if err != nil {
			a.posErr = err
			return
		}
		for _, p := range all {
			if p.Quantity != 0 {
				a.positions = append(a.positions, p)
			}
		}
	})
	return a.positions, a.posErr
}

func (a *Account) OpenOrders(ctx context.Context) ([]adapters.Order, error) {
	a.ordOnce.Do(func() {
		if a.broker == nil {
			return
		}
		a.orders, a.ordErr = a.broker.OpenOrders(ctx)
	})
	return a.orders, a.ordErr
}

func (a *Account) Balances(ctx context.Context) (adapters.Balances, bool, error) {
	if a.broker == nil {
		return adapters.Balances{}, false, nil
	}
	a.balOnce.Do(func() {
		a.balances, a.balErr = a.broker.Balances(ctx)
	})
	return a.balances, a.balErr == nil, a.balErr
}

// windowGate requires the evaluation time inside the trading window. An
// active session replaces the configured window; a per-symbol window
// replaces both.
type windowGate struct {
	start, end string
	overrides  func(string) config.SymbolOverride
	loc        *time.Location
}

func (g *windowGate) Name() string { return "trading_window" }

func (g *windowGate) Check(_ context.Context, req Request, _ *Account) ([]string, error) {
	start, end := g.start, g.end
	if req.Session != nil {
		start, end = req.Session.Start.String(), req.Session.End.String()
	}
	if w := g.overrides(req.Symbol).Window; w != "" {
		if s, e, ok := config.ParseWindow(w); ok {
			start, end = s, e
		}
	}
	if start == "" && end == "" {
		return nil, nil
	}
	lo, err := session.ParseTimeOfDay(start)
	if err != nil {
		return nil, fmt.Errorf("window start: %w", err)
	}
	hi, err := session.ParseTimeOfDay(end)
	if err != nil {
		return nil, fmt.Errorf("window end: %w", err)
	}
	now := session.SecondsAt(req.At, g.loc)
	if now < lo.Seconds() || now > hi.Seconds() {
		return []string{fmt.Sprintf("Outside trading window %s-%s ET", start, end)}, nil
	}
	return nil, nil
}

type listGate struct {
	black map[string]struct{}
	white map[string]struct{}
}

func newListGate(black, white []string) *listGate {
	return &listGate{black: toSet(black), white: toSet(white)}
}

func (g *listGate) Name() string { return "symbol_lists" }

func (g *listGate) Check(_ context.Context, req Request, _ *Account) ([]string, error) {
	var reasons []string
	if _, ok := g.black[req.Symbol]; ok {
		reasons = append(reasons, "Symbol blacklisted")
	}
	if len(g.white) > 0 {
		if _, ok := g.white[req.Symbol]; !ok {
			reasons = append(reasons, "Symbol not in whitelist")
		}
	}
	return reasons, nil
}

// positionsGate caps total open positions and positions per symbol.
type positionsGate struct {
	maxConcurrent int
	maxPerSymbol  int
}

func (g *positionsGate) Name() string { return "positions" }

func (g *positionsGate) Check(ctx context.Context, req Request, acct *Account) ([]string, error) {
	if g.maxConcurrent <= 0 && g.maxPerSymbol <= 0 {
		return nil, nil
	}
	positions, err := acct.OpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("positions: %w", err)
	}

	var reasons []string
	if g.maxConcurrent > 0 && len(positions) >= g.maxConcurrent {
		reasons = append(reasons, "Max concurrent positions reached: "+strconv.Itoa(g.maxConcurrent))
	}
	if g.maxPerSymbol > 0 {
		same := 0
		for _, p := range positions {
			if strings.EqualFold(p.Symbol, req.Symbol) {
				same++
			}
		}
		if same >= g.maxPerSymbol {
			reasons = append(reasons, fmt.Sprintf("Max positions for %s reached: %d", req.Symbol, g.maxPerSymbol))
		}
	}
	return reasons, nil
}

type openOrdersGate struct {
	max int
}

func (g *openOrdersGate) Name() string { return "open_orders" }

func (g *openOrdersGate) Check(ctx context.Context, _ Request, acct *Account) ([]string, error) {
	if g.max <= 0 {
		return nil, nil
	}
	orders, err := acct.OpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("open orders: %w", err)
	}
	if len(orders) >= g.max {
		return []string{"Max open orders reached: " + strconv.Itoa(g.max)}, nil
	}
	return nil, nil
}

// notionalGate prices the order at the last trade, falling back to the
// broker quote, and compares against the symbol or global cap.
type notionalGate struct {
	cap       *float64
	overrides func(string) config.SymbolOverride
	prices    adapters.MarketData
	broker    adapters.Broker
}

func (g *notionalGate) Name() string { return "notional" }

func (g *notionalGate) Check(ctx context.Context, req Request, _ *Account) ([]string, error) {
	limit := g.cap
	if ov := g.overrides(req.Symbol).NotionalCap; ov != nil {
		limit = ov
	}
	if limit == nil {
		return nil, nil
	}
	price, err := g.price(ctx, req.Symbol)
	if err != nil {
		return nil, err
	}
	notional := price * float64(req.Qty)
	if notional > *limit {
		return []string{fmt.Sprintf("Order notional $%.2f exceeds cap $%s", notional, strconv.FormatFloat(*limit, 'f', -1, 64))}, nil
	}
	return nil, nil
}

func (g *notionalGate) price(ctx context.Context, symbol string) (float64, error) {
	var lastErr error
	if g.prices != nil {
		px, err := g.prices.LastTradePrice(ctx, symbol)
		if err == nil && px > 0 {
			return px, nil
		}
		lastErr = err
	}
	if g.broker != nil {
		q, err := g.broker.Quote(ctx, symbol)
		if err == nil {
			if px, ok := q.Price(); ok {
				return px, nil
			}
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no price for %s", symbol)
	}
	return 0, lastErr
}

type cashGate struct {
	min *float64
}

func (g *cashGate) Name() string { return "min_cash" }

func (g *cashGate) Check(ctx context.Context, _ Request, acct *Account) ([]string, error) {
	if g.min == nil {
		return nil, nil
	}
	bal, ok, err := acct.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("balances: %w", err)
	}
	if ok && bal.CashAvailable < *g.min {
		return []string{"Cash below minimum $" + strconv.FormatFloat(*g.min, 'f', -1, 64)}, nil
	}
	return nil, nil
}

type maxQtyGate struct {
	max int
}

func (g *maxQtyGate) Name() string { return "max_qty" }

func (g *maxQtyGate) Check(_ context.Context, req Request, _ *Account) ([]string, error) {
	if g.max > 0 && req.Qty > g.max {
		return []string{fmt.Sprintf("Quantity %d exceeds max %d", req.Qty, g.max)}, nil
	}
	return nil, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}
