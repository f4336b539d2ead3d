// Package risk gates approved signals against the live account before any
// order is sized or sent.
package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/session"
)

// Decision is the outcome of one evaluation. Reasons lists every violated
// rule; Inconclusive names checks skipped because their data could not be
// fetched.
type Decision struct {
	Passed       bool      `json:"passed"`
	Reasons      []string  `json:"reasons"`
	Inconclusive []string  `json:"inconclusive,omitempty"`
	EvaluatedAt  time.Time `json:"evaluated_at"`
}

// Request is what the gates see.
type Request struct {
	Symbol  string
	Qty     int
	At      time.Time
	Session *session.Policy
}

// Gate is a single risk rule. Any returned reason blocks; an error marks
// the gate inconclusive.
type Gate interface {
	Name() string
	Check(ctx context.Context, req Request, acct *Account) (reasons []string, err error)
}

// Evaluator runs every gate and accumulates the results.
type Evaluator struct {
	gates    []Gate
	cfg      config.Risk
	broker   adapters.Broker
	sessions *session.Config
	now      func() time.Time
	log      zerolog.Logger
}

// Options wires the data sources the portfolio gates need. Prices may be
// nil, in which case the broker quote is used for notional checks.
type Options struct {
	Broker    adapters.Broker
	Prices    adapters.MarketData
	Sessions  *session.Config
	Overrides func(symbol string) config.SymbolOverride
	Location  *time.Location
	Logger    zerolog.Logger
}

func NewEvaluator(cfg config.Risk, opts Options) *Evaluator {
	loc := opts.Location
	if loc == nil {
		loc = newYork()
	}
	overrides := opts.Overrides
	if overrides == nil {
		overrides = func(string) config.SymbolOverride { return config.SymbolOverride{} }
	}
	e := &Evaluator{
		cfg:      cfg,
		broker:   opts.Broker,
		sessions: opts.Sessions,
		now:      time.Now,
		log:      opts.Logger,
	}
	e.gates = []Gate{
		&windowGate{start: cfg.TradingWindowStart, end: cfg.TradingWindowEnd, overrides: overrides, loc: loc},
		newListGate(cfg.Blacklist, cfg.Whitelist),
		&positionsGate{maxConcurrent: cfg.MaxConcurrent, maxPerSymbol: cfg.MaxPositionsPerSymbol},
		&openOrdersGate{max: cfg.MaxOpenOrders},
		&notionalGate{cap: cfg.MaxOrderNotionalUSD, overrides: overrides, prices: opts.Prices, broker: opts.Broker},
		&cashGate{min: cfg.MinCashUSD},
		&maxQtyGate{max: cfg.MaxQty},
	}
	return e
}

// SetClock replaces the wall clock, for tests.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// Gates returns the configured gates in evaluation order.
func (e *Evaluator) Gates() []Gate { return e.gates }

// Evaluate checks a prospective order of qty shares of symbol.
func (e *Evaluator) Evaluate(ctx context.Context, symbol string, qty int) Decision {
	at := e.now()
	req := Request{
		Symbol: strings.ToUpper(strings.TrimSpace(symbol)),
		Qty:    qty,
		At:     at,
	}
	if e.sessions != nil {
		req.Session = e.sessions.Current(at)
	}
	acct := NewAccount(e.broker)

	d := Decision{Reasons: []string{}, EvaluatedAt: at.UTC()}
	for _, g := range e.gates {
		reasons, err := g.Check(ctx, req, acct)
		if err != nil {
			d.Inconclusive = append(d.Inconclusive, g.Name())
			e.log.Warn().Err(err).Str("gate", g.Name()).Str("symbol", req.Symbol).Msg("risk check inconclusive")
			if e.cfg.FailClosed {
				d.Reasons = append(d.Reasons, fmt.Sprintf("Risk check %s unavailable", g.Name()))
			}
			continue
		}
		d.Reasons = append(d.Reasons, reasons...)
	}
	d.Passed = len(d.Reasons) == 0
	return d
}

func newYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}
