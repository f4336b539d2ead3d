// Package worker runs the scan cycle: generate signals, gate them on
// options activity and risk, size them, submit or journal the order, and
// hand the trade to the lifecycle manager. Exit passes follow each scan.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
	"github.com/Rajchodisetti/autotrader/internal/lifecycle"
	"github.com/Rajchodisetti/autotrader/internal/observ"
	"github.com/Rajchodisetti/autotrader/internal/planner"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/storage"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
)

// Pipeline outcomes, also used as the outcome label on
// autotrader_signal_total.
const (
	OutcomeGenerated      = "generated"
	OutcomeOptionsBlocked = "options_blocked"
	OutcomeRiskBlocked    = "risk_blocked"
	OutcomeApproved       = "approved"
	OutcomeDryRun         = "dry_run"
	OutcomeSubmitted      = "submitted"
	OutcomeSkipped        = "skipped"
	OutcomeOrderError     = "order_error"

	minInterval = 5 * time.Second
)

// SignalSource is satisfied by *strategy.Engine.
type SignalSource interface {
	GenerateSignals(ctx context.Context) []strategy.Signal
}

// RiskChecker is satisfied by *risk.Evaluator.
type RiskChecker interface {
	Evaluate(ctx context.Context, symbol string, qty int) risk.Decision
}

type Deps struct {
	Signals   SignalSource
	Risk      RiskChecker
	Lifecycle *lifecycle.Manager
	Broker    adapters.Broker
	Options   adapters.OptionsFeed
	Ledger    lifecycle.EventSink
	Recorder  storage.Recorder
	Logger    zerolog.Logger
}

// Outcome is the terminal pipeline state of one signal in one scan.
type Outcome struct {
	Symbol  string   `json:"symbol"`
	Setup   string   `json:"setup"`
	Stage   string   `json:"stage"`
	Reasons []string `json:"reasons,omitempty"`
	OrderID string   `json:"order_id,omitempty"`
}

type Worker struct {
	cfg       config.Root
	plan      planner.Config
	signals   SignalSource
	risk      RiskChecker
	lifecycle *lifecycle.Manager
	broker    adapters.Broker
	options   *optionsGate
	ledger    lifecycle.EventSink
	recorder  storage.Recorder
	log       zerolog.Logger
}

func New(cfg config.Root, d Deps) *Worker {
	if d.Recorder == nil {
		d.Recorder = storage.Nop{}
	}
	return &Worker{
		cfg:       cfg,
		plan:      planner.FromRoot(cfg),
		signals:   d.Signals,
		risk:      d.Risk,
		lifecycle: d.Lifecycle,
		broker:    d.Broker,
		options:   newOptionsGate(d.Options, cfg.Options, d.Logger),
		ledger:    d.Ledger,
		recorder:  d.Recorder,
		log:       d.Logger,
	}
}

// Interval is the sleep between cycles, floored at five seconds.
func (w *Worker) Interval() time.Duration {
	d := time.Duration(w.cfg.ScanIntervalSec) * time.Second
	if d < minInterval {
		return minInterval
	}
	return d
}

// ScanOnce runs every generated signal through the entry pipeline. A
// failure on one signal never stops the others.
func (w *Worker) ScanOnce(ctx context.Context) []Outcome {
	sigs := w.signals.GenerateSignals(ctx)
	if len(sigs) == 0 {
		w.log.Debug().Msg("no signals")
		return nil
	}
	out := make([]Outcome, 0, len(sigs))
	for _, sig := range sigs {
		if ctx.Err() != nil {
			break
		}
		out = append(out, w.process(ctx, sig))
	}
	return out
}

func (w *Worker) process(ctx context.Context, sig strategy.Signal) Outcome {
	symbol := strings.ToUpper(sig.Symbol)
	source := strings.ToUpper(sig.SourceSymbol)
	if source == "" {
		source = symbol
	}
	setup := strings.ToUpper(sig.Setup)
	if setup == "" {
		setup = "UNKNOWN"
	}
	log := w.log.With().Str("symbol", symbol).Str("source_symbol", source).Str("setup", setup).Logger()
	base := map[string]any{
		"setup":            setup,
		"symbol":           symbol,
		"source_symbol":    source,
		"execution_symbol": symbol,
	}
	res := Outcome{Symbol: symbol, Setup: setup}

	w.event(ledger.KindSignalGenerated, with(base, "signal", sig.ToOrder()))
	w.record(ctx, sig, source, setup, OutcomeGenerated, nil)
	observ.IncSignal(setup, OutcomeGenerated)

	if !w.options.Allows(ctx, symbol) {
		reasons := []string{"options_feedback_block"}
		log.Info().Msg("blocked by options feedback")
		w.event(ledger.KindSignalBlocked, with(base, "reasons", reasons))
		w.record(ctx, sig, source, setup, OutcomeOptionsBlocked, reasons)
		observ.IncSignal(setup, OutcomeOptionsBlocked)
		res.Stage, res.Reasons = OutcomeOptionsBlocked, reasons
		return res
	}

	plan := planner.ComputeOrderPlan(sig, w.plan, w.cfg.Overrides(symbol))
	decision := w.risk.Evaluate(ctx, symbol, plan.Qty)
	if !decision.Passed {
		log.Info().Strs("reasons", decision.Reasons).Msg("signal_blocked")
		w.event(ledger.KindSignalBlocked, with(base, "reasons", decision.Reasons))
		w.record(ctx, sig, source, setup, OutcomeRiskBlocked, decision.Reasons)
		observ.IncSignal(setup, OutcomeRiskBlocked)
		res.Stage, res.Reasons = OutcomeRiskBlocked, decision.Reasons
		return res
	}
	if len(decision.Inconclusive) > 0 {
		log.Warn().Strs("checks", decision.Inconclusive).Msg("risk checks inconclusive")
	}

	log.Info().Int("qty", plan.Qty).Str("sizing", plan.Sizing).Msg("risk passed")
	w.event(ledger.KindSignalApproved, with(base, "signal", sig.ToOrder()))
	w.record(ctx, sig, source, setup, OutcomeApproved, nil)
	observ.IncSignal(setup, OutcomeApproved)

	if w.cfg.DryRun() {
		observ.IncSignal(setup, OutcomeDryRun)
		w.register(ctx, sig, plan, "")
		res.Stage = OutcomeDryRun
		return res
	}
	if w.broker == nil || w.cfg.Broker.AccountID == "" {
		log.Warn().Msg("missing broker account, skipping order")
		res.Stage = OutcomeSkipped
		return res
	}

	id, err := w.submit(ctx, sig, source, &plan)
	if err != nil {
		reasons := []string{err.Error()}
		log.Error().Err(err).Msg("order_error")
		w.event(ledger.KindOrderError, with(base, "reasons", reasons))
		w.record(ctx, sig, source, setup, OutcomeOrderError, reasons)
		observ.IncSignal(setup, OutcomeOrderError)
		res.Stage, res.Reasons = OutcomeOrderError, reasons
		return res
	}
	observ.IncSignal(setup, OutcomeSubmitted)
	w.register(ctx, sig, plan, id)
	res.Stage, res.OrderID = OutcomeSubmitted, id
	return res
}

// submit places the entry, as an OTOCO bracket when both the stop and the
// second target are known.
func (w *Worker) submit(ctx context.Context, sig strategy.Signal, source string, plan *planner.Plan) (string, error) {
	symbol := strings.ToUpper(sig.Symbol)
	quote, err := w.broker.Quote(ctx, symbol)
	if err != nil {
		w.log.Debug().Err(err).Str("symbol", symbol).Msg("quote unavailable for entry")
	}
	orderType, entry := planner.EntryOrder(*plan, quote, sig.OrderType, w.cfg.Entry)
	plan.Entry = entry

	side := sig.Side
	if side == "" {
		side = strategy.SideBuy
	}
	duration := sig.Duration
	if duration == "" {
		duration = "day"
	}
	req := adapters.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Qty:      plan.Qty,
		Type:     orderType,
		Duration: duration,
		Stop:     plan.Stop,
		Tag:      strings.ToLower(strings.ReplaceAll(sig.Setup, "_", "-")),
	}
	if orderType == "limit" {
		req.Price = entry
	}
	if plan.Stop != nil && plan.Target2 != nil {
		req.Advanced = adapters.AdvancedOTOCO
		req.TakeProfit = plan.Target2
	}

	resp, err := w.broker.PlaceOrder(ctx, req)
	if err != nil {
		return "", fmt.Errorf("place %s order for %s: %w", orderType, symbol, err)
	}
	observ.OrdersTotal.WithLabelValues(side, "entry").Inc()
	w.log.Info().Str("symbol", symbol).Str("order_id", resp.ID).Str("type", orderType).Bool("bracket", req.Bracket()).Msg("order submitted")

	w.event(ledger.KindOrderPlaced, map[string]any{
		"id":            resp.ID,
		"symbol":        symbol,
		"source_symbol": source,
		"side":          side,
		"qty":           plan.Qty,
		"advanced":      nilIfEmpty(req.Advanced),
		"stop":          plan.Stop,
		"tp":            plan.Target2,
		"entry":         entry,
	})
	if err := w.recorder.RecordOrder(ctx, storage.OrderRecord{
		OrderID: resp.ID, Symbol: symbol, SourceSymbol: source, Side: side, Qty: plan.Qty,
		Price: entry, Status: resp.Status, Payload: map[string]any{"request": req, "raw": resp.Raw},
	}); err != nil {
		w.log.Warn().Err(err).Msg("order record failed")
	}
	return resp.ID, nil
}

func (w *Worker) register(ctx context.Context, sig strategy.Signal, plan planner.Plan, orderID string) {
	if w.lifecycle == nil {
		return
	}
	if _, ok := w.lifecycle.Register(ctx, sig, plan, orderID); !ok {
		w.log.Debug().Str("symbol", sig.Symbol).Msg("trade not tracked, no entry price")
	}
}

// Cycle is one scan followed by the three exit passes. Each step's
// failure is logged and the next step still runs.
func (w *Worker) Cycle(ctx context.Context) {
	start := time.Now()
	defer func() { observ.ScanDuration.Observe(time.Since(start).Seconds()) }()

	w.ScanOnce(ctx)
	if w.lifecycle == nil {
		return
	}
	passes := []struct {
		name string
		run  func(context.Context) error
	}{
		{"partial_exit", w.lifecycle.PartialExitPass},
		{"ema_exit", w.lifecycle.EMAExitPass},
		{"trailing_exit", w.lifecycle.TrailingExitPass},
	}
	for _, p := range passes {
		if err := p.run(ctx); err != nil {
			w.log.Error().Err(err).Str("pass", p.name).Msg("exit pass failed")
		}
	}
}

// Run restores lifecycle state and cycles until ctx is cancelled. A cycle
// in flight when ctx is cancelled runs to completion first.
func (w *Worker) Run(ctx context.Context) error {
	if w.lifecycle != nil {
		w.lifecycle.Restore(ctx)
	}
	w.log.Info().Dur("interval", w.Interval()).Bool("dry_run", w.cfg.DryRun()).Msg("worker started")
	for ctx.Err() == nil {
		w.safeCycle(context.WithoutCancel(ctx))
		select {
		case <-ctx.Done():
		case <-time.After(w.Interval()):
		}
	}
	w.log.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("scan_error")
		}
	}()
	w.Cycle(ctx)
}

func (w *Worker) event(kind string, data map[string]any) {
	if w.ledger == nil {
		return
	}
	if err := w.ledger.Event(kind, data); err != nil {
		w.log.Warn().Err(err).Str("kind", kind).Msg("ledger write failed")
	}
}

func (w *Worker) record(ctx context.Context, sig strategy.Signal, source, setup, stage string, reasons []string) {
	if err := w.recorder.RecordSignal(ctx, storage.SignalRecord{
		SourceSymbol: source,
		Symbol:       strings.ToUpper(sig.Symbol),
		Setup:        setup,
		Stage:        stage,
		Reasons:      reasons,
		Metadata:     sig.Metadata,
	}); err != nil {
		w.log.Warn().Err(err).Str("stage", stage).Msg("signal record failed")
	}
}

func with(base map[string]any, k string, v any) map[string]any {
	out := make(map[string]any, len(base)+1)
	for kk, vv := range base {
		out[kk] = vv
	}
	out[k] = v
	return out
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
