package strategy

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/session"
)

// SnapshotSource builds feature snapshots. features.Engine implements it.
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string) (features.Snapshot, error)
}

type EngineConfig struct {
	Symbols      []string
	ExecutionMap map[string]string
	ETFSymbols   []string
	Location     *time.Location
}

// Engine runs every applicable play over every configured symbol.
type Engine struct {
	source   SnapshotSource
	sessions *session.Config
	plays    []Play
	ctx      *Context
	cfg      EngineConfig
	etfs     map[string]struct{}
	now      func() time.Time
	log      zerolog.Logger
}

func NewEngine(source SnapshotSource, sessions *session.Config, plays []Play, cfg EngineConfig, log zerolog.Logger) *Engine {
	etfs := make(map[string]struct{}, len(cfg.ETFSymbols))
	for _, s := range cfg.ETFSymbols {
		etfs[strings.ToUpper(s)] = struct{}{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Engine{
		source:   source,
		sessions: sessions,
		plays:    plays,
		ctx:      NewContext(),
		cfg:      cfg,
		etfs:     etfs,
		now:      time.Now,
		log:      log,
	}
}

// SetClock replaces the wall clock used for session lookup.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Context exposes the shared cooldown state.
func (e *Engine) Context() *Context { return e.ctx }

// CurrentSession returns the active session policy, or nil.
func (e *Engine) CurrentSession() *session.Policy {
	return e.sessions.Current(e.now())
}

// GenerateSignals evaluates every symbol. A failed snapshot for one symbol
// is logged and skipped.
func (e *Engine) GenerateSignals(ctx context.Context) []Signal {
	return e.generate(ctx, e.ctx)
}

// Preview evaluates like GenerateSignals against a copy of the cooldown
// state, so it never consumes a cooldown or session slot.
func (e *Engine) Preview(ctx context.Context) []Signal {
	return e.generate(ctx, e.ctx.Clone())
}

func (e *Engine) generate(ctx context.Context, sctx *Context) []Signal {
	now := e.now()
	current := e.sessions.Current(now)
	day := now.In(e.cfg.Location).Format("2006-01-02")

	var out []Signal
	for _, raw := range e.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}
		sym := strings.ToUpper(strings.TrimSpace(raw))
		if sym == "" {
			continue
		}
		if current != nil && current.ETFOnly && !e.isETF(sym) {
			continue
		}
		snap, err := e.source.Snapshot(ctx, sym)
		if err != nil {
			e.log.Warn().Err(err).Str("symbol", sym).Msg("snapshot_failed")
			continue
		}
		for _, play := range e.plays {
			if !play.AllowedIn(current) {
				continue
			}
			// a full session must not reach Evaluate, which starts cooldowns
			if current != nil && current.MaxTrades != nil &&
				!sctx.HasSessionSlot(current.Name, day, *current.MaxTrades) {
				e.log.Info().Str("symbol", sym).Str("setup", play.Name()).
					Str("session", current.Name).Msg("session_max_trades")
				continue
			}
			for _, sig := range play.Evaluate(snap, current, sctx) {
				if current != nil && current.MaxTrades != nil &&
					!sctx.TakeSessionSlot(current.Name, day, *current.MaxTrades) {
					e.log.Info().Str("symbol", sym).Str("setup", sig.Setup).
						Str("session", current.Name).Msg("session_max_trades")
					continue
				}
				if current != nil {
					sig.setMeta("session", current.Name)
					if current.TimeStopSec != nil {
						sig.setMeta("time_stop_sec", *current.TimeStopSec)
					}
				}
				out = append(out, e.mapExecution(sig))
			}
		}
	}
	return out
}

func (e *Engine) isETF(sym string) bool {
	_, ok := e.etfs[sym]
	return ok
}

// mapExecution routes a source symbol to its execution symbol, keeping both
// on the signal and in its metadata.
func (e *Engine) mapExecution(sig Signal) Signal {
	source := sig.Symbol
	exec := source
	if mapped, ok := e.cfg.ExecutionMap[source]; ok && mapped != "" {
		exec = mapped
	}
	sig.Symbol = exec
	sig.SourceSymbol = source
	sig.setMeta("source_symbol", source)
	sig.setMeta("execution_symbol", exec)
	return sig
}
