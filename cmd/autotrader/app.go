package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/api"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/ledger"
	"github.com/Rajchodisetti/autotrader/internal/lifecycle"
	"github.com/Rajchodisetti/autotrader/internal/risk"
	"github.com/Rajchodisetti/autotrader/internal/session"
	"github.com/Rajchodisetti/autotrader/internal/state"
	"github.com/Rajchodisetti/autotrader/internal/storage"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
	"github.com/Rajchodisetti/autotrader/internal/worker"
)

// app holds every long-lived component. Broker and Options stay nil when
// their credentials are missing.
type app struct {
	cfg config.Root
	log zerolog.Logger

	tradier *adapters.TradierClient
	polygon *adapters.PolygonAdapter

	broker   adapters.Broker
	prices   adapters.MarketData
	options  adapters.OptionsFeed
	sessions *session.Config
	engine   *strategy.Engine
	risk     *risk.Evaluator
	store    state.Store
	recorder storage.Recorder
	ledger   *ledger.Ledger
	trades   *lifecycle.Manager
	worker   *worker.Worker
}

func buildApp(ctx context.Context, cfg config.Root, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if err := a.connect(); err != nil {
		return nil, err
	}

	sessions, err := session.Load(cfg.SessionPolicyFile)
	if err != nil {
		return nil, err
	}
	a.sessions = sessions

	pc := strategy.PlayConfigFrom(cfg)
	snapshots := features.NewEngine(a.prices, cfg.Data.LookbackMin,
		features.WithOpeningRangeBars(cfg.Data.OpeningRangeBars),
		features.WithLocation(pc.Location))
	a.engine = strategy.NewEngine(snapshots, sessions, strategy.DefaultPlays(pc), strategy.EngineConfig{
		Symbols:      cfg.Strategy.Symbols,
		ExecutionMap: cfg.Strategy.ExecutionMap,
		ETFSymbols:   cfg.Strategy.ETFSymbols,
		Location:     pc.Location,
	}, log.With().Str("component", "strategy").Logger())

	a.risk = risk.NewEvaluator(cfg.Risk, risk.Options{
		Broker:    a.broker,
		Prices:    a.prices,
		Sessions:  sessions,
		Overrides: cfg.Overrides,
		Logger:    log.With().Str("component", "risk").Logger(),
	})

	if a.store, err = openStateStore(cfg.State, log); err != nil {
		return nil, err
	}
	if a.recorder, err = storage.Open(ctx, cfg.Storage); err != nil {
		log.Warn().Err(err).Str("driver", cfg.Storage.Driver).Msg("storage unavailable; records disabled")
		a.recorder = storage.Nop{}
	}
	if a.ledger, err = ledger.New(cfg.LedgerPath); err != nil {
		return nil, err
	}

	a.trades = lifecycle.NewManager(lifecycle.ConfigFromRoot(cfg), lifecycle.Options{
		Store:     a.store,
		Recorder:  a.recorder,
		Ledger:    a.ledger,
		Broker:    a.broker,
		Prices:    a.prices,
		Overrides: cfg.Overrides,
		Logger:    log.With().Str("component", "lifecycle").Logger(),
	})

	a.worker = worker.New(cfg, worker.Deps{
		Signals:   a.engine,
		Risk:      a.risk,
		Lifecycle: a.trades,
		Broker:    a.broker,
		Options:   a.options,
		Ledger:    a.ledger,
		Recorder:  a.recorder,
		Logger:    log.With().Str("component", "worker").Logger(),
	})
	return a, nil
}

// connect builds the provider clients and picks the bar source.
func (a *app) connect() error {
	cfg := a.cfg
	if cfg.Broker.AccessToken != "" {
		a.tradier = adapters.NewTradierClient(adapters.TradierConfigFrom(cfg.Broker))
		a.broker = a.tradier
	} else {
		a.log.Warn().Msg("TRADIER_ACCESS_TOKEN not set; running without a broker")
	}
	if cfg.Polygon.APIKey != "" {
		a.polygon = adapters.NewPolygonAdapter(adapters.PolygonConfigFrom(cfg))
		a.options = a.polygon
	}

	switch {
	case strings.EqualFold(cfg.Data.BarsProvider, "polygon") && a.polygon != nil:
		a.prices = a.polygon
	case a.tradier != nil:
		a.prices = a.tradier
	case a.polygon != nil:
		a.prices = a.polygon
	default:
		return fmt.Errorf("no market data: set TRADIER_ACCESS_TOKEN or POLYGON_API_KEY")
	}
	return nil
}

// openStateStore prefers Redis with the file store as fallback.
func openStateStore(cfg config.State, log zerolog.Logger) (state.Store, error) {
	files, err := state.NewFileStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr == "" {
		return files, nil
	}
	return state.NewRedisStore(state.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
		Fallback: files,
		Logger:   log.With().Str("component", "state").Logger(),
	}), nil
}

func (a *app) apiServer() *api.Server {
	return api.NewServer(api.Deps{
		Config:    a.cfg,
		Broker:    a.broker,
		Prices:    a.prices,
		Signals:   a.engine,
		Risk:      a.risk,
		Lifecycle: a.trades,
		Ledger:    a.ledger,
		Checks:    a.healthChecks,
		Logger:    a.log.With().Str("component", "api").Logger(),
	})
}

func (a *app) healthChecks() map[string]error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	checks := map[string]error{}
	if a.tradier != nil {
		_, err := a.tradier.Balances(ctx)
		checks["tradier"] = err
	}
	if a.polygon != nil {
		checks["polygon"] = a.polygon.HealthCheck(ctx)
	}
	if rs, ok := a.store.(*state.RedisStore); ok && !rs.Available() {
		checks["redis"] = fmt.Errorf("unreachable; using file fallback")
	}
	return checks
}

func (a *app) Close() {
	if err := a.recorder.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close storage")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close state store")
	}
}
