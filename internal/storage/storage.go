// Package storage keeps durable signal, trade and order records for
// reporting. It is a write-mostly sink; trading decisions never read it.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/config"
)

type SignalRecord struct {
	ID           string         `json:"id"`
	SourceSymbol string         `json:"source_symbol"`
	Symbol       string         `json:"symbol"`
	Setup        string         `json:"setup"`
	Stage        string         `json:"stage"` // generated | options_blocked | risk_blocked | approved | order_error
	Reasons      []string       `json:"reasons"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

type TradeRecord struct {
	ID           string     `json:"id"`
	Symbol       string     `json:"symbol"`
	SourceSymbol string     `json:"source_symbol"`
	Setup        string     `json:"setup"`
	Qty          int        `json:"qty"`
	EntryPrice   *float64   `json:"entry_price"`
	StopPrice    *float64   `json:"stop_price"`
	Target1      *float64   `json:"target1"`
	Target2      *float64   `json:"target2"`
	EntryTS      time.Time  `json:"entry_ts"`
	ExitPrice    *float64   `json:"exit_price,omitempty"`
	ExitReason   string     `json:"exit_reason,omitempty"`
	ExitTS       *time.Time `json:"exit_ts,omitempty"`
}

type OrderRecord struct {
	OrderID      string         `json:"order_id"`
	Symbol       string         `json:"symbol"`
	SourceSymbol string         `json:"source_symbol"`
	Side         string         `json:"side"`
	Qty          int            `json:"qty"`
	Price        *float64       `json:"price"`
	Status       string         `json:"status"`
	Payload      map[string]any `json:"payload"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Recorder is implemented by every backend.
type Recorder interface {
	Migrate(ctx context.Context) error
	RecordSignal(ctx context.Context, rec SignalRecord) error
	CreateTrade(ctx context.Context, rec TradeRecord) error
	CloseTrade(ctx context.Context, id string, exitPrice *float64, reason string, at time.Time) error
	RecordOrder(ctx context.Context, rec OrderRecord) error
	RecentSignals(ctx context.Context, limit int) ([]SignalRecord, error)
	Trades(ctx context.Context, limit int) ([]TradeRecord, error)
	Close() error
}

// Open picks the backend named by cfg.Driver and migrates it.
func Open(ctx context.Context, cfg config.Storage) (Recorder, error) {
	var (
		rec Recorder
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		rec, err = OpenSQLite(cfg.SQLitePath)
	case "postgres", "postgresql", "pg":
		rec, err = OpenPostgres(ctx, cfg.DatabaseURL)
	case "none", "nop", "off":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := rec.Migrate(ctx); err != nil {
		rec.Close()
		return nil, err
	}
	return rec, nil
}

// Nop discards everything.
type Nop struct{}

func (Nop) Migrate(context.Context) error                    { return nil }
func (Nop) RecordSignal(context.Context, SignalRecord) error { return nil }
func (Nop) CreateTrade(context.Context, TradeRecord) error   { return nil }
func (Nop) CloseTrade(context.Context, string, *float64, string, time.Time) error {
	return nil
}
func (Nop) RecordOrder(context.Context, OrderRecord) error { return nil }
func (Nop) RecentSignals(context.Context, int) ([]SignalRecord, error) {
	return nil, nil
}
func (Nop) Trades(context.Context, int) ([]TradeRecord, error) { return nil, nil }
func (Nop) Close() error                                       { return nil }
