// Package state persists the active-trade registry and trailing high-water
// marks so a restarted worker resumes managing open trades.
package state

import (
	"context"
	"sync"
	"time"
)

// Trade is one managed position, keyed by execution symbol.
type Trade struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	SourceSymbol  string    `json:"source_symbol"`
	Setup         string    `json:"setup"`
	Qty           int       `json:"qty"`
	Remaining     int       `json:"remaining"`
	EntryPrice    *float64  `json:"entry_price"`
	Stop          *float64  `json:"stop_price"`
	Target1       *float64  `json:"target1"`
	Target2       *float64  `json:"target2"`
	PartialExited bool      `json:"partial_exited"`
	EntryTS       time.Time `json:"entry_ts"`
	Session       string    `json:"session,omitempty"`
	TimeStopSec   *int      `json:"time_stop_sec,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
}

// Store is load-at-startup, save-after-mutation persistence. Saves replace
// the whole map.
type Store interface {
	LoadTrades(ctx context.Context) (map[string]Trade, error)
	SaveTrades(ctx context.Context, trades map[string]Trade) error
	LoadHighWater(ctx context.Context) (map[string]float64, error)
	SaveHighWater(ctx context.Context, marks map[string]float64) error
	Close() error
}

// MemoryStore keeps state in process; used by tests and dry runs without a
// state dir.
type MemoryStore struct {
	mu     sync.Mutex
	trades map[string]Trade
	marks  map[string]float64
	saves  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trades: map[string]Trade{}, marks: map[string]float64{}}
}

func (m *MemoryStore) LoadTrades(context.Context) (map[string]Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyTrades(m.trades), nil
}

func (m *MemoryStore) SaveTrades(_ context.Context, t map[string]Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = copyTrades(t)
	m.saves++
	return nil
}

func (m *MemoryStore) LoadHighWater(context.Context) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyMarks(m.marks), nil
}

func (m *MemoryStore) SaveHighWater(_ context.Context, hw map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks = copyMarks(hw)
	m.saves++
	return nil
}

// Saves counts successful writes.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }

func copyTrades(in map[string]Trade) map[string]Trade {
	out := make(map[string]Trade, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMarks(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
