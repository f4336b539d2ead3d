package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; WAL lets readers proceed
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=3000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", p, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    source_symbol TEXT,
    symbol TEXT NOT NULL,
    setup TEXT,
    stage TEXT NOT NULL,
    reasons TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at);

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    source_symbol TEXT,
    setup TEXT,
    qty INTEGER NOT NULL,
    entry_price REAL,
    stop_price REAL,
    target1 REAL,
    target2 REAL,
    entry_ts DATETIME NOT NULL,
    exit_price REAL,
    exit_reason TEXT,
    exit_ts DATETIME
);

CREATE TABLE IF NOT EXISTS orders (
    order_id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    source_symbol TEXT,
    side TEXT NOT NULL,
    qty INTEGER NOT NULL,
    price REAL,
    status TEXT,
    payload TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordSignal(ctx context.Context, rec SignalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	reasons, meta, err := encodeSignal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO signals (id, source_symbol, symbol, setup, stage, reasons, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SourceSymbol, rec.Symbol, rec.Setup, rec.Stage, reasons, meta, timeOrNow(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateTrade(ctx context.Context, rec TradeRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO trades (id, symbol, source_symbol, setup, qty, entry_price, stop_price, target1, target2, entry_ts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Symbol, rec.SourceSymbol, rec.Setup, rec.Qty,
		rec.EntryPrice, rec.StopPrice, rec.Target1, rec.Target2, timeOrNow(rec.EntryTS))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CloseTrade(ctx context.Context, id string, exitPrice *float64, reason string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE trades SET exit_price = ?, exit_reason = ?, exit_ts = ? WHERE id = ?`,
		exitPrice, reason, timeOrNow(at), id)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecordOrder(ctx context.Context, rec OrderRecord) error {
	if rec.OrderID == "" {
		rec.OrderID = uuid.NewString()
	}
	payload, err := json.Marshal(nonNilMap(rec.Payload))
	if err != nil {
		return fmt.Errorf("marshal order payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO orders (order_id, symbol, source_symbol, side, qty, price, status, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(order_id) DO UPDATE SET status = excluded.status, payload = excluded.payload`,
		rec.OrderID, rec.Symbol, rec.SourceSymbol, rec.Side, rec.Qty, rec.Price, rec.Status, string(payload), timeOrNow(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source_symbol, symbol, setup, stage, reasons, metadata, created_at
FROM signals ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var (
			rec           SignalRecord
			source, setup sql.NullString
			reasons, meta string
		)
		if err := rows.Scan(&rec.ID, &source, &rec.Symbol, &setup, &rec.Stage, &reasons, &meta, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		rec.SourceSymbol, rec.Setup = source.String, setup.String
		if err := decodeSignal(&rec, []byte(reasons), []byte(meta)); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, symbol, source_symbol, setup, qty, entry_price, stop_price, target1, target2, entry_ts, exit_price, exit_reason, exit_ts
FROM trades ORDER BY entry_ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var (
			rec                 TradeRecord
			source, setup, why  sql.NullString
			entry, stop, t1, t2 sql.NullFloat64
			exitPx              sql.NullFloat64
			exitTS              sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Symbol, &source, &setup, &rec.Qty, &entry, &stop, &t1, &t2,
			&rec.EntryTS, &exitPx, &why, &exitTS); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		rec.SourceSymbol, rec.Setup, rec.ExitReason = source.String, setup.String, why.String
		rec.EntryPrice, rec.StopPrice = nullFloat(entry), nullFloat(stop)
		rec.Target1, rec.Target2, rec.ExitPrice = nullFloat(t1), nullFloat(t2), nullFloat(exitPx)
		if exitTS.Valid {
			ts := exitTS.Time
			rec.ExitTS = &ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func encodeSignal(rec SignalRecord) (reasons, meta string, err error) {
	if rec.Reasons == nil {
		rec.Reasons = []string{}
	}
	r, err := json.Marshal(rec.Reasons)
	if err != nil {
		return "", "", fmt.Errorf("marshal reasons: %w", err)
	}
	m, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return "", "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(r), string(m), nil
}

func decodeSignal(rec *SignalRecord, reasons, meta []byte) error {
	if err := json.Unmarshal(reasons, &rec.Reasons); err != nil {
		return fmt.Errorf("decode reasons: %w", err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	return nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
