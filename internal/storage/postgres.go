package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(cctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(cctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id TEXT PRIMARY KEY,
			source_symbol TEXT,
			symbol TEXT NOT NULL,
			setup TEXT,
			stage TEXT NOT NULL,
			reasons JSONB NOT NULL DEFAULT '[]',
			metadata JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			source_symbol TEXT,
			setup TEXT,
			qty INTEGER NOT NULL,
			entry_price DOUBLE PRECISION,
			stop_price DOUBLE PRECISION,
			target1 DOUBLE PRECISION,
			target2 DOUBLE PRECISION,
			entry_ts TIMESTAMPTZ NOT NULL,
			exit_price DOUBLE PRECISION,
			exit_reason TEXT,
			exit_ts TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			order_id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			source_symbol TEXT,
			side TEXT NOT NULL,
			qty INTEGER NOT NULL,
			price DOUBLE PRECISION,
			status TEXT,
			payload JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for i, m := range migrations {
		if _, err := s.pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

func (s *PostgresStore) RecordSignal(ctx context.Context, rec SignalRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	reasons, meta, err := encodeSignal(rec)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO signals (id, source_symbol, symbol, setup, stage, reasons, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8)`,
		rec.ID, rec.SourceSymbol, rec.Symbol, rec.Setup, rec.Stage, reasons, meta, timeOrNow(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateTrade(ctx context.Context, rec TradeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trades (id, symbol, source_symbol, setup, qty, entry_price, stop_price, target1, target2, entry_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Symbol, rec.SourceSymbol, rec.Setup, rec.Qty,
		rec.EntryPrice, rec.StopPrice, rec.Target1, rec.Target2, timeOrNow(rec.EntryTS))
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) CloseTrade(ctx context.Context, id string, exitPrice *float64, reason string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trades SET exit_price = $1, exit_reason = $2, exit_ts = $3 WHERE id = $4`,
		exitPrice, reason, timeOrNow(at), id)
	if err != nil {
		return fmt.Errorf("close trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordOrder(ctx context.Context, rec OrderRecord) error {
	if rec.OrderID == "" {
		rec.OrderID = uuid.NewString()
	}
	payload, err := json.Marshal(nonNilMap(rec.Payload))
	if err != nil {
		return fmt.Errorf("marshal order payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO orders (order_id, symbol, source_symbol, side, qty, price, status, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		ON CONFLICT (order_id) DO UPDATE SET status = EXCLUDED.status, payload = EXCLUDED.payload`,
		rec.OrderID, rec.Symbol, rec.SourceSymbol, rec.Side, rec.Qty, rec.Price, rec.Status, string(payload), timeOrNow(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentSignals(ctx context.Context, limit int) ([]SignalRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, COALESCE(source_symbol, ''), symbol, COALESCE(setup, ''), stage, reasons, metadata, created_at
		FROM signals ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []SignalRecord
	for rows.Next() {
		var (
			rec           SignalRecord
			reasons, meta []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SourceSymbol, &rec.Symbol, &rec.Setup, &rec.Stage, &reasons, &meta, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		if err := decodeSignal(&rec, reasons, meta); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Trades(ctx context.Context, limit int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, symbol, COALESCE(source_symbol, ''), COALESCE(setup, ''), qty,
		       entry_price, stop_price, target1, target2, entry_ts,
		       exit_price, COALESCE(exit_reason, ''), exit_ts
		FROM trades ORDER BY entry_ts DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var out []TradeRecord
	for rows.Next() {
		var rec TradeRecord
		if err := rows.Scan(&rec.ID, &rec.Symbol, &rec.SourceSymbol, &rec.Setup, &rec.Qty,
			&rec.EntryPrice, &rec.StopPrice, &rec.Target1, &rec.Target2, &rec.EntryTS,
			&rec.ExitPrice, &rec.ExitReason, &rec.ExitTS); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
