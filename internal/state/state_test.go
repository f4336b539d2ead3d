package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f(v float64) *float64 { return &v }

func sampleTrades() map[string]Trade {
	return map[string]Trade{
		"SPY": {
			ID: "t-1", Symbol: "SPY", SourceSymbol: "SPX", Setup: "VWAP_RECLAIM",
			Qty: 10, Remaining: 5, EntryPrice: f(500), Stop: f(500), Target1: f(502), Target2: f(505),
			PartialExited: true, EntryTS: time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC),
		},
	}
}

func TestFileStorePersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.SaveTrades(ctx, sampleTrades()))
	require.NoError(t, s1.SaveHighWater(ctx, map[string]float64{"SPY": 507.5}))

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	trades, err := s2.LoadTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleTrades(), trades)

	hw, err := s2.LoadHighWater(ctx)
	require.NoError(t, err)
	assert.Equal(t, 507.5, hw["SPY"])

	_, err = os.Stat(filepath.Join(dir, tradesFile+".tmp"))
	assert.True(t, os.IsNotExist(err), "temp file renamed away")
}

func TestFileStoreMissingFilesAreEmpty(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nested", "state"))
	require.NoError(t, err)
	trades, err := s.LoadTrades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trades)
	hw, err := s.LoadHighWater(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, hw)
}

func TestFileStoreCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tradesFile), []byte("{not json"), 0o644))
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	trades, err := s.LoadTrades(context.Background())
	assert.Error(t, err)
	assert.NotNil(t, trades, "callers always get a usable map")
}

func TestMemoryStoreCopies(t *testing.T) {
	m := NewMemoryStore()
	in := sampleTrades()
	require.NoError(t, m.SaveTrades(context.Background(), in))
	delete(in, "SPY")

	out, err := m.LoadTrades(context.Background())
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.Equal(t, 1, m.Saves())
}

func TestRedisStoreFallsBackWhenUnreachable(t *testing.T) {
	fb := NewMemoryStore()
	s := NewRedisStore(RedisOptions{Addr: "127.0.0.1:1", Fallback: fb, Logger: zerolog.Nop()})
	defer s.Close()
	assert.False(t, s.Available())

	ctx := context.Background()
	require.NoError(t, s.SaveTrades(ctx, sampleTrades()))
	trades, err := s.LoadTrades(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleTrades(), trades)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	prefix := "autotrader-test:" + t.Name()
	s := NewRedisStore(RedisOptions{Addr: addr, Prefix: prefix, Logger: zerolog.Nop()})
	defer s.Close()
	require.True(t, s.Available())

	ctx := context.Background()
	require.NoError(t, s.SaveHighWater(ctx, map[string]float64{"AAPL": 190.25}))
	hw, err := s.LoadHighWater(ctx)
	require.NoError(t, err)
	assert.Equal(t, 190.25, hw["AAPL"])
	s.client.Del(ctx, s.key("high_water"))
}
