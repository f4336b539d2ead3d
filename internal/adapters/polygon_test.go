package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPolygon(t *testing.T, h http.HandlerFunc) *PolygonAdapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewPolygonAdapter(PolygonConfig{
		APIKey:             "key",
		BaseURL:            srv.URL,
		RateLimitPerMinute: 60000,
		BackoffBaseMs:      1,
	})
}

func TestPolygonLastTradePrice(t *testing.T) {
	var calls int32
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/v2/snapshot/locale/us/markets/stocks/tickers/AAPL", r.URL.Path)
		assert.Equal(t, "key", r.URL.Query().Get("apiKey"))
		w.Write([]byte(`{"ticker":{"lastTrade":{"p":189.5,"t":1715347920000000000}}}`))
	})

	px, err := p.LastTradePrice(context.Background(), "aapl")
	require.NoError(t, err)
	assert.Equal(t, 189.5, px)

	_, err = p.LastTradePrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second read served from cache")
}

func TestPolygonMissingKey(t *testing.T) {
	p := NewPolygonAdapter(PolygonConfig{})
	_, err := p.LastTradePrice(context.Background(), "AAPL")
	assert.True(t, IsPermission(err))
	_, err = p.OptionFeedback(context.Background(), "AAPL")
	assert.True(t, IsPermission(err))
	assert.Error(t, p.HealthCheck(context.Background()))
}

func TestPolygonMinuteBars(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Path, "/v2/aggs/ticker/SPY/range/1/minute/"))
		assert.Equal(t, "asc", r.URL.Query().Get("sort"))
		w.Write([]byte(`{"results":[{"t":1715347860000,"o":1,"h":2,"l":0.5,"c":1.5,"v":300}]}`))
	})
	bars, err := p.MinuteBars(context.Background(), "SPY", 60)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, time.UnixMilli(1715347860000).UTC(), bars[0].Time)
	assert.Equal(t, 300.0, bars[0].Volume)
}

func TestPolygonOptionFeedback(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/reference/options/contracts", r.URL.Path)
		assert.Equal(t, "day.volume", r.URL.Query().Get("sort"))
		switch r.URL.Query().Get("contract_type") {
		case "call":
			w.Write([]byte(`{"results":[{"day":{"volume":1500},"implied_volatility":0.42}]}`))
		default:
			w.Write([]byte(`{"results":[]}`))
		}
	})
	fb, err := p.OptionFeedback(context.Background(), "AAPL")
	require.NoError(t, err)
	require.NotNil(t, fb)
	assert.Equal(t, 1500.0, fb.CallVolume)
	assert.Equal(t, 0.42, fb.CallIV)
	assert.Zero(t, fb.PutVolume)
}

func TestPolygonOptionFeedbackNoContracts(t *testing.T) {
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	fb, err := p.OptionFeedback(context.Background(), "ZZZZ")
	require.NoError(t, err)
	assert.Nil(t, fb)
}

func TestPolygonRetriesThenFails(t *testing.T) {
	var calls int32
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := p.MinuteBars(context.Background(), "AAPL", 5)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPolygonBadSymbolNotRetried(t *testing.T) {
	var calls int32
	p := newTestPolygon(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	_, err := p.LastTradePrice(context.Background(), "NOPE")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
