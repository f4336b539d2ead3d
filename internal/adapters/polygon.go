package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

// PolygonAdapter serves last trades, minute aggregates and options activity
// from Polygon.io.
type PolygonAdapter struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	prices      *ttlCache[float64]
	options     *ttlCache[*OptionFeedback]
	config      PolygonConfig
	loc         *time.Location
	now         func() time.Time

	mu                sync.RWMutex
	consecutiveErrors int
	healthy           bool
}

// PolygonConfig holds configuration for Polygon adapter
type PolygonConfig struct {
	APIKey             string
	BaseURL            string
	RateLimitPerMinute int
	CacheTTLSeconds    int
	OptionsTTLSeconds  int
	TimeoutSeconds     int
	MaxRetries         int
	BackoffBaseMs      int
}

// PolygonConfigFrom maps the polygon and options sections of the root config.
func PolygonConfigFrom(c config.Root) PolygonConfig {
	return PolygonConfig{
		APIKey:             c.Polygon.APIKey,
		BaseURL:            c.Polygon.BaseURL,
		RateLimitPerMinute: c.Polygon.RateLimitPerMinute,
		CacheTTLSeconds:    c.Polygon.CacheTTLSeconds,
		OptionsTTLSeconds:  c.Options.CacheTTLSec,
		TimeoutSeconds:     c.Polygon.TimeoutSeconds,
		MaxRetries:         c.Polygon.MaxRetries,
		BackoffBaseMs:      c.Polygon.BackoffBaseMs,
	}
}

// NewPolygonAdapter builds the adapter. A missing key is not an error here;
// every call then fails with a permission error.
func NewPolygonAdapter(cfg PolygonConfig) *PolygonAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.polygon.io"
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 100
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = 5
	}
	if cfg.OptionsTTLSeconds <= 0 {
		cfg.OptionsTTLSeconds = 60
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseMs <= 0 {
		cfg.BackoffBaseMs = 250
	}
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &PolygonAdapter{
		apiKey:      cfg.APIKey,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 2),
		prices:      newTTLCache[float64](time.Duration(cfg.CacheTTLSeconds)*time.Second, 2000),
		options:     newTTLCache[*OptionFeedback](time.Duration(cfg.OptionsTTLSeconds)*time.Second, 2000),
		config:      cfg,
		loc:         loc,
		now:         time.Now,
		healthy:     true,
	}
}

// LastTradePrice reads the last trade from the ticker snapshot.
func (p *PolygonAdapter) LastTradePrice(ctx context.Context, symbol string) (float64, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return 0, NewBadSymbolError("polygon", symbol, "empty symbol")
	}
	if px, ok := p.prices.get(symbol); ok {
		return px, nil
	}
	var resp struct {
		Ticker struct {
			LastTrade struct {
				P float64 `json:"p"`
				T int64   `json:"t"`
			} `json:"lastTrade"`
			Day struct {
				C float64 `json:"c"`
			} `json:"day"`
			PrevDay struct {
				C float64 `json:"c"`
			} `json:"prevDay"`
		} `json:"ticker"`
	}
	path := "/v2/snapshot/locale/us/markets/stocks/tickers/" + url.PathEscape(symbol)
	if err := p.get(ctx, "snapshot", symbol, path, nil, &resp); err != nil {
		if px, age, ok := p.prices.stale(symbol); ok && IsRetryable(err) {
			observ.Log("polygon_stale_price", map[string]any{"symbol": symbol, "age_ms": age.Milliseconds()})
			return px, nil
		}
		return 0, err
	}
	px := resp.Ticker.LastTrade.P
	if px <= 0 {
		px = resp.Ticker.Day.C
	}
	if px <= 0 {
		px = resp.Ticker.PrevDay.C
	}
	if px <= 0 {
		return 0, NewProviderError("polygon", symbol, 200, "snapshot has no price")
	}
	p.prices.put(symbol, px)
	return px, nil
}

// MinuteBars fetches one-minute aggregates covering the last minutes.
func (p *PolygonAdapter) MinuteBars(ctx context.Context, symbol string, minutes int) ([]features.Bar, error) {
	symbol = normalizeSymbol(symbol)
	if minutes < 1 {
		minutes = 1
	}
	end := p.now()
	start := end.Add(-time.Duration(minutes) * time.Minute)
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/minute/%d/%d", url.PathEscape(symbol), start.UnixMilli(), end.UnixMilli())
	params := url.Values{
		"adjusted": {"true"},
		"sort":     {"asc"},
		"limit":    {"50000"},
	}
	var resp struct {
		Results []struct {
			T int64   `json:"t"`
			O float64 `json:"o"`
			H float64 `json:"h"`
			L float64 `json:"l"`
			C float64 `json:"c"`
			V float64 `json:"v"`
		} `json:"results"`
	}
	if err := p.get(ctx, "aggs", symbol, path, params, &resp); err != nil {
		return nil, err
	}
	bars := make([]features.Bar, 0, len(resp.Results))
	for _, r := range resp.Results {
		bars = append(bars, features.Bar{
			Time: time.UnixMilli(r.T).UTC(), Open: r.O, High: r.H, Low: r.L, Close: r.C, Volume: r.V,
		})
	}
	return bars, nil
}

// OptionFeedback returns volume and implied volatility of the most active
// unexpired call and put. Nil means neither side has contracts.
func (p *PolygonAdapter) OptionFeedback(ctx context.Context, symbol string) (*OptionFeedback, error) {
	symbol = normalizeSymbol(symbol)
	if fb, ok := p.options.get(symbol); ok {
		return fb, nil
	}
	call, callOK, err := p.topContract(ctx, symbol, "call")
	if err != nil {
		return nil, err
	}
	put, putOK, err := p.topContract(ctx, symbol, "put")
	if err != nil {
		return nil, err
	}
	var fb *OptionFeedback
	if callOK || putOK {
		fb = &OptionFeedback{
			CallVolume: call.volume, CallIV: call.iv,
			PutVolume: put.volume, PutIV: put.iv,
		}
	}
	p.options.put(symbol, fb)
	return fb, nil
}

type contractStats struct {
	volume float64
	iv     float64
}

func (p *PolygonAdapter) topContract(ctx context.Context, underlying, contractType string) (contractStats, bool, error) {
	params := url.Values{
		"underlying_ticker": {underlying},
		"contract_type":     {contractType},
		"expired":           {"false"},
		"order":             {"desc"},
		"sort":              {"day.volume"},
		"limit":             {"1"},
	}
	var resp struct {
		Results []struct {
			Day struct {
				Volume float64 `json:"volume"`
			} `json:"day"`
			ImpliedVolatility float64 `json:"implied_volatility"`
		} `json:"results"`
	}
	if err := p.get(ctx, "options_contracts", underlying, "/v3/reference/options/contracts", params, &resp); err != nil {
		return contractStats{}, false, err
	}
	if len(resp.Results) == 0 {
		return contractStats{}, false, nil
	}
	r := resp.Results[0]
	return contractStats{volume: r.Day.Volume, iv: r.ImpliedVolatility}, true, nil
}

// HealthCheck reports unhealthy after three consecutive failures.
func (p *PolygonAdapter) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.apiKey == "" {
		return NewPermissionError("polygon", "", 0, "POLYGON_API_KEY not configured")
	}
	if !p.healthy {
		return fmt.Errorf("polygon adapter unhealthy (consecutive errors: %d)", p.consecutiveErrors)
	}
	return nil
}

// get performs a GET with exponential backoff on network errors, 429 and 5xx.
func (p *PolygonAdapter) get(ctx context.Context, endpoint, symbol, path string, params url.Values, out any) error {
	if p.apiKey == "" {
		return NewPermissionError("polygon", symbol, 0, "POLYGON_API_KEY not configured")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", p.apiKey)
	requestURL := p.baseURL + path + "?" + params.Encode()

	var lastErr error
	for attempt := 0; attempt < p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(p.config.BackoffBaseMs*(1<<(attempt-1))) * time.Millisecond
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
			select {
			case <-ctx.Done():
				return NewNetworkError("polygon", symbol, "request cancelled", ctx.Err())
			case <-time.After(backoff):
			}
		}
		if err := p.rateLimiter.Wait(ctx); err != nil {
			return NewNetworkError("polygon", symbol, "rate limit wait cancelled", err)
		}

		lastErr = p.once(ctx, endpoint, symbol, requestURL, out)
		if lastErr == nil {
			p.recordSuccess()
			return nil
		}
		if !IsRetryable(lastErr) {
			break
		}
	}
	p.recordError()
	return lastErr
}

func (p *PolygonAdapter) once(ctx context.Context, endpoint, symbol, requestURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return NewNetworkError("polygon", symbol, "failed to create request", err)
	}
	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		observ.RecordProviderCall("polygon", endpoint, "error", time.Since(start))
		return NewNetworkError("polygon", symbol, "request failed", err)
	}
	defer resp.Body.Close()
	observ.RecordProviderCall("polygon", endpoint, fmt.Sprint(resp.StatusCode), time.Since(start))

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus("polygon", symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NewProviderError("polygon", symbol, resp.StatusCode, "failed to parse response: "+err.Error())
	}
	return nil
}

func (p *PolygonAdapter) recordError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveErrors++
	if p.consecutiveErrors >= 3 {
		p.healthy = false
	}
}

func (p *PolygonAdapter) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consecutiveErrors = 0
	p.healthy = true
}
