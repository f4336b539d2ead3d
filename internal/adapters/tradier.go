package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/observ"
)

const (
	tradierSandboxURL = "https://sandbox.tradier.com/v1"
	tradierLiveURL    = "https://api.tradier.com/v1"
)

// TradierConfig holds configuration for the Tradier client
type TradierConfig struct {
	AccessToken        string
	AccountID          string
	Env                string // sandbox | live
	BaseURL            string // overrides Env when set
	Timeout            time.Duration
	MaxRetries         int
	RateLimitPerSecond float64
	BarCacheTTL        time.Duration
}

// TradierConfigFrom maps the broker section of the root config.
func TradierConfigFrom(c config.Broker) TradierConfig {
	return TradierConfig{
		AccessToken:        c.AccessToken,
		AccountID:          c.AccountID,
		Env:                c.Env,
		Timeout:            time.Duration(c.TimeoutSeconds) * time.Second,
		MaxRetries:         c.MaxRetries,
		RateLimitPerSecond: c.RateLimitPerSecond,
		BarCacheTTL:        time.Duration(c.BarCacheSeconds) * time.Second,
	}
}

// TradierClient implements Broker and MarketData against the Tradier REST API.
type TradierClient struct {
	http      *resty.Client
	accountID string
	limiter   *rate.Limiter
	bars      *ttlCache[[]features.Bar]
	loc       *time.Location
	now       func() time.Time
}

func NewTradierClient(cfg TradierConfig) *TradierClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RateLimitPerSecond <= 0 {
		cfg.RateLimitPerSecond = 2
	}
	if cfg.BarCacheTTL <= 0 {
		cfg.BarCacheTTL = 30 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = tradierSandboxURL
		if strings.EqualFold(cfg.Env, "live") || strings.EqualFold(cfg.Env, "production") {
			base = tradierLiveURL
		}
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(base, "/")).
		SetTimeout(cfg.Timeout).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Accept", "application/json").
		SetRetryCount(cfg.MaxRetries-1).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			code := r.StatusCode()
			return code == 429 || code >= 500
		})

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return &TradierClient{
		http:      client,
		accountID: cfg.AccountID,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimitPerSecond), 2),
		bars:      newTTLCache[[]features.Bar](cfg.BarCacheTTL, 500),
		loc:       loc,
		now:       time.Now,
	}
}

// AccountID returns the configured brokerage account.
func (c *TradierClient) AccountID() string { return c.accountID }

// do executes one request with retries handled by resty. The endpoint label
// is used for metrics only.
func (c *TradierClient) do(ctx context.Context, endpoint, symbol string, call func(*resty.Request) (*resty.Response, error), out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return NewNetworkError("tradier", symbol, "rate limit wait cancelled", err)
	}
	start := time.Now()
	resp, err := call(c.http.R().SetContext(ctx))
	status := "error"
	if resp != nil && resp.StatusCode() > 0 {
		status = strconv.Itoa(resp.StatusCode())
	}
	observ.RecordProviderCall("tradier", endpoint, status, time.Since(start))
	if err != nil {
		return NewNetworkError("tradier", symbol, endpoint+" request failed", err)
	}
	if resp.StatusCode() >= 400 {
		return classifyStatus("tradier", symbol, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out == nil || len(bytes.TrimSpace(resp.Body())) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return NewProviderError("tradier", symbol, resp.StatusCode(), "failed to parse response: "+err.Error())
	}
	return nil
}

func (c *TradierClient) requireAccount() error {
	if c.accountID == "" {
		return NewPermissionError("tradier", "", 0, "TRADIER_ACCOUNT_ID not configured")
	}
	return nil
}

type tradierQuote struct {
	Symbol    string  `json:"symbol"`
	Last      float64 `json:"last"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Close     float64 `json:"close"`
	PrevClose float64 `json:"prevclose"`
	Volume    int64   `json:"volume"`
	TradeDate int64   `json:"trade_date"` // ms
}

func (c *TradierClient) Quote(ctx context.Context, symbol string) (*Quote, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, NewBadSymbolError("tradier", symbol, "empty symbol")
	}
	var body struct {
		Quotes json.RawMessage `json:"quotes"`
	}
	err := c.do(ctx, "quotes", symbol, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("symbols", symbol).Get("/markets/quotes")
	}, &body)
	if err != nil {
		return nil, err
	}
	var inner struct {
		Quote oneOrMany[tradierQuote] `json:"quote"`
	}
	if err := decodeObject(body.Quotes, &inner); err != nil {
		return nil, NewProviderError("tradier", symbol, 200, "bad quotes payload: "+err.Error())
	}
	if len(inner.Quote) == 0 {
		return nil, NewBadSymbolError("tradier", symbol, "no quote returned")
	}
	tq := inner.Quote[0]
	q := &Quote{
		Symbol: symbol,
		Bid:    tq.Bid,
		Ask:    tq.Ask,
		Last:   tq.Last,
		Close:  tq.Close,
		Volume: tq.Volume,
		Source: "tradier",
	}
	if q.Close == 0 {
		q.Close = tq.PrevClose
	}
	if tq.TradeDate > 0 {
		q.Timestamp = time.UnixMilli(tq.TradeDate).UTC()
	} else {
		q.Timestamp = c.now().UTC()
	}
	if err := ValidateQuote(q); err != nil {
		return nil, NewProviderError("tradier", symbol, 200, "invalid quote: "+err.Error())
	}
	return q, nil
}

// LastTradePrice returns last, close or previous close, in that order.
// Quote already rejects quotes with none of them.
func (c *TradierClient) LastTradePrice(ctx context.Context, symbol string) (float64, error) {
	q, err := c.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p, _ := q.Price()
	return p, nil
}

type tradierPosition struct {
	Symbol       string  `json:"symbol"`
	Quantity     float64 `json:"quantity"`
	CostBasis    float64 `json:"cost_basis"`
	DateAcquired string  `json:"date_acquired"`
}

func (c *TradierClient) Positions(ctx context.Context) ([]Position, error) {
	if err := c.requireAccount(); err != nil {
		return nil, err
	}
	var body struct {
		Positions json.RawMessage `json:"positions"`
	}
	err := c.do(ctx, "positions", "", func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/accounts/" + url.PathEscape(c.accountID) + "/positions")
	}, &body)
	if err != nil {
		return nil, err
	}
	var inner struct {
		Position oneOrMany[tradierPosition] `json:"position"`
	}
	if err := decodeObject(body.Positions, &inner); err != nil {
		return nil, NewProviderError("tradier", "", 200, "bad positions payload: "+err.Error())
	}
	out := make([]Position, 0, len(inner.Position))
	for _, p := range inner.Position {
		pos := Position{Symbol: normalizeSymbol(p.Symbol), Quantity: p.Quantity, CostBasis: p.CostBasis}
		if t, err := time.Parse(time.RFC3339, p.DateAcquired); err == nil {
			pos.DateAcquired = t
		}
		out = append(out, pos)
	}
	return out, nil
}

type tradierOrder struct {
	ID           json.Number `json:"id"`
	Type         string      `json:"type"`
	Symbol       string      `json:"symbol"`
	Side         string      `json:"side"`
	Quantity     float64     `json:"quantity"`
	Status       string      `json:"status"`
	Duration     string      `json:"duration"`
	Price        float64     `json:"price"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Class        string      `json:"class"`
	CreateDate   string      `json:"create_date"`
}

func (o tradierOrder) toOrder() Order {
	out := Order{
		ID:           o.ID.String(),
		Symbol:       normalizeSymbol(o.Symbol),
		Side:         o.Side,
		Type:         o.Type,
		Class:        o.Class,
		Quantity:     o.Quantity,
		Price:        o.Price,
		AvgFillPrice: o.AvgFillPrice,
		Status:       o.Status,
		Duration:     o.Duration,
	}
	if t, err := time.Parse(time.RFC3339, o.CreateDate); err == nil {
		out.CreatedAt = t
	}
	return out
}

// Orders lists every order on the account for the day.
func (c *TradierClient) Orders(ctx context.Context) ([]Order, error) {
	if err := c.requireAccount(); err != nil {
		return nil, err
	}
	var body struct {
		Orders json.RawMessage `json:"orders"`
	}
	err := c.do(ctx, "orders", "", func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/accounts/" + url.PathEscape(c.accountID) + "/orders")
	}, &body)
	if err != nil {
		return nil, err
	}
	var inner struct {
		Order oneOrMany[tradierOrder] `json:"order"`
	}
	if err := decodeObject(body.Orders, &inner); err != nil {
		return nil, NewProviderError("tradier", "", 200, "bad orders payload: "+err.Error())
	}
	out := make([]Order, 0, len(inner.Order))
	for _, o := range inner.Order {
		out = append(out, o.toOrder())
	}
	return out, nil
}

func (c *TradierClient) OpenOrders(ctx context.Context) ([]Order, error) {
	all, err := c.Orders(ctx)
	if err != nil {
		return nil, err
	}
	open := all[:0]
	for _, o := range all {
		if o.Open() {
			open = append(open, o)
		}
	}
	return open, nil
}

func (c *TradierClient) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if err := c.requireAccount(); err != nil {
		return Order{}, err
	}
	var body struct {
		Order tradierOrder `json:"order"`
	}
	err := c.do(ctx, "order", "", func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/accounts/" + url.PathEscape(c.accountID) + "/orders/" + url.PathEscape(orderID))
	}, &body)
	if err != nil {
		return Order{}, err
	}
	return body.Order.toOrder(), nil
}

func (c *TradierClient) Balances(ctx context.Context) (Balances, error) {
	if err := c.requireAccount(); err != nil {
		return Balances{}, err
	}
	var body struct {
		Balances struct {
			TotalEquity float64 `json:"total_equity"`
			TotalCash   float64 `json:"total_cash"`
			Cash        *struct {
				CashAvailable float64 `json:"cash_available"`
			} `json:"cash"`
			Margin *struct {
				StockBuyingPower float64 `json:"stock_buying_power"`
			} `json:"margin"`
		} `json:"balances"`
	}
	err := c.do(ctx, "balances", "", func(r *resty.Request) (*resty.Response, error) {
		return r.Get("/accounts/" + url.PathEscape(c.accountID) + "/balances")
	}, &body)
	if err != nil {
		return Balances{}, err
	}
	b := Balances{TotalEquity: body.Balances.TotalEquity, CashAvailable: body.Balances.TotalCash}
	if body.Balances.Cash != nil {
		b.CashAvailable = body.Balances.Cash.CashAvailable
		b.BuyingPower = body.Balances.Cash.CashAvailable
	}
	if body.Balances.Margin != nil {
		b.BuyingPower = body.Balances.Margin.StockBuyingPower
	}
	return b, nil
}

// PlaceOrder submits an equity order, or a three-leg OTOCO when the
// request carries both a stop and a take-profit.
func (c *TradierClient) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if err := c.requireAccount(); err != nil {
		return OrderResponse{}, err
	}
	form := orderForm(req)
	var raw map[string]any
	err := c.do(ctx, "place_order", req.Symbol, func(r *resty.Request) (*resty.Response, error) {
		return r.SetFormData(form).Post("/accounts/" + url.PathEscape(c.accountID) + "/orders")
	}, &raw)
	if err != nil {
		return OrderResponse{}, err
	}
	return orderResponse(raw), nil
}

func (c *TradierClient) CancelOrder(ctx context.Context, orderID string) (OrderResponse, error) {
	if err := c.requireAccount(); err != nil {
		return OrderResponse{}, err
	}
	var raw map[string]any
	err := c.do(ctx, "cancel_order", "", func(r *resty.Request) (*resty.Response, error) {
		return r.Delete("/accounts/" + url.PathEscape(c.accountID) + "/orders/" + url.PathEscape(orderID))
	}, &raw)
	if err != nil {
		return OrderResponse{}, err
	}
	return orderResponse(raw), nil
}

func orderForm(req OrderRequest) map[string]string {
	sym := normalizeSymbol(req.Symbol)
	duration := req.Duration
	if duration == "" {
		duration = "day"
	}
	typ := req.Type
	if typ == "" {
		typ = "market"
	}
	qty := strconv.Itoa(req.Qty)

	if req.Bracket() {
		exitSide := "sell"
		if req.Side == "sell" || req.Side == "sell_short" {
			exitSide = "buy_to_cover"
		}
		form := map[string]string{
			"class":    "otoco",
			"duration": duration,

			"symbol[0]":   sym,
			"side[0]":     req.Side,
			"quantity[0]": qty,
			"type[0]":     typ,

			"symbol[1]":   sym,
			"side[1]":     exitSide,
			"quantity[1]": qty,
			"type[1]":     "limit",
			"price[1]":    money(*req.TakeProfit),

			"symbol[2]":   sym,
			"side[2]":     exitSide,
			"quantity[2]": qty,
			"type[2]":     "stop",
			"stop[2]":     money(*req.Stop),
		}
		if req.Price != nil && typ != "market" {
			form["price[0]"] = money(*req.Price)
		}
		return form
	}

	form := map[string]string{
		"class":    "equity",
		"symbol":   sym,
		"side":     req.Side,
		"quantity": qty,
		"type":     typ,
		"duration": duration,
	}
	if req.Price != nil && typ != "market" {
		form["price"] = money(*req.Price)
	}
	if req.Stop != nil && (typ == "stop" || typ == "stop_limit") {
		form["stop"] = money(*req.Stop)
	}
	if req.Tag != "" {
		form["tag"] = req.Tag
	}
	return form
}

func orderResponse(raw map[string]any) OrderResponse {
	out := OrderResponse{Raw: raw}
	order, _ := raw["order"].(map[string]any)
	switch id := order["id"].(type) {
	case float64:
		out.ID = strconv.FormatInt(int64(id), 10)
	case string:
		out.ID = id
	}
	out.Status, _ = order["status"].(string)
	return out
}

func money(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

type tradierBar struct {
	Time      string  `json:"time"`
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// MinuteBars fetches one-minute timesales for the last minutes. Results are
// cached briefly per (symbol, minutes).
func (c *TradierClient) MinuteBars(ctx context.Context, symbol string, minutes int) ([]features.Bar, error) {
	symbol = normalizeSymbol(symbol)
	if minutes < 1 {
		minutes = 1
	}
	key := fmt.Sprintf("%s|1min|%d", symbol, minutes)
	if bars, ok := c.bars.get(key); ok {
		return bars, nil
	}

	end := c.now().In(c.loc)
	start := end.Add(-time.Duration(minutes+1) * time.Minute)
	var body struct {
		Series json.RawMessage `json:"series"`
	}
	err := c.do(ctx, "timesales", symbol, func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"symbol":         symbol,
			"interval":       "1min",
			"start":          start.Format("2006-01-02 15:04"),
			"end":            end.Format("2006-01-02 15:04"),
			"session_filter": "all",
		}).Get("/markets/timesales")
	}, &body)
	if err != nil {
		return nil, err
	}
	var inner struct {
		Data oneOrMany[tradierBar] `json:"data"`
	}
	if err := decodeObject(body.Series, &inner); err != nil {
		return nil, NewProviderError("tradier", symbol, 200, "bad timesales payload: "+err.Error())
	}

	bars := make([]features.Bar, 0, len(inner.Data))
	for _, row := range inner.Data {
		ts, ok := c.barTime(row)
		if !ok {
			continue
		}
		bars = append(bars, features.Bar{
			Time: ts, Open: row.Open, High: row.High, Low: row.Low, Close: row.Close, Volume: row.Volume,
		})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	c.bars.put(key, bars)
	return bars, nil
}

func (c *TradierClient) barTime(row tradierBar) (time.Time, bool) {
	if row.Timestamp > 0 {
		return time.Unix(row.Timestamp, 0).UTC(), true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, row.Time, c.loc); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// oneOrMany decodes Tradier's habit of returning a bare object for a single
// element, an array for several, and "null" for none.
type oneOrMany[T any] []T

func (o *oneOrMany[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == 'n' || b[0] == '"' {
		*o = nil
		return nil
	}
	if b[0] == '[' {
		var many []T
		if err := json.Unmarshal(b, &many); err != nil {
			return err
		}
		*o = many
		return nil
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*o = oneOrMany[T]{one}
	return nil
}

// decodeObject unmarshals raw into out when raw is a JSON object and leaves
// out untouched for null or the string "null".
func decodeObject(raw json.RawMessage, out any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	return json.Unmarshal(raw, out)
}
