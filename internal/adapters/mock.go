package adapters

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/features"
)

// MockBroker is an in-memory Broker for tests and offline runs. Orders are
// recorded and acknowledged; positions only change through SetPositions.
type MockBroker struct {
	mu        sync.Mutex
	quotes    map[string]*Quote
	positions []Position
	orders    []Order
	balances  Balances
	placed    []OrderRequest
	cancelled []string
	nextID    int

	// Fail injects an error per method name ("Quote", "Positions", ...).
	Fail map[string]error
}

func NewMockBroker() *MockBroker {
	return &MockBroker{
		quotes:   make(map[string]*Quote),
		balances: Balances{CashAvailable: 100000, TotalEquity: 100000, BuyingPower: 100000},
		nextID:   1000,
		Fail:     make(map[string]error),
	}
}

func (m *MockBroker) fail(method string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Fail[method]
}

// AddQuote allows tests to add custom quotes
func (m *MockBroker) AddQuote(q *Quote) {
	if q == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *q
	c.Symbol = normalizeSymbol(c.Symbol)
	if c.Source == "" {
		c.Source = "mock"
	}
	m.quotes[c.Symbol] = &c
}

func (m *MockBroker) SetPositions(p []Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = append([]Position(nil), p...)
}

func (m *MockBroker) SetOpenOrders(o []Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append([]Order(nil), o...)
}

func (m *MockBroker) SetBalances(b Balances) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = b
}

// Placed returns every order request received so far.
func (m *MockBroker) Placed() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.placed...)
}

func (m *MockBroker) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *MockBroker) Quote(ctx context.Context, symbol string) (*Quote, error) {
	if err := m.fail("Quote"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[normalizeSymbol(symbol)]
	if !ok {
		return nil, NewBadSymbolError("mock", symbol, "symbol not found in mock data")
	}
	c := *q
	return &c, nil
}

func (m *MockBroker) Positions(ctx context.Context) ([]Position, error) {
	if err := m.fail("Positions"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Position(nil), m.positions...), nil
}

func (m *MockBroker) OpenOrders(ctx context.Context) ([]Order, error) {
	if err := m.fail("OpenOrders"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Order
	for _, o := range m.orders {
		if o.Open() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *MockBroker) Balances(ctx context.Context) (Balances, error) {
	if err := m.fail("Balances"); err != nil {
		return Balances{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances, nil
}

func (m *MockBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	if err := m.fail("PlaceOrder"); err != nil {
		return OrderResponse{}, err
	}
	if req.Qty <= 0 {
		return OrderResponse{}, NewProviderError("mock", req.Symbol, 400, fmt.Sprintf("invalid quantity %d", req.Qty))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := strconv.Itoa(m.nextID)
	m.placed = append(m.placed, req)
	class := "equity"
	if req.Bracket() {
		class = AdvancedOTOCO
	}
	m.orders = append(m.orders, Order{
		ID: id, Symbol: normalizeSymbol(req.Symbol), Side: req.Side, Type: req.Type, Class: class,
		Quantity: float64(req.Qty), Status: "pending", Duration: req.Duration, CreatedAt: time.Now().UTC(),
	})
	return OrderResponse{
		ID:     id,
		Status: "ok",
		Raw:    map[string]any{"order": map[string]any{"id": m.nextID, "status": "ok"}},
	}, nil
}

func (m *MockBroker) CancelOrder(ctx context.Context, orderID string) (OrderResponse, error) {
	if err := m.fail("CancelOrder"); err != nil {
		return OrderResponse{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.orders {
		if m.orders[i].ID == orderID {
			m.orders[i].Status = "canceled"
			m.cancelled = append(m.cancelled, orderID)
			return OrderResponse{ID: orderID, Status: "ok"}, nil
		}
	}
	return OrderResponse{}, NewBadSymbolError("mock", "", "order not found: "+orderID)
}

func (m *MockBroker) GetOrder(ctx context.Context, orderID string) (Order, error) {
	if err := m.fail("GetOrder"); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == orderID {
			return o, nil
		}
	}
	return Order{}, NewBadSymbolError("mock", "", "order not found: "+orderID)
}

// MockMarketData serves fixed bars and prices.
type MockMarketData struct {
	mu     sync.Mutex
	bars   map[string][]features.Bar
	prices map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func NewMockMarketData() *MockMarketData {
	return &MockMarketData{
		bars:   make(map[string][]features.Bar),
		prices: make(map[string]float64),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (m *MockMarketData) SetBars(symbol string, bars []features.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars[normalizeSymbol(symbol)] = append([]features.Bar(nil), bars...)
}

func (m *MockMarketData) SetPrice(symbol string, px float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[normalizeSymbol(symbol)] = px
}

// SetError makes every call for symbol fail with err. A nil err clears it.
func (m *MockMarketData) SetError(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, normalizeSymbol(symbol))
		return
	}
	m.errs[normalizeSymbol(symbol)] = err
}

// Calls returns how many bar requests were made for symbol.
func (m *MockMarketData) Calls(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[normalizeSymbol(symbol)]
}

func (m *MockMarketData) LastTradePrice(ctx context.Context, symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := normalizeSymbol(symbol)
	if err := m.errs[sym]; err != nil {
		return 0, err
	}
	if px, ok := m.prices[sym]; ok {
		return px, nil
	}
	if bars := m.bars[sym]; len(bars) > 0 {
		return bars[len(bars)-1].Close, nil
	}
	return 0, NewBadSymbolError("mock", sym, "no price")
}

func (m *MockMarketData) MinuteBars(ctx context.Context, symbol string, minutes int) ([]features.Bar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sym := normalizeSymbol(symbol)
	m.calls[sym]++
	if err := m.errs[sym]; err != nil {
		return nil, err
	}
	bars := m.bars[sym]
	if minutes > 0 && len(bars) > minutes {
		bars = bars[len(bars)-minutes:]
	}
	return append([]features.Bar(nil), bars...), nil
}

// MockOptionsFeed returns canned option feedback per underlying.
type MockOptionsFeed struct {
	mu    sync.Mutex
	data  map[string]*OptionFeedback
	err   error
	calls int
}

func NewMockOptionsFeed() *MockOptionsFeed {
	return &MockOptionsFeed{data: make(map[string]*OptionFeedback)}
}

func (m *MockOptionsFeed) Set(symbol string, fb *OptionFeedback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[normalizeSymbol(symbol)] = fb
}

func (m *MockOptionsFeed) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MockOptionsFeed) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockOptionsFeed) OptionFeedback(ctx context.Context, symbol string) (*OptionFeedback, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.data[normalizeSymbol(symbol)], nil
}
