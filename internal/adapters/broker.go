package adapters

import (
	"context"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/features"
)

// Broker is the brokerage surface the trading loop depends on. The account
// is fixed when the client is built.
type Broker interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
	Positions(ctx context.Context) ([]Position, error)
	OpenOrders(ctx context.Context) ([]Order, error)
	Balances(ctx context.Context) (Balances, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResponse, error)
	CancelOrder(ctx context.Context, orderID string) (OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
}

// MarketData yields last trades and minute bars. Empty bars with a nil
// error mean no data yet.
type MarketData interface {
	LastTradePrice(ctx context.Context, symbol string) (float64, error)
	MinuteBars(ctx context.Context, symbol string, minutes int) ([]features.Bar, error)
}

// OptionsFeed reports the most active call and put contracts for an
// underlying. A nil result with a nil error means no contracts.
type OptionsFeed interface {
	OptionFeedback(ctx context.Context, symbol string) (*OptionFeedback, error)
}

type Position struct {
	Symbol       string    `json:"symbol"`
	Quantity     float64   `json:"quantity"`
	CostBasis    float64   `json:"cost_basis"` // total, not per share
	DateAcquired time.Time `json:"date_acquired"`
}

// AvgCost returns cost basis per share.
func (p Position) AvgCost() float64 {
	if p.Quantity == 0 {
		return 0
	}
	return p.CostBasis / p.Quantity
}

type Order struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Type         string    `json:"type"`
	Class        string    `json:"class"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price,omitempty"`
	AvgFillPrice float64   `json:"avg_fill_price,omitempty"`
	Status       string    `json:"status"`
	Duration     string    `json:"duration"`
	CreatedAt    time.Time `json:"create_date"`
}

// Open reports whether the order can still fill.
func (o Order) Open() bool {
	switch o.Status {
	case "open", "pending", "partially_filled", "received", "accepted":
		return true
	}
	return false
}

type Balances struct {
	CashAvailable float64 `json:"cash_available"`
	TotalEquity   float64 `json:"total_equity"`
	BuyingPower   float64 `json:"buying_power"`
}

const AdvancedOTOCO = "otoco"

// OrderRequest is an equity order. With Advanced set to "otoco" and both
// Stop and TakeProfit present it is submitted as a three-leg bracket.
type OrderRequest struct {
	Symbol     string   `json:"symbol"`
	Side       string   `json:"side"`
	Qty        int      `json:"qty"`
	Type       string   `json:"type"`
	Duration   string   `json:"duration"`
	Price      *float64 `json:"price,omitempty"`
	Stop       *float64 `json:"stop,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Advanced   string   `json:"advanced,omitempty"`
	Tag        string   `json:"tag,omitempty"`
}

// Bracket reports whether the request should go out as an OTOCO.
func (r OrderRequest) Bracket() bool {
	return r.Advanced == AdvancedOTOCO && r.Stop != nil && r.TakeProfit != nil
}

type OrderResponse struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Raw    map[string]any `json:"raw,omitempty"`
}

type OptionFeedback struct {
	CallVolume float64 `json:"call_volume"`
	PutVolume  float64 `json:"put_volume"`
	CallIV     float64 `json:"call_iv"`
	PutIV      float64 `json:"put_iv"`
}
