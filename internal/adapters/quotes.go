package adapters

import (
	"fmt"
	"strings"
	"time"
)

// Quote represents normalized top-of-book data from any provider
type Quote struct {
	Symbol    string    `json:"symbol"` // Normalized symbol (uppercase)
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`  // Last traded price, 0 when unknown
	Close     float64   `json:"close"` // Previous close, used when Last is missing
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "tradier"|"polygon"|"mock"
}

// Price returns the best available trade price: last, else close.
func (q *Quote) Price() (float64, bool) {
	if q == nil {
		return 0, false
	}
	if q.Last > 0 {
		return q.Last, true
	}
	if q.Close > 0 {
		return q.Close, true
	}
	return 0, false
}

// Mid returns the bid/ask midpoint when both sides are sane.
func (q *Quote) Mid() (float64, bool) {
	if q == nil || q.Bid <= 0 || q.Ask <= q.Bid {
		return 0, false
	}
	return (q.Bid + q.Ask) / 2, true
}

// SpreadBps is the bid-ask spread relative to mid, in basis points
func (q *Quote) SpreadBps() (float64, bool) {
	mid, ok := q.Mid()
	if !ok {
		return 0, false
	}
	return (q.Ask - q.Bid) / mid * 10000, true
}

// ValidateQuote rejects quotes that cannot be priced.
func ValidateQuote(quote *Quote) error {
	if quote == nil {
		return fmt.Errorf("quote is nil")
	}
	quote.Symbol = strings.ToUpper(strings.TrimSpace(quote.Symbol))
	if quote.Symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if _, ok := quote.Price(); !ok {
		return fmt.Errorf("quote for %s has no price: last=%.4f close=%.4f", quote.Symbol, quote.Last, quote.Close)
	}
	if quote.Bid > 0 && quote.Ask > 0 && quote.Ask < quote.Bid {
		return fmt.Errorf("invalid spread: ask(%.4f) < bid(%.4f)", quote.Ask, quote.Bid)
	}
	return nil
}

// SessionType represents different market session states
type SessionType string

const (
	SessionPremarket  SessionType = "PRE"
	SessionRegular    SessionType = "RTH"
	SessionPostmarket SessionType = "POST"
	SessionClosed     SessionType = "CLOSED"
	SessionUnknown    SessionType = "UNKNOWN"
)

// GetCurrentSession returns the US equities session at t.
// No holiday calendar: weekdays only.
func GetCurrentSession(t time.Time) SessionType {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return SessionUnknown
	}
	et := t.In(loc)

	weekday := et.Weekday()
	if weekday == time.Saturday || weekday == time.Sunday {
		return SessionClosed
	}

	timeInMinutes := et.Hour()*60 + et.Minute()
	premarketStart := 4 * 60 // 4:00 AM ET
	marketOpen := 9*60 + 30  // 9:30 AM ET
	marketClose := 16 * 60   // 4:00 PM ET
	postmarketEnd := 20 * 60 // 8:00 PM ET

	switch {
	case timeInMinutes >= premarketStart && timeInMinutes < marketOpen:
		return SessionPremarket
	case timeInMinutes >= marketOpen && timeInMinutes < marketClose:
		return SessionRegular
	case timeInMinutes >= marketClose && timeInMinutes < postmarketEnd:
		return SessionPostmarket
	default:
		return SessionClosed
	}
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
