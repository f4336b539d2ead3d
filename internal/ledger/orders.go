package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

const summaryWindow = 10_000

var orderKinds = map[string]bool{
	KindOrderPlaced:    true,
	KindOrderStatus:    true,
	KindCancelResponse: true,
}

// OrderSummary is the last known state of one order id.
type OrderSummary struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	TS       float64        `json:"ts"`
	Notional string         `json:"notional,omitempty"`
	Data     map[string]any `json:"data"`
}

func orderID(data map[string]any) string {
	for _, k := range []string{"id", "order_id"} {
		if v, ok := data[k]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// KnownOrderIDs lists every order id seen in the ledger, in first-seen order.
func (l *Ledger) KnownOrderIDs() ([]string, error) {
	events, err := l.ReadEvents(summaryWindow)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var ids []string
	for _, ev := range events {
		if !orderKinds[ev.Kind] && ev.Kind != KindCancelRequest {
			continue
		}
		id := orderID(ev.Data)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

// SummarizeOrders keeps the last status per order id, newest first.
func (l *Ledger) SummarizeOrders() ([]OrderSummary, error) {
	events, err := l.ReadEvents(summaryWindow)
	if err != nil {
		return nil, err
	}
	last := map[string]OrderSummary{}
	for _, ev := range events {
		if !orderKinds[ev.Kind] {
			continue
		}
		id := orderID(ev.Data)
		if id == "" {
			continue
		}
		last[id] = OrderSummary{
			ID:       id,
			Kind:     ev.Kind,
			TS:       ev.TS,
			Notional: notional(ev.Data),
			Data:     ev.Data,
		}
	}

	out := make([]OrderSummary, 0, len(last))
	for _, s := range last {
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TS == out[j].TS {
			return out[i].ID < out[j].ID
		}
		return out[i].TS > out[j].TS
	})
	return out, nil
}

func notional(data map[string]any) string {
	qty, ok1 := number(data["qty"])
	px, ok2 := number(data["entry"])
	if !ok1 || !ok2 {
		return ""
	}
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(px)).StringFixed(2)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
