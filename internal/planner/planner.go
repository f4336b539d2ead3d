// Package planner sizes and brackets approved signals.
package planner

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/strategy"
)

// Plan is a sized order with optional bracket prices.
type Plan struct {
	Qty      int            `json:"qty"`
	Entry    *float64       `json:"entry_price"`
	Stop     *float64       `json:"stop_price"`
	Target1  *float64       `json:"target1"`
	Target2  *float64       `json:"target2"`
	Sizing   string         `json:"sizing"` // override | risk | signal
	Metadata map[string]any `json:"metadata"`
}

type Config struct {
	Sizing     config.Sizing
	DefaultQty int
}

// FromRoot extracts the planner settings from the root config.
func FromRoot(c config.Root) Config {
	return Config{Sizing: c.Sizing, DefaultQty: c.Strategy.DefaultQty}
}

// ComputeOrderPlan resolves prices and quantity for a signal. Prices carried
// on the signal win; missing ones come from the symbol's percentage
// overrides, then from per-setup ATR multiples. A quantity override wins
// over fixed-risk sizing, which wins over the signal quantity.
func ComputeOrderPlan(sig strategy.Signal, cfg Config, ov config.SymbolOverride) Plan {
	setup := strings.ToUpper(sig.Setup)
	if setup == "" {
		setup = "UNKNOWN"
	}
	riskPerTrade, stopMult, t1Mult, t2Mult := cfg.Sizing.SetupParams(setup)

	stopPct := cfg.Sizing.StopPct
	if ov.StopPct != nil {
		stopPct = ov.StopPct
	}
	tpPct := cfg.Sizing.TPPct
	if ov.TPPct != nil {
		tpPct = ov.TPPct
	}

	entry := copyPtr(sig.Entry)
	if entry == nil {
		entry = metaFloat(sig.Metadata, "entry_price", "last_price", "price")
	}
	stop, t1, t2 := copyPtr(sig.Stop), copyPtr(sig.Target1), copyPtr(sig.Target2)
	atr := sig.ATR
	if atr == nil {
		atr = metaFloat(sig.Metadata, "atr")
	}

	if entry != nil {
		e := *entry
		if stop == nil {
			switch {
			case stopPct != nil:
				stop = ptr(e * (1 - *stopPct))
			case atr != nil:
				stop = ptr(e - stopMult**atr)
			}
		}
		if t1 == nil {
			switch {
			case tpPct != nil:
				t1 = ptr(e * (1 + *tpPct))
			case atr != nil:
				t1 = ptr(e + t1Mult**atr)
			}
		}
		if t2 == nil {
			if atr != nil {
				t2 = ptr(e + t2Mult**atr)
			} else {
				t2 = copyPtr(t1)
			}
		}
	}

	qty, sizing := sig.Qty, "signal"
	if qty <= 0 {
		qty = cfg.DefaultQty
	}
	switch {
	case ov.Qty != nil:
		qty, sizing = *ov.Qty, "override"
	case riskPerTrade > 0 && entry != nil && stop != nil && *entry > *stop:
		qty, sizing = int(math.Floor(riskPerTrade/(*entry-*stop))), "risk"
	}
	if qty < 1 {
		qty = 1
	}

	meta := make(map[string]any, len(sig.Metadata)+2)
	for k, v := range sig.Metadata {
		meta[k] = v
	}
	meta["setup"] = setup
	if atr != nil {
		meta["atr"] = *atr
	}

	return Plan{
		Qty:      qty,
		Entry:    entry,
		Stop:     stop,
		Target1:  t1,
		Target2:  t2,
		Sizing:   sizing,
		Metadata: meta,
	}
}

// EntryOrder picks the entry order type and price. A tight market gets a
// limit just under mid, rounded to cents; otherwise baseType is kept with
// the planned entry (or last trade) as the reference price.
func EntryOrder(plan Plan, quote *adapters.Quote, baseType string, cfg config.Entry) (orderType string, price *float64) {
	orderType = strings.ToLower(baseType)
	if orderType == "" {
		orderType = "market"
	}
	price = copyPtr(plan.Entry)
	if price == nil {
		if last, ok := quote.Price(); ok {
			price = ptr(last)
		}
	}
	if price == nil {
		return orderType, nil
	}
	mid, ok := quote.Mid()
	if !ok {
		return orderType, price
	}
	spread, _ := quote.SpreadBps()
	if spread > cfg.SpreadBps {
		return orderType, price
	}
	limit := decimal.NewFromFloat(mid).
		Mul(decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.LimitOffsetBps).Div(decimal.NewFromInt(10000)))).
		Round(2)
	return "limit", ptr(limit.InexactFloat64())
}

func metaFloat(meta map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		switch v := meta[k].(type) {
		case float64:
			if !math.IsNaN(v) {
				return ptr(v)
			}
		case *float64:
			if v != nil && !math.IsNaN(*v) {
				return ptr(*v)
			}
		case int:
			return ptr(float64(v))
		}
	}
	return nil
}

func copyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	return ptr(*p)
}

func ptr(v float64) *float64 { return &v }
