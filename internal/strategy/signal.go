// Package strategy turns feature snapshots into candidate trade signals.
package strategy

import "time"

const (
	SideBuy  = "buy"
	SideSell = "sell"

	SetupVWAPReclaim = "VWAP_RECLAIM"
	SetupSigmaFade   = "SIGMA_FADE"
	SetupHODFail     = "HOD_FAIL"
	SetupEMACross    = "EMA_CROSS"
)

// Signal is a candidate order emitted by a play. Symbol is the execution
// symbol; SourceSymbol is the symbol the play evaluated.
type Signal struct {
	Symbol       string         `json:"symbol"`
	SourceSymbol string         `json:"source_symbol"`
	Setup        string         `json:"setup"`
	Side         string         `json:"side"`
	Qty          int            `json:"qty"`
	OrderType    string         `json:"type"`
	Duration     string         `json:"duration"`
	Entry        *float64       `json:"entry_price,omitempty"`
	Stop         *float64       `json:"stop_price,omitempty"`
	Target1      *float64       `json:"target1,omitempty"`
	Target2      *float64       `json:"target2,omitempty"`
	ATR          *float64       `json:"atr,omitempty"`
	Reason       string         `json:"reason"`
	GeneratedAt  time.Time      `json:"generated_at"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ToOrder flattens the signal into the order-shaped map written to the
// ledger and served by the API.
func (s Signal) ToOrder() map[string]any {
	out := map[string]any{
		"symbol":        s.Symbol,
		"source_symbol": s.SourceSymbol,
		"setup":         s.Setup,
		"side":          s.Side,
		"qty":           s.Qty,
		"type":          s.OrderType,
		"duration":      s.Duration,
		"reason":        s.Reason,
		"entry_price":   s.Entry,
		"stop_price":    s.Stop,
		"target1":       s.Target1,
		"target2":       s.Target2,
		"atr":           s.ATR,
	}
	meta := make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	out["metadata"] = meta
	return out
}

func (s *Signal) setMeta(key string, v any) {
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
	s.Metadata[key] = v
}
