// Package analytics summarizes the event ledger for tuning: signal outcome
// counts per setup and a forward-return replay of approved signals.
package analytics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Rajchodisetti/autotrader/internal/ledger"
)

// EventReader is satisfied by *ledger.Ledger.
type EventReader interface {
	ReadEvents(limit int) ([]ledger.Entry, error)
}

var signalOutcomes = map[string]string{
	ledger.KindSignalGenerated: "generated",
	ledger.KindSignalBlocked:   "risk_blocked",
	ledger.KindSignalApproved:  "approved",
	ledger.KindOrderError:      "order_error",
}

type SignalEvent struct {
	TS      float64 `json:"ts"`
	Setup   string  `json:"setup"`
	Symbol  string  `json:"symbol"`
	Outcome string  `json:"outcome"`
}

type SetupSummary struct {
	Counts       map[string]int `json:"counts"`
	ApprovalRate float64        `json:"approval_rate"`
}

type SignalSummary struct {
	PerSetup map[string]SetupSummary `json:"per_setup"`
	Timeline []SignalEvent           `json:"timeline"`
}

// SummarizeSignals counts generated, blocked and approved signals per setup
// over the last limit ledger lines.
func SummarizeSignals(r EventReader, limit int) (SignalSummary, error) {
	if limit <= 0 {
		limit = 5000
	}
	events, err := r.ReadEvents(limit)
	if err != nil {
		return SignalSummary{}, fmt.Errorf("read ledger: %w", err)
	}

	counts := map[string]map[string]int{}
	timeline := []SignalEvent{}
	for _, ev := range events {
		outcome, ok := signalOutcomes[ev.Kind]
		if !ok {
			continue
		}
		setup, symbol := signalIdentity(ev.Data)
		if symbol == "" {
			continue
		}
		if counts[setup] == nil {
			counts[setup] = map[string]int{}
		}
		counts[setup][outcome]++
		timeline = append(timeline, SignalEvent{TS: ev.TS, Setup: setup, Symbol: symbol, Outcome: outcome})
	}

	summary := SignalSummary{PerSetup: make(map[string]SetupSummary, len(counts)), Timeline: timeline}
	for setup, c := range counts {
		rate := 0.0
		if g := c["generated"]; g > 0 {
			rate = float64(c["approved"]) / float64(g)
		}
		summary.PerSetup[setup] = SetupSummary{Counts: c, ApprovalRate: rate}
	}
	sort.SliceStable(summary.Timeline, func(i, j int) bool { return summary.Timeline[i].TS < summary.Timeline[j].TS })
	return summary, nil
}

// signalIdentity reads setup and symbol from the event data, falling back
// to the embedded signal payload.
func signalIdentity(data map[string]any) (setup, symbol string) {
	sig, _ := data["signal"].(map[string]any)
	setup = strings.ToUpper(firstString(data["setup"], sig["setup"]))
	if setup == "" {
		setup = "UNKNOWN"
	}
	symbol = strings.ToUpper(firstString(data["symbol"], sig["symbol"]))
	return setup, symbol
}

func firstString(vals ...any) string {
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(vals ...any) (float64, bool) {
	for _, v := range vals {
		switch n := v.(type) {
		case float64:
			if n != 0 {
				return n, true
			}
		case int:
			if n != 0 {
				return float64(n), true
			}
		}
	}
	return 0, false
}
