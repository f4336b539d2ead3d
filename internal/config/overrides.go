package config

import (
	"sort"
	"strconv"
	"strings"
)

// SymbolOverride holds per-symbol adjustments. Nil fields inherit.
type SymbolOverride struct {
	Qty                *int     `yaml:"qty" json:"qty,omitempty"`
	StopPct            *float64 `yaml:"stop_pct" json:"stop_pct,omitempty"`
	TPPct              *float64 `yaml:"tp_pct" json:"tp_pct,omitempty"`
	TrailPct           *float64 `yaml:"trail_pct" json:"trail_pct,omitempty"`
	TrailActivationPct *float64 `yaml:"trail_activation_pct" json:"trail_activation_pct,omitempty"`
	NotionalCap        *float64 `yaml:"notional_cap" json:"notional_cap,omitempty"`
	Window             string   `yaml:"window" json:"window,omitempty"` // HH:MM-HH:MM
}

func (o SymbolOverride) merge(top SymbolOverride) SymbolOverride {
	if top.Qty != nil {
		o.Qty = top.Qty
	}
	if top.StopPct != nil {
		o.StopPct = top.StopPct
	}
	if top.TPPct != nil {
		o.TPPct = top.TPPct
	}
	if top.TrailPct != nil {
		o.TrailPct = top.TrailPct
	}
	if top.TrailActivationPct != nil {
		o.TrailActivationPct = top.TrailActivationPct
	}
	if top.NotionalCap != nil {
		o.NotionalCap = top.NotionalCap
	}
	if top.Window != "" {
		o.Window = top.Window
	}
	return o
}

// Overrides resolves the per-symbol override set. Matches are layered from
// least to most specific: prefix patterns ("SP*") by length, the exact
// symbol key, then environment variables.
func (c Root) Overrides(symbol string) SymbolOverride {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	var out SymbolOverride
	if sym == "" {
		return out
	}

	var patterns []string
	for key := range c.SymbolOverrides {
		if prefix, ok := strings.CutSuffix(key, "*"); ok && strings.HasPrefix(sym, prefix) {
			patterns = append(patterns, key)
		}
	}
	sort.Slice(patterns, func(i, j int) bool { return len(patterns[i]) < len(patterns[j]) })
	for _, p := range patterns {
		out = out.merge(c.SymbolOverrides[p])
	}
	if exact, ok := c.SymbolOverrides[sym]; ok {
		out = out.merge(exact)
	}
	if env, ok := c.envSymbols[sym]; ok {
		out = out.merge(env)
	}
	return out
}

// ParseWindow splits "HH:MM-HH:MM".
func ParseWindow(w string) (start, end string, ok bool) {
	start, end, ok = strings.Cut(strings.TrimSpace(w), "-")
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	return start, end, ok && start != "" && end != ""
}

func symbolEnvOverrides() map[string]SymbolOverride {
	out := map[string]SymbolOverride{}
	set := func(sym string, fn func(*SymbolOverride)) {
		o := out[sym]
		fn(&o)
		out[sym] = o
	}
	for _, kv := range environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch {
		case strings.HasPrefix(key, "QTY_"):
			if n, err := strconv.Atoi(val); err == nil {
				set(envSymbol(key, "QTY_"), func(o *SymbolOverride) { o.Qty = &n })
			}
		case strings.HasPrefix(key, "STOP_PCT_"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				set(envSymbol(key, "STOP_PCT_"), func(o *SymbolOverride) { o.StopPct = &f })
			}
		case strings.HasPrefix(key, "TP_PCT_"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				set(envSymbol(key, "TP_PCT_"), func(o *SymbolOverride) { o.TPPct = &f })
			}
		case strings.HasPrefix(key, "TRAIL_PCT_"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				set(envSymbol(key, "TRAIL_PCT_"), func(o *SymbolOverride) { o.TrailPct = &f })
			}
		case strings.HasPrefix(key, "TRAIL_ACT_PCT_"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				set(envSymbol(key, "TRAIL_ACT_PCT_"), func(o *SymbolOverride) { o.TrailActivationPct = &f })
			}
		case strings.HasPrefix(key, "NOTIONAL_"):
			if f, err := strconv.ParseFloat(val, 64); err == nil {
				set(envSymbol(key, "NOTIONAL_"), func(o *SymbolOverride) { o.NotionalCap = &f })
			}
		case strings.HasPrefix(key, "WINDOW_"):
			if _, _, ok := ParseWindow(val); ok {
				set(envSymbol(key, "WINDOW_"), func(o *SymbolOverride) { o.Window = val })
			}
		}
	}
	delete(out, "")
	return out
}

// BRK_B in an env key stands for BRK.B.
func envSymbol(key, prefix string) string {
	return strings.ReplaceAll(strings.TrimPrefix(key, prefix), "_", ".")
}
