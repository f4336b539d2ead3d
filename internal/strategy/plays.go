package strategy

import (
	"math"
	"strings"
	"time"

	"github.com/Rajchodisetti/autotrader/internal/config"
	"github.com/Rajchodisetti/autotrader/internal/features"
	"github.com/Rajchodisetti/autotrader/internal/session"
)

// Play is one named setup rule.
type Play interface {
	Name() string
	AllowedIn(p *session.Policy) bool
	Evaluate(snap features.Snapshot, p *session.Policy, ctx *Context) []Signal
}

// PlayConfig carries the tunables shared by the built-in plays.
type PlayConfig struct {
	DefaultQty       int
	CooldownSec      int
	SetupCooldowns   map[string]int
	VWAPMinRVol      float64
	SigmaMinRVol     float64
	HODPullbackATR   float64
	PowerHourSymbols []string
	PowerHourStart   string
	Location         *time.Location
	Sizing           config.Sizing
}

func PlayConfigFrom(c config.Root) PlayConfig {
	loc, err := time.LoadLocation(c.Strategy.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return PlayConfig{
		DefaultQty:       c.Strategy.DefaultQty,
		CooldownSec:      c.Strategy.CooldownSec,
		SetupCooldowns:   c.Strategy.SetupCooldowns,
		VWAPMinRVol:      c.Strategy.VWAPMinRVol,
		SigmaMinRVol:     c.Strategy.SigmaMinRVol,
		HODPullbackATR:   c.Strategy.HODPullbackATR,
		PowerHourSymbols: c.Strategy.PowerHourSymbols,
		PowerHourStart:   c.Strategy.PowerHourStart,
		Location:         loc,
		Sizing:           c.Sizing,
	}
}

// DefaultPlays returns the four built-in setups.
func DefaultPlays(cfg PlayConfig) []Play {
	return []Play{
		&VWAPReclaim{cfg: cfg},
		&SigmaFade{cfg: cfg},
		&HODFail{cfg: cfg},
		&EMACross{cfg: cfg},
	}
}

func (c PlayConfig) cooldown(setup string) time.Duration {
	if sec, ok := c.SetupCooldowns[setup]; ok {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(c.CooldownSec) * time.Second
}

func (c PlayConfig) qty() int {
	if c.DefaultQty > 0 {
		return c.DefaultQty
	}
	return 1
}

// beforePowerHour reports whether a power-hour symbol is evaluated before
// the configured start. Unparseable starts fall back to 15:00.
func (c PlayConfig) beforePowerHour(symbol string, at time.Time) bool {
	listed := false
	for _, s := range c.PowerHourSymbols {
		if strings.EqualFold(s, symbol) {
			listed = true
			break
		}
	}
	if !listed {
		return false
	}
	start, err := session.ParseTimeOfDay(c.PowerHourStart)
	if err != nil {
		start = 15 * 60
	}
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	return session.At(at, loc) < start
}

// rvolFloor is the stricter of the configured minimum and the session's.
func rvolFloor(base float64, p *session.Policy) float64 {
	if p != nil && p.RVolMin != nil {
		return math.Max(base, *p.RVolMin)
	}
	return base
}

func allowedIn(name string, p *session.Policy) bool {
	return p == nil || p.AllowsSetup(name)
}

// emit builds a buy signal bracketed by ATR multiples around the last
// price and marks the cooldown.
func (c PlayConfig) emit(setup, reason string, snap features.Snapshot, ctx *Context) Signal {
	last := *snap.LastPrice
	_, stopMult, t1Mult, t2Mult := c.Sizing.SetupParams(setup)
	sig := Signal{
		Symbol:       snap.Symbol,
		SourceSymbol: snap.Symbol,
		Setup:        setup,
		Side:         SideBuy,
		Qty:          c.qty(),
		OrderType:    "market",
		Duration:     "day",
		Entry:        ptr(last),
		Reason:       reason,
		GeneratedAt:  snap.AsOf,
	}
	if snap.ATR14 != nil && *snap.ATR14 > 0 {
		atr := *snap.ATR14
		sig.ATR = ptr(atr)
		sig.Stop = ptr(last - stopMult*atr)
		sig.Target1 = ptr(last + t1Mult*atr)
		sig.Target2 = ptr(last + t2Mult*atr)
	}
	sig.setMeta("last_price", last)
	sig.setMeta("vwap", snap.VWAP)
	sig.setMeta("relative_volume", snap.RelativeVolume)
	sig.setMeta("ema20", snap.EMA20)
	sig.setMeta("ema50", snap.EMA50)
	sig.setMeta("ema20_slope", snap.EMA20Slope)
	sig.setMeta("market_regime_score", snap.RegimeScore)
	ctx.MarkEmit(setup, snap.Symbol, snap.AsOf)
	return sig
}

// VWAPReclaim fires when price crosses from below VWAP to above it with
// trend and volume confirmation.
type VWAPReclaim struct{ cfg PlayConfig }

func (*VWAPReclaim) Name() string                       { return SetupVWAPReclaim }
func (v *VWAPReclaim) AllowedIn(p *session.Policy) bool { return allowedIn(v.Name(), p) }

func (v *VWAPReclaim) Evaluate(snap features.Snapshot, p *session.Policy, ctx *Context) []Signal {
	if snap.LastPrice == nil || snap.PrevClose == nil || snap.VWAP == nil {
		return nil
	}
	last, prev, vwap := *snap.LastPrice, *snap.PrevClose, *snap.VWAP
	if !(prev < vwap && last > vwap) {
		return nil
	}
	if snap.EMA20 != nil && snap.EMA50 != nil && *snap.EMA20 <= *snap.EMA50 {
		return nil
	}
	if snap.EMA20Slope != nil {
		slope := *snap.EMA20Slope
		if slope < 0 {
			return nil
		}
		if p != nil && p.EMA20SlopeMin != nil && slope < *p.EMA20SlopeMin {
			return nil
		}
		if p != nil && p.EMA20SlopeMax != nil && slope > *p.EMA20SlopeMax {
			return nil
		}
	}
	if snap.RelativeVolume != nil && *snap.RelativeVolume < rvolFloor(v.cfg.VWAPMinRVol, p) {
		return nil
	}
	if v.cfg.beforePowerHour(snap.Symbol, snap.AsOf) {
		return nil
	}
	if !ctx.CanEmit(v.Name(), snap.Symbol, snap.AsOf, v.cfg.cooldown(v.Name())) {
		return nil
	}
	return []Signal{v.cfg.emit(v.Name(), "vwap_reclaim", snap, ctx)}
}

// SigmaFade buys a stretch to the lower sigma band in a non-bearish trend.
type SigmaFade struct{ cfg PlayConfig }

func (*SigmaFade) Name() string                       { return SetupSigmaFade }
func (s *SigmaFade) AllowedIn(p *session.Policy) bool { return allowedIn(s.Name(), p) }

func (s *SigmaFade) Evaluate(snap features.Snapshot, p *session.Policy, ctx *Context) []Signal {
	if snap.LastPrice == nil || snap.SigmaLower == nil {
		return nil
	}
	if *snap.LastPrice > *snap.SigmaLower {
		return nil
	}
	if snap.RelativeVolume != nil && *snap.RelativeVolume < rvolFloor(s.cfg.SigmaMinRVol, p) {
		return nil
	}
	if snap.EMA20 != nil && snap.EMA50 != nil && *snap.EMA20 < *snap.EMA50 {
		return nil
	}
	if !ctx.CanEmit(s.Name(), snap.Symbol, snap.AsOf, s.cfg.cooldown(s.Name())) {
		return nil
	}
	sig := s.cfg.emit(s.Name(), "sigma_fade", snap, ctx)
	sig.setMeta("sigma_lower", *snap.SigmaLower)
	return []Signal{sig}
}

// HODFail buys a controlled pullback from the high of day that holds
// above VWAP.
type HODFail struct{ cfg PlayConfig }

func (*HODFail) Name() string                       { return SetupHODFail }
func (h *HODFail) AllowedIn(p *session.Policy) bool { return allowedIn(h.Name(), p) }

func (h *HODFail) Evaluate(snap features.Snapshot, p *session.Policy, ctx *Context) []Signal {
	if snap.LastPrice == nil || snap.HOD == nil || snap.ATR14 == nil || snap.VWAP == nil {
		return nil
	}
	last, hod, atr := *snap.LastPrice, *snap.HOD, *snap.ATR14
	if atr <= 0 || hod-last < h.cfg.HODPullbackATR*atr {
		return nil
	}
	if last <= *snap.VWAP {
		return nil
	}
	if snap.EMA20 != nil && snap.EMA50 != nil && *snap.EMA20 < *snap.EMA50 {
		return nil
	}
	if !ctx.CanEmit(h.Name(), snap.Symbol, snap.AsOf, h.cfg.cooldown(h.Name())) {
		return nil
	}
	sig := h.cfg.emit(h.Name(), "hod_failure", snap, ctx)
	sig.setMeta("hod", hod)
	sig.setMeta("pullback_atr", (hod-last)/atr)
	return []Signal{sig}
}

// EMACross is the legacy EMA20/EMA50 upward cross.
type EMACross struct{ cfg PlayConfig }

func (*EMACross) Name() string                       { return SetupEMACross }
func (e *EMACross) AllowedIn(p *session.Policy) bool { return allowedIn(e.Name(), p) }

func (e *EMACross) Evaluate(snap features.Snapshot, p *session.Policy, ctx *Context) []Signal {
	if snap.EMA20 == nil || snap.EMA50 == nil || snap.EMA20Prev == nil || snap.EMA50Prev == nil {
		return nil
	}
	if snap.LastPrice == nil {
		return nil
	}
	diffPrev := *snap.EMA20Prev - *snap.EMA50Prev
	diffNow := *snap.EMA20 - *snap.EMA50
	if !(diffPrev <= 0 && diffNow > 0) || *snap.LastPrice <= *snap.EMA50 {
		return nil
	}
	if !ctx.CanEmit(e.Name(), snap.Symbol, snap.AsOf, e.cfg.cooldown(e.Name())) {
		return nil
	}
	return []Signal{e.cfg.emit(e.Name(), "ema20_cross_up", snap, ctx)}
}

func ptr(v float64) *float64 { return &v }
