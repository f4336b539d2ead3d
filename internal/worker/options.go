package worker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/autotrader/internal/adapters"
	"github.com/Rajchodisetti/autotrader/internal/config"
)

type feedbackEntry struct {
	at   time.Time
	data *adapters.OptionFeedback
}

// optionsGate blocks signals whose underlying shows no options activity or
// an inflated call IV. Errors allow the signal; a permission error turns
// the gate off for the life of the process.
type optionsGate struct {
	mu       sync.Mutex
	feed     adapters.OptionsFeed
	cfg      config.Options
	cache    map[string]feedbackEntry
	disabled bool
	now      func() time.Time
	log      zerolog.Logger
}

func newOptionsGate(feed adapters.OptionsFeed, cfg config.Options, log zerolog.Logger) *optionsGate {
	return &optionsGate{
		feed:  feed,
		cfg:   cfg,
		cache: map[string]feedbackEntry{},
		now:   time.Now,
		log:   log,
	}
}

func (g *optionsGate) enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.Enabled && g.feed != nil && !g.disabled
}

func (g *optionsGate) Allows(ctx context.Context, symbol string) bool {
	if !g.enabled() {
		return true
	}
	sym := strings.ToUpper(symbol)
	data := g.lookup(ctx, sym)
	if data == nil {
		return true
	}
	if data.CallVolume < g.cfg.MinVolume && data.PutVolume < g.cfg.MinVolume {
		return false
	}
	if g.cfg.MaxIV > 0 && data.CallIV > g.cfg.MaxIV {
		return false
	}
	return true
}

func (g *optionsGate) lookup(ctx context.Context, sym string) *adapters.OptionFeedback {
	ttl := time.Duration(g.cfg.CacheTTLSec) * time.Second
	now := g.now()

	g.mu.Lock()
	if e, ok := g.cache[sym]; ok && now.Sub(e.at) <= ttl {
		g.mu.Unlock()
		return e.data
	}
	g.mu.Unlock()

	data, err := g.feed.OptionFeedback(ctx, sym)
	if err != nil {
		if adapters.IsPermission(err) {
			g.mu.Lock()
			g.disabled = true
			g.mu.Unlock()
			g.log.Warn().Err(err).Msg("options feedback not permitted, gate disabled")
			return nil
		}
		g.log.Warn().Err(err).Str("symbol", sym).Msg("options feedback error")
		return nil
	}
	if data != nil {
		g.mu.Lock()
		g.cache[sym] = feedbackEntry{at: now, data: data}
		g.mu.Unlock()
	}
	return data
}
