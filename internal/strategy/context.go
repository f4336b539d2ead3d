package strategy

import (
	"sync"
	"time"
)

type emitKey struct {
	setup  string
	symbol string
}

// Context is the cooldown and per-session trade-count state shared by every
// play across scan ticks. Cooldowns are scoped per (setup, symbol).
type Context struct {
	mu            sync.RWMutex
	lastEmit      map[emitKey]time.Time
	sessionDay    string
	sessionTrades map[string]int
}

func NewContext() *Context {
	return &Context{
		lastEmit:      make(map[emitKey]time.Time),
		sessionTrades: make(map[string]int),
	}
}

// CanEmit reports whether at least cooldown has elapsed since the last
// emission for (setup, symbol).
func (c *Context) CanEmit(setup, symbol string, at time.Time, cooldown time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.lastEmit[emitKey{setup, symbol}]
	if !ok {
		return true
	}
	return at.Sub(last) >= cooldown
}

func (c *Context) MarkEmit(setup, symbol string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastEmit[emitKey{setup, symbol}] = at
}

// TakeSessionSlot counts one emission against a session's max_trades for
// the given trading day. It returns false without counting once the cap is
// reached. Counts reset when the day changes.
func (c *Context) TakeSessionSlot(sessionName, day string, max int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionDay != day {
		c.sessionDay = day
		c.sessionTrades = make(map[string]int)
	}
	if c.sessionTrades[sessionName] >= max {
		return false
	}
	c.sessionTrades[sessionName]++
	return true
}

// HasSessionSlot reports whether a session still has room under max for
// the given trading day, without counting anything.
func (c *Context) HasSessionSlot(sessionName, day string, max int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sessionDay != day {
		return max > 0
	}
	return c.sessionTrades[sessionName] < max
}

// Clone returns an independent copy, used for dry previews that must not
// consume cooldowns.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := NewContext()
	for k, v := range c.lastEmit {
		out.lastEmit[k] = v
	}
	out.sessionDay = c.sessionDay
	for k, v := range c.sessionTrades {
		out.sessionTrades[k] = v
	}
	return out
}
