// Package session resolves the time-of-day trading policy that restricts
// which setups may fire and under what thresholds.
package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is minutes since local midnight.
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay(h*60 + m), nil
}

// At returns the time of day of t in loc.
func At(t time.Time, loc *time.Location) TimeOfDay {
	local := t.In(loc)
	return TimeOfDay(local.Hour()*60 + local.Minute())
}

// SecondsAt returns seconds since local midnight of t in loc.
func SecondsAt(t time.Time, loc *time.Location) int {
	local := t.In(loc)
	return local.Hour()*3600 + local.Minute()*60 + local.Second()
}

// Seconds converts t to seconds since midnight.
func (t TimeOfDay) Seconds() int { return int(t) * 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Policy is a named, time-windowed ruleset. Ban always wins over allow; an
// empty allow set admits every setup that is not banned.
type Policy struct {
	Name          string
	Start         TimeOfDay
	End           TimeOfDay
	AllowSetups   map[string]struct{}
	BanSetups     map[string]struct{}
	RVolMin       *float64
	EMA20SlopeMin *float64
	EMA20SlopeMax *float64
	TimeStopSec   *int
	MaxTrades     *int
	ETFOnly       bool
}

func (p *Policy) AllowsSetup(setup string) bool {
	s := strings.ToUpper(strings.TrimSpace(setup))
	if s == "" {
		return false
	}
	if _, banned := p.BanSetups[s]; banned {
		return false
	}
	if len(p.AllowSetups) > 0 {
		_, ok := p.AllowSetups[s]
		return ok
	}
	return true
}

// Contains reports whether t falls inside [Start, End] in loc.
func (p *Policy) Contains(t time.Time, loc *time.Location) bool {
	now := SecondsAt(t, loc)
	return p.Start.Seconds() <= now && now <= p.End.Seconds()
}

// Config holds every policy sorted by (start, end).
type Config struct {
	Sessions []*Policy
	Location *time.Location
}

// NewConfig sorts sessions for deterministic lookup.
func NewConfig(sessions []*Policy, loc *time.Location) *Config {
	if loc == nil {
		loc = time.UTC
	}
	sorted := append([]*Policy(nil), sessions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End < sorted[j].End
	})
	return &Config{Sessions: sorted, Location: loc}
}

// Current returns the first policy whose window contains t, or nil. A nil
// config has no sessions.
func (c *Config) Current(t time.Time) *Policy {
	if c == nil {
		return nil
	}
	for _, p := range c.Sessions {
		if p.Contains(t, c.Location) {
			return p
		}
	}
	return nil
}

// Names lists session names in lookup order.
func (c *Config) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Sessions))
	for _, p := range c.Sessions {
		out = append(out, p.Name)
	}
	return out
}
