package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type fileFormat struct {
	Timezone string                   `yaml:"timezone"`
	Sessions map[string]sessionFormat `yaml:"sessions"`
}

type sessionFormat struct {
	TimeWindow    []string `yaml:"time_window"`
	AllowSetups   []string `yaml:"allow_setups"`
	BanSetups     []string `yaml:"ban_setups"`
	RVolMin       *float64 `yaml:"rvol_min"`
	EMA20SlopeMin *float64 `yaml:"ema20_slope_min"`
	EMA20SlopeMax *float64 `yaml:"ema20_slope_max"`
	TimeStopSec   *int     `yaml:"time_stop_sec"`
	MaxTrades     *int     `yaml:"max_trades"`
	ETFOnly       bool     `yaml:"etf_only"`
}

// Load reads a session policy file. A missing file is not an error: it
// yields an empty config, which means no session restrictions.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewConfig(nil, newYork()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session policy file: %w", err)
	}
	return Parse(b)
}

// Parse decodes the YAML session policy format:
//
//	timezone: America/New_York
//	sessions:
//	  OPEN:
//	    time_window: ["09:30", "10:30"]
//	    allow_setups: [VWAP_RECLAIM]
//	    rvol_min: 1.5
func Parse(b []byte) (*Config, error) {
	var raw fileFormat
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse session policy: %w", err)
	}
	if len(raw.Sessions) == 0 {
		return nil, errors.New("session policy file must contain a 'sessions' mapping")
	}

	loc := newYork()
	if raw.Timezone != "" {
		l, err := time.LoadLocation(raw.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", raw.Timezone, err)
		}
		loc = l
	}

	policies := make([]*Policy, 0, len(raw.Sessions))
	for name, s := range raw.Sessions {
		p, err := buildPolicy(name, s)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return NewConfig(policies, loc), nil
}

func buildPolicy(name string, s sessionFormat) (*Policy, error) {
	if len(s.TimeWindow) != 2 {
		return nil, fmt.Errorf("session %s requires a time_window with [start, end]", name)
	}
	start, err := ParseTimeOfDay(s.TimeWindow[0])
	if err != nil {
		return nil, fmt.Errorf("session %s start: %w", name, err)
	}
	end, err := ParseTimeOfDay(s.TimeWindow[1])
	if err != nil {
		return nil, fmt.Errorf("session %s end: %w", name, err)
	}
	return &Policy{
		Name:          strings.ToUpper(name),
		Start:         start,
		End:           end,
		AllowSetups:   toSet(s.AllowSetups),
		BanSetups:     toSet(s.BanSetups),
		RVolMin:       s.RVolMin,
		EMA20SlopeMin: s.EMA20SlopeMin,
		EMA20SlopeMax: s.EMA20SlopeMax,
		TimeStopSec:   s.TimeStopSec,
		MaxTrades:     s.MaxTrades,
		ETFOnly:       s.ETFOnly,
	}, nil
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out[s] = struct{}{}
		}
	}
	return out
}

func newYork() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.UTC
	}
	return loc
}
