package config

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Broker struct {
	AccessToken        string  `yaml:"access_token"`
	AccountID          string  `yaml:"account_id"`
	Env                string  `yaml:"env"` // sandbox | live
	TimeoutSeconds     int     `yaml:"timeout_seconds"`
	MaxRetries         int     `yaml:"max_retries"`
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	BarCacheSeconds    int     `yaml:"bar_cache_seconds"`
}

type Polygon struct {
	APIKey             string `yaml:"api_key"`
	BaseURL            string `yaml:"base_url"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
	CacheTTLSeconds    int    `yaml:"cache_ttl_seconds"`
}

type Data struct {
	BarsProvider     string `yaml:"bars_provider"` // tradier | polygon
	LookbackMin      int    `yaml:"lookback_min"`
	OpeningRangeBars int    `yaml:"opening_range_bars"`
}

type Strategy struct {
	Symbols          []string          `yaml:"symbols"`
	DefaultQty       int               `yaml:"default_qty"`
	ExecutionMap     map[string]string `yaml:"execution_map"` // source -> execution symbol
	PowerHourSymbols []string          `yaml:"power_hour_symbols"`
	PowerHourStart   string            `yaml:"power_hour_start"`
	CooldownSec      int               `yaml:"cooldown_sec"`
	SetupCooldowns   map[string]int    `yaml:"setup_cooldowns"`
	VWAPMinRVol      float64           `yaml:"vwap_min_rvol"`
	SigmaMinRVol     float64           `yaml:"sigma_min_rvol"`
	HODPullbackATR   float64           `yaml:"hod_pullback_atr"`
	ETFSymbols       []string          `yaml:"etf_symbols"`
	Timezone         string            `yaml:"timezone"`
}

type Risk struct {
	MaxConcurrent         int      `yaml:"max_concurrent"`
	MaxOpenOrders         int      `yaml:"max_open_orders"`
	MaxPositionsPerSymbol int      `yaml:"max_positions_per_symbol"`
	MaxOrderNotionalUSD   *float64 `yaml:"max_order_notional_usd"`
	MinCashUSD            *float64 `yaml:"min_cash_usd"`
	TradingWindowStart    string   `yaml:"trading_window_start"` // America/New_York HH:MM
	TradingWindowEnd      string   `yaml:"trading_window_end"`
	Whitelist             []string `yaml:"symbol_whitelist"`
	Blacklist             []string `yaml:"symbol_blacklist"`
	FailClosed            bool     `yaml:"fail_closed"`
	MaxQty                int      `yaml:"max_qty"` // 0 disables
}

type SetupSizing struct {
	RiskPerTradeUSD  *float64 `yaml:"risk_per_trade_usd"`
	StopATRMult      *float64 `yaml:"stop_atr_multiplier"`
	TargetOneATRMult *float64 `yaml:"target_one_atr_multiplier"`
	TargetTwoATRMult *float64 `yaml:"target_two_atr_multiplier"`
}

type Sizing struct {
	RiskPerTradeUSD  float64                `yaml:"risk_per_trade_usd"`
	StopATRMult      float64                `yaml:"stop_atr_multiplier"`
	TargetOneATRMult float64                `yaml:"target_one_atr_multiplier"`
	TargetTwoATRMult float64                `yaml:"target_two_atr_multiplier"`
	StopPct          *float64               `yaml:"stop_pct"`
	TPPct            *float64               `yaml:"tp_pct"`
	Setups           map[string]SetupSizing `yaml:"setups"`
}

type Exits struct {
	PartialExitPct     float64  `yaml:"partial_exit_pct"`
	TradeTimeoutMin    int      `yaml:"trade_timeout_min"`
	TrailPct           *float64 `yaml:"trail_pct"`
	TrailActivationPct *float64 `yaml:"trail_activation_pct"`
	EMAExitMinBars     int      `yaml:"ema_exit_min_bars"`
	EMAExitLookbackMin int      `yaml:"ema_exit_lookback_min"`
}

type Entry struct {
	SpreadBps      float64 `yaml:"spread_bps"`
	LimitOffsetBps float64 `yaml:"limit_offset_bps"`
}

type Options struct {
	Enabled     bool    `yaml:"enabled"`
	MinVolume   float64 `yaml:"min_volume"`
	MaxIV       float64 `yaml:"max_iv"`
	CacheTTLSec int     `yaml:"cache_ttl_sec"`
}

type Storage struct {
	Driver      string `yaml:"driver"` // sqlite | postgres | none
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`
}

type State struct {
	Dir           string `yaml:"dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type API struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type Log struct {
	Level string `yaml:"level"`
}

type Root struct {
	TradingMode       string                    `yaml:"trading_mode"` // dry-run | live
	ScanIntervalSec   int                       `yaml:"scan_interval_sec"`
	SessionPolicyFile string                    `yaml:"session_policy_file"`
	LedgerPath        string                    `yaml:"ledger_path"`
	Broker            Broker                    `yaml:"broker"`
	Polygon           Polygon                   `yaml:"polygon"`
	Data              Data                      `yaml:"data"`
	Strategy          Strategy                  `yaml:"strategy"`
	Risk              Risk                      `yaml:"risk"`
	Sizing            Sizing                    `yaml:"sizing"`
	Exits             Exits                     `yaml:"exits"`
	Entry             Entry                     `yaml:"entry"`
	Options           Options                   `yaml:"options"`
	Storage           Storage                   `yaml:"storage"`
	State             State                     `yaml:"state"`
	API               API                       `yaml:"api"`
	Log               Log                       `yaml:"log"`
	SymbolOverrides   map[string]SymbolOverride `yaml:"symbol_overrides"`

	// populated from QTY_<SYM>, STOP_PCT_<SYM>, ... by ApplyEnv
	envSymbols map[string]SymbolOverride
}

// DryRun reports whether orders are journaled instead of sent.
func (c Root) DryRun() bool {
	return c.TradingMode != "live"
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

// Default returns the configuration used when no file is present.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyDefaults(c *Root) {
	if c.TradingMode == "" {
		c.TradingMode = "dry-run"
	}
	if c.ScanIntervalSec == 0 {
		c.ScanIntervalSec = 30
	}
	if c.SessionPolicyFile == "" {
		c.SessionPolicyFile = "config/session_policies.yaml"
	}

	// Broker defaults
	if c.Broker.Env == "" {
		c.Broker.Env = "sandbox"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 10
	}
	if c.Broker.MaxRetries == 0 {
		c.Broker.MaxRetries = 3
	}
	if c.Broker.RateLimitPerSecond == 0 {
		c.Broker.RateLimitPerSecond = 2
	}
	if c.Broker.BarCacheSeconds == 0 {
		c.Broker.BarCacheSeconds = 30
	}

	if c.Polygon.BaseURL == "" {
		c.Polygon.BaseURL = "https://api.polygon.io"
	}

	if c.Data.BarsProvider == "" {
		c.Data.BarsProvider = "tradier"
	}
	if c.Data.LookbackMin == 0 {
		c.Data.LookbackMin = 180
	}
	if c.Data.OpeningRangeBars == 0 {
		c.Data.OpeningRangeBars = 15
	}

	// Strategy defaults
	if len(c.Strategy.Symbols) == 0 {
		c.Strategy.Symbols = []string{"AAPL", "MSFT", "TSLA", "SPY", "QQQ"}
	}
	c.Strategy.Symbols = upperList(c.Strategy.Symbols)
	if c.Strategy.DefaultQty == 0 {
		c.Strategy.DefaultQty = 1
	}
	if c.Strategy.PowerHourStart == "" {
		c.Strategy.PowerHourStart = "15:00"
	}
	c.Strategy.PowerHourSymbols = upperList(c.Strategy.PowerHourSymbols)
	if c.Strategy.CooldownSec == 0 {
		c.Strategy.CooldownSec = 300
	}
	if c.Strategy.VWAPMinRVol == 0 {
		c.Strategy.VWAPMinRVol = 1.0
	}
	if c.Strategy.SigmaMinRVol == 0 {
		c.Strategy.SigmaMinRVol = 0.9
	}
	if c.Strategy.HODPullbackATR == 0 {
		c.Strategy.HODPullbackATR = 0.5
	}
	if len(c.Strategy.ETFSymbols) == 0 {
		c.Strategy.ETFSymbols = []string{"SPY", "QQQ", "IWM", "DIA"}
	}
	c.Strategy.ETFSymbols = upperList(c.Strategy.ETFSymbols)
	if c.Strategy.Timezone == "" {
		c.Strategy.Timezone = "America/New_York"
	}
	c.Strategy.ExecutionMap = upperMap(c.Strategy.ExecutionMap)

	// Risk defaults
	if c.Risk.MaxConcurrent == 0 {
		c.Risk.MaxConcurrent = 3
	}
	if c.Risk.MaxOpenOrders == 0 {
		c.Risk.MaxOpenOrders = 5
	}
	if c.Risk.MaxPositionsPerSymbol == 0 {
		c.Risk.MaxPositionsPerSymbol = 1
	}
	if c.Risk.TradingWindowStart == "" {
		c.Risk.TradingWindowStart = "09:31"
	}
	if c.Risk.TradingWindowEnd == "" {
		c.Risk.TradingWindowEnd = "15:55"
	}
	c.Risk.Whitelist = upperList(c.Risk.Whitelist)
	c.Risk.Blacklist = upperList(c.Risk.Blacklist)

	// Sizing defaults
	if c.Sizing.StopATRMult == 0 {
		c.Sizing.StopATRMult = 1.2
	}
	if c.Sizing.TargetOneATRMult == 0 {
		c.Sizing.TargetOneATRMult = 1.0
	}
	if c.Sizing.TargetTwoATRMult == 0 {
		c.Sizing.TargetTwoATRMult = 2.0
	}
	if len(c.Sizing.Setups) > 0 {
		setups := make(map[string]SetupSizing, len(c.Sizing.Setups))
		for k, v := range c.Sizing.Setups {
			setups[strings.ToUpper(k)] = v
		}
		c.Sizing.Setups = setups
	}

	// Exit defaults
	if c.Exits.PartialExitPct == 0 {
		c.Exits.PartialExitPct = 0.5
	}
	if c.Exits.TradeTimeoutMin == 0 {
		c.Exits.TradeTimeoutMin = 30
	}
	if c.Exits.EMAExitMinBars == 0 {
		c.Exits.EMAExitMinBars = 60
	}
	if c.Exits.EMAExitLookbackMin == 0 {
		c.Exits.EMAExitLookbackMin = 180
	}

	if c.Entry.SpreadBps == 0 {
		c.Entry.SpreadBps = 5
	}
	if c.Entry.LimitOffsetBps == 0 {
		c.Entry.LimitOffsetBps = 1
	}

	if c.Options.CacheTTLSec == 0 {
		c.Options.CacheTTLSec = 300
	}

	if c.State.Dir == "" {
		c.State.Dir = "data/state"
	}
	if c.State.RedisPrefix == "" {
		c.State.RedisPrefix = "autotrader"
	}
	if c.LedgerPath == "" {
		c.LedgerPath = c.State.Dir + "/events.jsonl"
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/autotrader.db"
	}

	if c.API.Addr == "" {
		c.API.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if len(c.SymbolOverrides) > 0 {
		ov := make(map[string]SymbolOverride, len(c.SymbolOverrides))
		for k, v := range c.SymbolOverrides {
			ov[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		c.SymbolOverrides = ov
	}
}

// SetupParams returns sizing multipliers for a setup, falling back to the
// global values when the setup carries no override.
func (s Sizing) SetupParams(setup string) (riskPerTrade, stopMult, t1Mult, t2Mult float64) {
	riskPerTrade, stopMult, t1Mult, t2Mult = s.RiskPerTradeUSD, s.StopATRMult, s.TargetOneATRMult, s.TargetTwoATRMult
	ov, ok := s.Setups[strings.ToUpper(setup)]
	if !ok {
		return
	}
	if ov.RiskPerTradeUSD != nil {
		riskPerTrade = *ov.RiskPerTradeUSD
	}
	if ov.StopATRMult != nil && *ov.StopATRMult > 0 {
		stopMult = *ov.StopATRMult
	}
	if ov.TargetOneATRMult != nil && *ov.TargetOneATRMult > 0 {
		t1Mult = *ov.TargetOneATRMult
	}
	if ov.TargetTwoATRMult != nil && *ov.TargetTwoATRMult > 0 {
		t2Mult = *ov.TargetTwoATRMult
	}
	return
}

// Redacted returns a copy safe to print or serve.
func (c Root) Redacted() Root {
	out := c
	out.Broker.AccessToken = mask(c.Broker.AccessToken)
	out.Polygon.APIKey = mask(c.Polygon.APIKey)
	out.State.RedisPassword = mask(c.State.RedisPassword)
	out.Storage.DatabaseURL = mask(c.Storage.DatabaseURL)
	return out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func upperList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func upperMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k = strings.ToUpper(strings.TrimSpace(k))
		v = strings.ToUpper(strings.TrimSpace(v))
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}
