package config

import (
	"os"
	"strconv"
	"strings"
)

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// environ lists KEY=VALUE pairs for prefix scans.
var environ = os.Environ

// ApplyEnv overlays environment variables (usually loaded from .env) on top
// of the file configuration. Unparseable values are ignored.
func (c *Root) ApplyEnv() {
	if v, ok := lookupEnv("DRY_RUN"); ok {
		if truthy(v) {
			c.TradingMode = "dry-run"
		} else {
			c.TradingMode = "live"
		}
	}
	envString("TRADIER_ACCESS_TOKEN", &c.Broker.AccessToken)
	envString("TRADIER_ACCOUNT_ID", &c.Broker.AccountID)
	envString("TRADIER_ENV", &c.Broker.Env)
	envString("POLYGON_API_KEY", &c.Polygon.APIKey)
	envInt("SCAN_INTERVAL_SEC", &c.ScanIntervalSec)
	envString("SESSION_POLICY_FILE", &c.SessionPolicyFile)
	envString("BARS_PROVIDER", &c.Data.BarsProvider)
	envInt("LOOKBACK_MIN", &c.Data.LookbackMin)

	envList("SYMBOLS", &c.Strategy.Symbols)
	envInt("ORDER_QTY", &c.Strategy.DefaultQty)
	envList("POWER_HOUR_SYMBOLS", &c.Strategy.PowerHourSymbols)
	envString("POWER_HOUR_START", &c.Strategy.PowerHourStart)
	envInt("VWAP_COOLDOWN_SEC", &c.Strategy.CooldownSec)
	envFloat("VWAP_MIN_RVOL", &c.Strategy.VWAPMinRVol)
	if v, ok := lookupEnv("SYMBOL_EXECUTION_MAP"); ok {
		c.Strategy.ExecutionMap = ParseExecutionMap(v)
	}

	envInt("RISK_MAX_CONCURRENT", &c.Risk.MaxConcurrent)
	envInt("RISK_MAX_OPEN_ORDERS", &c.Risk.MaxOpenOrders)
	envInt("RISK_MAX_POSITIONS_PER_SYMBOL", &c.Risk.MaxPositionsPerSymbol)
	envFloatPtr("RISK_MAX_ORDER_NOTIONAL_USD", &c.Risk.MaxOrderNotionalUSD)
	envFloatPtr("MIN_CASH_USD", &c.Risk.MinCashUSD)
	envString("TRADING_WINDOW_START", &c.Risk.TradingWindowStart)
	envString("TRADING_WINDOW_END", &c.Risk.TradingWindowEnd)
	envList("SYMBOL_WHITELIST", &c.Risk.Whitelist)
	envList("SYMBOL_BLACKLIST", &c.Risk.Blacklist)
	envInt("RISK_MAX_QTY", &c.Risk.MaxQty)
	if v, ok := lookupEnv("RISK_FAIL_CLOSED"); ok {
		c.Risk.FailClosed = truthy(v)
	}

	envFloat("RISK_PER_TRADE_USD", &c.Sizing.RiskPerTradeUSD)
	envFloat("RISK_STOP_ATR_MULTIPLIER", &c.Sizing.StopATRMult)
	envFloat("TARGET_ONE_ATR_MULTIPLIER", &c.Sizing.TargetOneATRMult)
	envFloat("TARGET_TWO_ATR_MULTIPLIER", &c.Sizing.TargetTwoATRMult)
	envFloatPtr("STOP_PCT", &c.Sizing.StopPct)
	envFloatPtr("TP_PCT", &c.Sizing.TPPct)

	envFloat("PARTIAL_EXIT_PCT", &c.Exits.PartialExitPct)
	envInt("TRADE_TIMEOUT_MIN", &c.Exits.TradeTimeoutMin)
	envFloatPtr("TRAIL_PCT", &c.Exits.TrailPct)
	envFloatPtr("TRAIL_ACT_PCT", &c.Exits.TrailActivationPct)

	envFloat("ENTRY_SPREAD_BPS", &c.Entry.SpreadBps)
	envFloat("ENTRY_LIMIT_OFFSET_BPS", &c.Entry.LimitOffsetBps)

	if v, ok := lookupEnv("ENABLE_OPTIONS_FEEDBACK"); ok {
		c.Options.Enabled = truthy(v)
	}
	envFloat("OPTIONS_MIN_VOLUME", &c.Options.MinVolume)
	envFloat("OPTIONS_MAX_IV", &c.Options.MaxIV)
	envInt("OPTIONS_CACHE_TTL_SEC", &c.Options.CacheTTLSec)

	if v, ok := lookupEnv("STATE_DIR"); ok && v != "" {
		c.State.Dir = v
		c.LedgerPath = v + "/events.jsonl"
	}
	envString("LEDGER_PATH", &c.LedgerPath)
	envString("REDIS_ADDR", &c.State.RedisAddr)
	envString("REDIS_PASSWORD", &c.State.RedisPassword)
	if v, ok := lookupEnv("DATABASE_URL"); ok && v != "" {
		c.Storage.DatabaseURL = v
		c.Storage.Driver = "postgres"
	}
	envString("STORAGE_DRIVER", &c.Storage.Driver)
	envString("API_ADDR", &c.API.Addr)
	envString("LOG_LEVEL", &c.Log.Level)

	c.applySetupEnv()
	c.envSymbols = symbolEnvOverrides()
}

// per-setup sizing: RISK_PER_TRADE_<SETUP>, RISK_STOP_ATR_MULTIPLIER_<SETUP>, ...
func (c *Root) applySetupEnv() {
	prefixes := map[string]func(*SetupSizing, float64){
		"RISK_PER_TRADE_":            func(s *SetupSizing, v float64) { s.RiskPerTradeUSD = &v },
		"RISK_STOP_ATR_MULTIPLIER_":  func(s *SetupSizing, v float64) { s.StopATRMult = &v },
		"TARGET_ONE_ATR_MULTIPLIER_": func(s *SetupSizing, v float64) { s.TargetOneATRMult = &v },
		"TARGET_TWO_ATR_MULTIPLIER_": func(s *SetupSizing, v float64) { s.TargetTwoATRMult = &v },
	}
	for _, kv := range environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "RISK_PER_TRADE_USD" {
			continue
		}
		for prefix, set := range prefixes {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			setup := strings.TrimPrefix(key, prefix)
			f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if setup == "" || err != nil {
				continue
			}
			if c.Sizing.Setups == nil {
				c.Sizing.Setups = map[string]SetupSizing{}
			}
			s := c.Sizing.Setups[setup]
			set(&s, f)
			c.Sizing.Setups[setup] = s
		}
	}
}

// ParseExecutionMap parses "SPX:SPY,NDX:QQQ".
func ParseExecutionMap(s string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(s, ",") {
		src, dst, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		src = strings.ToUpper(strings.TrimSpace(src))
		dst = strings.ToUpper(strings.TrimSpace(dst))
		if src != "" && dst != "" {
			out[src] = dst
		}
	}
	return out
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envString(key string, dst *string) {
	if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func envInt(key string, dst *int) {
	if v, ok := lookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := lookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}

func envFloatPtr(key string, dst **float64) {
	if v, ok := lookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = &f
		}
	}
}

func envList(key string, dst *[]string) {
	v, ok := lookupEnv(key)
	if !ok {
		return
	}
	*dst = upperList(strings.Split(v, ","))
}
