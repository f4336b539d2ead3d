package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	prevLookup, prevEnviron := lookupEnv, environ
	lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	environ = func() []string {
		out := make([]string, 0, len(env))
		for k, v := range env {
			out = append(out, k+"="+v)
		}
		return out
	}
	t.Cleanup(func() { lookupEnv, environ = prevLookup, prevEnviron })
}

func TestDefaults(t *testing.T) {
	c := Default()
	assert.True(t, c.DryRun())
	assert.Equal(t, 30, c.ScanIntervalSec)
	assert.Equal(t, []string{"AAPL", "MSFT", "TSLA", "SPY", "QQQ"}, c.Strategy.Symbols)
	assert.Equal(t, 3, c.Risk.MaxConcurrent)
	assert.Equal(t, 5, c.Risk.MaxOpenOrders)
	assert.Equal(t, 1, c.Risk.MaxPositionsPerSymbol)
	assert.Equal(t, "09:31", c.Risk.TradingWindowStart)
	assert.Equal(t, "15:55", c.Risk.TradingWindowEnd)
	assert.Nil(t, c.Risk.MaxOrderNotionalUSD)
	assert.Equal(t, 1.2, c.Sizing.StopATRMult)
	assert.Equal(t, 0.5, c.Exits.PartialExitPct)
	assert.Equal(t, 180, c.Data.LookbackMin)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "autotrader.yaml")
	body := `
trading_mode: live
strategy:
  symbols: [spx, aapl]
  execution_map: {spx: spy}
risk:
  max_order_notional_usd: 2500
sizing:
  risk_per_trade_usd: 50
  setups:
    vwap_reclaim:
      stop_atr_multiplier: 0.8
symbol_overrides:
  "sp*":
    qty: 5
    stop_pct: 0.01
  spy:
    stop_pct: 0.02
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.False(t, c.DryRun())
	assert.Equal(t, []string{"SPX", "AAPL"}, c.Strategy.Symbols)
	assert.Equal(t, "SPY", c.Strategy.ExecutionMap["SPX"])
	require.NotNil(t, c.Risk.MaxOrderNotionalUSD)
	assert.Equal(t, 2500.0, *c.Risk.MaxOrderNotionalUSD)

	risk, stop, t1, t2 := c.Sizing.SetupParams("VWAP_RECLAIM")
	assert.Equal(t, 50.0, risk)
	assert.Equal(t, 0.8, stop)
	assert.Equal(t, 1.0, t1)
	assert.Equal(t, 2.0, t2)

	ov := c.Overrides("spy")
	require.NotNil(t, ov.Qty)
	assert.Equal(t, 5, *ov.Qty)
	require.NotNil(t, ov.StopPct)
	assert.Equal(t, 0.02, *ov.StopPct, "exact key beats prefix pattern")

	assert.Nil(t, c.Overrides("AAPL").Qty)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.True(t, os.IsNotExist(err))
}

func TestApplyEnv(t *testing.T) {
	withEnv(t, map[string]string{
		"DRY_RUN":                     "0",
		"SYMBOLS":                     "spx, msft",
		"SYMBOL_EXECUTION_MAP":        "SPX:SPY,NDX:QQQ",
		"RISK_MAX_ORDER_NOTIONAL_USD": "500",
		"RISK_PER_TRADE_USD":          "200",
		"RISK_PER_TRADE_SIGMA_FADE":   "75",
		"TARGET_TWO_ATR_MULTIPLIER_HOD_FAIL": "3",
		"QTY_SPY":                     "7",
		"WINDOW_SPY":                  "10:00-11:00",
		"NOTIONAL_BRK_B":              "1000",
		"TRAIL_PCT":                   "0.01",
		"VWAP_COOLDOWN_SEC":           "0",
	})

	c := Default()
	c.ApplyEnv()

	assert.False(t, c.DryRun())
	assert.Equal(t, []string{"SPX", "MSFT"}, c.Strategy.Symbols)
	assert.Equal(t, map[string]string{"SPX": "SPY", "NDX": "QQQ"}, c.Strategy.ExecutionMap)
	require.NotNil(t, c.Risk.MaxOrderNotionalUSD)
	assert.Equal(t, 500.0, *c.Risk.MaxOrderNotionalUSD)
	assert.Equal(t, 0, c.Strategy.CooldownSec)
	require.NotNil(t, c.Exits.TrailPct)
	assert.Equal(t, 0.01, *c.Exits.TrailPct)

	risk, _, _, _ := c.Sizing.SetupParams("SIGMA_FADE")
	assert.Equal(t, 75.0, risk)
	risk, _, _, t2 := c.Sizing.SetupParams("HOD_FAIL")
	assert.Equal(t, 200.0, risk)
	assert.Equal(t, 3.0, t2)

	spy := c.Overrides("SPY")
	require.NotNil(t, spy.Qty)
	assert.Equal(t, 7, *spy.Qty)
	assert.Equal(t, "10:00-11:00", spy.Window)

	brk := c.Overrides("BRK.B")
	require.NotNil(t, brk.NotionalCap)
	assert.Equal(t, 1000.0, *brk.NotionalCap)
}

func TestRedacted(t *testing.T) {
	c := Default()
	c.Broker.AccessToken = "secret"
	c.Polygon.APIKey = "key"
	r := c.Redacted()
	assert.Equal(t, "***", r.Broker.AccessToken)
	assert.Equal(t, "***", r.Polygon.APIKey)
	assert.Equal(t, "secret", c.Broker.AccessToken)
}

func TestParseWindow(t *testing.T) {
	s, e, ok := ParseWindow(" 09:45 - 15:30 ")
	assert.True(t, ok)
	assert.Equal(t, "09:45", s)
	assert.Equal(t, "15:30", e)

	_, _, ok = ParseWindow("09:45")
	assert.False(t, ok)
}
