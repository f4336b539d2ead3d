package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestConfigCommandMasksSecrets(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TRADIER_ACCESS_TOKEN", "secret-token-value")

	// let the dotenv file supply SYMBOLS; cleanup restores the original
	t.Setenv("SYMBOLS", "")
	require.NoError(t, os.Unsetenv("SYMBOLS"))
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SYMBOLS=nvda,amd\n"), 0o644))

	out := run(t, "config",
		"--config", filepath.Join(dir, "missing.yaml"),
		"--env-file", envFile,
		"--symbol", "NVDA")

	assert.NotContains(t, out, "secret-token-value")
	assert.Contains(t, out, "***")
	assert.Contains(t, out, "NVDA")
	assert.Contains(t, out, "AMD")
	assert.Contains(t, out, "# overrides for NVDA")
}

func TestConfigFileIsRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading_mode: live\nscan_interval_sec: 30\n"), 0o644))
	t.Setenv("DRY_RUN", "")
	require.NoError(t, os.Unsetenv("DRY_RUN"))

	out := run(t, "config", "--config", path, "--env-file", filepath.Join(dir, "none.env"))
	assert.Contains(t, out, "trading_mode: live")
	assert.Contains(t, out, "scan_interval_sec: 30")
}

func TestMigrateSQLite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	db := filepath.Join(dir, "data", "autotrader.db")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: sqlite\n  sqlite_path: "+db+"\n"), 0o644))

	run(t, "migrate", "--config", path, "--env-file", filepath.Join(dir, "none.env"), "--log-level", "error")
	_, err := os.Stat(db)
	assert.NoError(t, err)
}

func TestSignalsSummaryFromLedger(t *testing.T) {
	dir := t.TempDir()
	ledgerPath := filepath.Join(dir, "events.jsonl")
	require.NoError(t, os.WriteFile(ledgerPath, []byte(
		`{"ts":1715349600,"kind":"signal_generated","data":{"setup":"HOD_FAIL","symbol":"TSLA"}}`+"\n"), 0o644))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ledger_path: "+ledgerPath+"\n"), 0o644))

	out := run(t, "signals", "--config", path, "--env-file", filepath.Join(dir, "none.env"))
	assert.Contains(t, out, "HOD_FAIL")
}
