package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/perpx/config"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(writeYAML(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, int64(421614), cfg.Chain.ChainID)
	assert.Equal(t, uint64(3_000_000), cfg.Chain.Gas.OpenPosition)
	assert.Equal(t, uint64(1_000_000), cfg.Chain.Gas.ClosePosition)
	assert.Equal(t, "0xcb3e422143d1c5603c86b0ccd419156bf5d8b045", cfg.Contracts.PositionManager)
	assert.Equal(t, int32(6), cfg.Contracts.TokenDecimals)
	assert.Equal(t, 120*time.Second, cfg.WatchdogBound())
	assert.Equal(t, 60*time.Second, cfg.ManualResetAfter())
	assert.Equal(t, 3*time.Second, cfg.SuccessDisplayDelay())
	assert.Equal(t, time.Second, cfg.TickInterval())
	assert.Equal(t, int64(40), cfg.Pipeline.MaxLeverage)
	assert.Equal(t, 30*time.Second, cfg.PriceCacheTTL())
	assert.Equal(t, "perpx.db", cfg.Storage.DSN)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.Metrics.Addr)

	markets := cfg.MarketList()
	require.Len(t, markets, 4)
	assert.Equal(t, "ARB/USD", markets[0].Name) // ordenados por nombre
	assert.Equal(t, "arbitrum", markets[0].CoinGeckoID)
}

func TestLoad_YAMLValues(t *testing.T) {
	path := writeYAML(t, `
chain:
  chain_id: 42161
  gas:
    approve: 60000
contracts:
  markets:
    SOL/USD:
      address: "0x1111111111111111111111111111111111111111"
      feed_id: "0xabc"
      coingecko_id: solana
pipeline:
  watchdog_bound_seconds: 90
  max_leverage: 20
storage:
  dsn: ":memory:"
metrics:
  addr: ":9102"
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(42161), cfg.Chain.ChainID)
	assert.Equal(t, uint64(60000), cfg.Chain.Gas.Approve)
	assert.Equal(t, uint64(300_000), cfg.Chain.Gas.PriceUpdate)
	assert.Equal(t, 90*time.Second, cfg.WatchdogBound())
	assert.Equal(t, int64(20), cfg.Pipeline.MaxLeverage)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)

	markets := cfg.MarketList()
	require.Len(t, markets, 1, "configured markets replace the defaults")
	assert.Equal(t, "SOL/USD", markets[0].Name)
	assert.Equal(t, "solana", markets[0].CoinGeckoID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PERPX_RPC_URL", "http://localhost:8545")
	t.Setenv("PERPX_PRIVATE_KEY", "0xdeadbeef")
	t.Setenv("PERPX_CHAIN_ID", "31337")

	cfg, err := config.Load(writeYAML(t, "log:\n  level: warn\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	assert.Equal(t, "0xdeadbeef", cfg.Chain.PrivateKey)
	assert.Equal(t, int64(31337), cfg.Chain.ChainID)
}

func TestLoad_PrivateKeyNotReadFromYAML(t *testing.T) {
	cfg, err := config.Load(writeYAML(t, "chain:\n  private_key: \"0x01\"\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Chain.PrivateKey)
}

func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(writeYAML(t, "chain: [not, a, map\n"))
	assert.Error(t, err)

	t.Setenv("PERPX_CHAIN_ID", "abc")
	_, err = config.Load(writeYAML(t, "{}\n"))
	assert.Error(t, err)
}
