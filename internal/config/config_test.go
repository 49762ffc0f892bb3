package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "swapvault.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
  "vault": {"admin": "0x000000000000000000000000000000000000ad01"},
  "web3": {"token_config": "tokens.yaml"},
  "exchange": {"market": "/etc/market.yaml"},
  "agent": {"deadline": "20m"},
  "storage": {"driver": "sqlite", "dsn": "file:vault.db", "conn_max_lifetime": 300}
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Std())
	require.Equal(t, "memory", cfg.Custody.Driver)
	require.Equal(t, "simulated", cfg.Exchange.Driver)
	require.Equal(t, "memory", cfg.TriggerQueue.Driver)
	require.Equal(t, 3, cfg.TriggerQueue.MaxRetries)
	require.Equal(t, uint32(50), cfg.Agent.SlippageBps)
	require.Equal(t, 20*time.Minute, cfg.Agent.Deadline.Std())
	require.Equal(t, []uint32{500, 3000, 10000}, cfg.Agent.FeeTiers)
	require.Equal(t, 5*time.Minute, cfg.Auth.MaxSkew.Std())
	require.Equal(t, 5*time.Minute, cfg.Storage.ConnMaxLifetime.Std())
	require.Equal(t, filepath.Join(dir, "tokens.yaml"), cfg.Web3.TokenConfig)
	require.Equal(t, "/etc/market.yaml", cfg.Exchange.Market)
	require.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
	require.Equal(t, "SWAPVAULT_SIGNER_KEY", cfg.Custody.SignerKeyEnv)
}

func TestLoadRejectsInvalidCombinations(t *testing.T) {
	path := writeConfig(t, `{
  "server": {"rate_limit": {"requests_per_second": 5, "trusted_proxies": ["10.0.0.0/8", "proxy.local"]}},
  "vault": {"admin": "nobody", "agents": ["0x01", "bad"]},
  "storage": {"driver": "postgres"},
  "custody": {"driver": "erc20"},
  "trigger_queue": {"driver": "kafka"},
  "agent": {"enabled": true, "slippage_bps": 10000}
}`)
	_, err := Load(path)
	require.Error(t, err)
	for _, fragment := range []string{"vault.admin", "vault.agents", "postgres", "erc20", "kafka", "agent.address", "slippage_bps", "proxy.local"} {
		require.Contains(t, err.Error(), fragment)
	}

	_, err = Load("")
	require.Error(t, err)
	_, err = Load(writeConfig(t, `{"agent": {"deadline": "soon"}}`))
	require.ErrorContains(t, err, "soon")
}

func TestPathFromEnv(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	require.Equal(t, DefaultConfigPath, PathFromEnv())
	t.Setenv(EnvConfigPath, "/tmp/custom.json")
	require.Equal(t, "/tmp/custom.json", PathFromEnv())
}

func TestShippedConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "swapvault.json"))
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.True(t, cfg.Agent.Enabled)
	require.Equal(t, []string{"127.0.0.1"}, cfg.Server.RateLimit.TrustedProxies)
	require.FileExists(t, cfg.Web3.TokenConfig)
	require.FileExists(t, cfg.Web3.ChainConfig)
	require.FileExists(t, cfg.Exchange.Market)
}
