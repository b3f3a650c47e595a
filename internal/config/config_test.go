package config

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WALLET_PRIVATE_KEYS", devKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8545", cfg.Ledger.RPCURL)
	assert.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), cfg.Ledger.Contract())
	assert.Equal(t, uint64(0), cfg.Ledger.FromBlock)
	assert.Equal(t, 30*time.Second, cfg.Ledger.RPCTimeout)
	assert.Equal(t, 20.0, cfg.Ledger.RPCRPS)
	assert.Equal(t, 10, cfg.Ledger.RPCBurst)
	assert.Equal(t, 5, cfg.Ledger.BreakerFailures)
	assert.Equal(t, 30*time.Second, cfg.Ledger.BreakerOpenTimeout)
	assert.Equal(t, WalletModeKeystore, cfg.Wallet.Mode)
	assert.Equal(t, []string{devKey}, cfg.Wallet.PrivateKeys)
	assert.True(t, cfg.Wallet.Preauthorized)
	assert.Equal(t, "ws://127.0.0.1:8546/wallet", cfg.Wallet.BridgeURL)
	assert.Equal(t, SessionStoreSQLite, cfg.Session.Store)
	assert.Equal(t, "ledgerctl.db", cfg.Session.SQLitePath)
	assert.Equal(t, "default", cfg.Session.Profile)
	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, time.Second, cfg.Confirm.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Confirm.Timeout)
	assert.Equal(t, 512, cfg.Projection.CacheSize)
	assert.Equal(t, 5*time.Minute, cfg.Projection.CacheTTL)
	assert.Equal(t, 8, cfg.Projection.FetchConcurrency)
	assert.Equal(t, "http://localhost:5000", cfg.Account.URL)
	assert.Empty(t, cfg.Account.Token)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 256, cfg.Server.MaxViews)
	assert.Equal(t, 5*time.Minute, cfg.Server.ViewIdleTTL)
	assert.False(t, cfg.Tracing.Enabled)
	assert.True(t, cfg.Tracing.Insecure)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LEDGER_RPC_URL", "https://ledger.example/rpc")
	t.Setenv("LEDGER_FROM_BLOCK", "1200")
	t.Setenv("LEDGER_RPC_RPS", "2.5")
	t.Setenv("WALLET_MODE", " Bridge ")
	t.Setenv("WALLET_BRIDGE_URL", "wss://wallet.example/ws")
	t.Setenv("SESSION_STORE", "redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/2")
	t.Setenv("SESSION_PROFILE", "hospital-desk")
	t.Setenv("CONFIRM_TIMEOUT", "45s")
	t.Setenv("PROJECTION_FETCH_CONCURRENCY", "2")
	t.Setenv("TRACING_ENABLED", "true")
	t.Setenv("TRACING_ENDPOINT", "otel:4317")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://ledger.example/rpc", cfg.Ledger.RPCURL)
	assert.Equal(t, uint64(1200), cfg.Ledger.FromBlock)
	assert.Equal(t, 2.5, cfg.Ledger.RPCRPS)
	assert.Equal(t, WalletModeBridge, cfg.Wallet.Mode)
	assert.Equal(t, "wss://wallet.example/ws", cfg.Wallet.BridgeURL)
	assert.Equal(t, SessionStoreRedis, cfg.Session.Store)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, "hospital-desk", cfg.Session.Profile)
	assert.Equal(t, 45*time.Second, cfg.Confirm.Timeout)
	assert.Equal(t, 2, cfg.Projection.FetchConcurrency)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otel:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_PrivateKeysParsing(t *testing.T) {
	t.Setenv("WALLET_PRIVATE_KEYS", " "+devKey+" ,, 59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{devKey, "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"}, cfg.Wallet.PrivateKeys)
}

func TestLoad_UnparsableValue(t *testing.T) {
	t.Setenv("WALLET_PRIVATE_KEYS", devKey)
	t.Setenv("LEDGER_RPC_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"keystore without keys", map[string]string{}, "WALLET_PRIVATE_KEYS is required"},
		{"bad contract address", map[string]string{"WALLET_MODE": "none", "LEDGER_CONTRACT_ADDRESS": "0x1234"}, "LEDGER_CONTRACT_ADDRESS"},
		{"rpc scheme", map[string]string{"WALLET_MODE": "none", "LEDGER_RPC_URL": "ws://127.0.0.1:8545"}, "LEDGER_RPC_URL"},
		{"unknown wallet mode", map[string]string{"WALLET_MODE": "ledger"}, "WALLET_MODE"},
		{"bridge scheme", map[string]string{"WALLET_MODE": "bridge", "WALLET_BRIDGE_URL": "http://127.0.0.1:8546"}, "WALLET_BRIDGE_URL"},
		{"unknown store", map[string]string{"WALLET_MODE": "none", "SESSION_STORE": "postgres"}, "SESSION_STORE"},
		{"redis url", map[string]string{"WALLET_MODE": "none", "SESSION_STORE": "redis", "REDIS_URL": "localhost:6379"}, "REDIS_URL"},
		{"poll exceeds timeout", map[string]string{"WALLET_MODE": "none", "CONFIRM_POLL_INTERVAL": "5m"}, "exceeds CONFIRM_TIMEOUT"},
		{"zero concurrency", map[string]string{"WALLET_MODE": "none", "PROJECTION_FETCH_CONCURRENCY": "0"}, "PROJECTION_FETCH_CONCURRENCY"},
		{"zero view limit", map[string]string{"WALLET_MODE": "none", "HTTP_MAX_VIEWS": "0"}, "HTTP_MAX_VIEWS"},
		{"tracing without endpoint", map[string]string{"WALLET_MODE": "none", "TRACING_ENABLED": "true"}, "TRACING_ENDPOINT"},
		{"log level", map[string]string{"WALLET_MODE": "none", "LOG_LEVEL": "trace"}, "LOG_LEVEL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	t.Setenv("WALLET_MODE", "none")
	t.Setenv("SESSION_STORE", "disk")
	t.Setenv("LOG_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SESSION_STORE")
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}
