package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sellerKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gigacrew.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"web3": {"rpc_url": "http://127.0.0.1:8545", "escrow_address": "0x0000000000000000000000000000000000000001"},
		"seller": {"private_key": "`+sellerKey+`", "service_id": "7"},
		"runtime": {"data_dir": "state"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	require.Equal(t, ":8080", cfg.Server.Address)
	require.Equal(t, 8005, cfg.Negotiation.Port)
	require.Equal(t, int64(2), cfg.Negotiation.MinDeadlineMinutes)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, "memory", cfg.Events.Queue.Driver)
	require.Equal(t, "memory", cfg.Events.Cursor.Driver)
	require.Equal(t, 5, cfg.Events.PollIntervalSeconds)
	require.Equal(t, 2000, cfg.Settlement.IntervalMillis)
	require.Equal(t, "python_bridge", cfg.LLM.Provider)
	require.Equal(t, dir, cfg.LLM.Python.WorkingDir)
	require.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	require.True(t, cfg.SellerEnabled())
	require.False(t, cfg.BuyerEnabled())
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		"GIGACREW_PROVIDER_URL":       "http://node:8545",
		"GIGACREW_CONTRACT_ADDRESS":   "0x00000000000000000000000000000000000000aa",
		"GIGACREW_BUYER_PRIVATE_KEY":  sellerKey,
		"GIGACREW_SERVICE_ID":         "42",
		"GIGACREW_TIME_PER_SERVICE":   "300",
		"GIGACREW_TIME_BUFFER":        "60",
		"GIGACREW_FROM_BLOCK":         "1200",
		"GIGACREW_FORCE_FROM_BLOCK":   "true",
		"GIGACREW_INDEXER_URL":        "http://indexer",
		"GIGACREW_WS_PORT":            "9001",
		"GIGACREW_SELLER_PRIVATE_KEY": "",
	}
	lookup := func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}

	cfg := &Config{Seller: SellerConfig{PrivateKey: "from-file"}}
	require.NoError(t, cfg.applyEnv(lookup))

	require.Equal(t, "http://node:8545", cfg.Web3.RPCURL)
	require.Equal(t, "0x00000000000000000000000000000000000000aa", cfg.Web3.EscrowAddress)
	require.Equal(t, sellerKey, cfg.Buyer.PrivateKey)
	require.Equal(t, "from-file", cfg.Seller.PrivateKey, "empty variables keep the file value")
	require.Equal(t, "42", cfg.Seller.ServiceID)
	require.Equal(t, int64(300), cfg.Seller.TimePerServiceSeconds)
	require.Equal(t, int64(60), cfg.Seller.TimeBufferSeconds)
	require.Equal(t, uint64(1200), cfg.Events.FromBlock)
	require.True(t, cfg.Events.ForceFromBlock)
	require.Equal(t, "http://indexer", cfg.Indexer.URL)
	require.Equal(t, 9001, cfg.Negotiation.Port)
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	env := map[string]string{
		"GIGACREW_TIME_BUFFER":      "soon",
		"GIGACREW_FORCE_FROM_BLOCK": "maybe",
	}
	cfg := &Config{}
	err := cfg.applyEnv(func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "GIGACREW_TIME_BUFFER")
	require.Contains(t, err.Error(), "GIGACREW_FORCE_FROM_BLOCK")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Web3:  Web3Config{RPCURL: "http://127.0.0.1:8545", EscrowAddress: "0x01"},
			Buyer: BuyerConfig{PrivateKey: sellerKey},
		}
		cfg.applyDefaults(t.TempDir())
		return cfg
	}

	require.NoError(t, base().Validate())

	cases := map[string]func(*Config){
		"no role":            func(c *Config) { c.Buyer.PrivateKey = "" },
		"seller without id":  func(c *Config) { c.Seller.PrivateKey = sellerKey },
		"missing rpc":        func(c *Config) { c.Web3.RPCURL = "" },
		"missing contract":   func(c *Config) { c.Web3.EscrowAddress = "" },
		"mysql without dsn":  func(c *Config) { c.Storage.Driver = "mysql" },
		"unknown queue":      func(c *Config) { c.Events.Queue.Driver = "kafka" },
		"redis queue":        func(c *Config) { c.Events.Queue.Driver = "redis" },
		"rabbitmq queue":     func(c *Config) { c.Events.Queue.Driver = "rabbitmq" },
		"redis cursor":       func(c *Config) { c.Events.Cursor.Driver = "redis" },
		"unknown llm":        func(c *Config) { c.LLM.Provider = "llama" },
		"negative time":      func(c *Config) { c.Seller = SellerConfig{PrivateKey: sellerKey, ServiceID: "1", TimeBufferSeconds: -1} },
		"seller port range":  func(c *Config) { c.Seller = SellerConfig{PrivateKey: sellerKey, ServiceID: "1"}; c.Negotiation.Port = 70000 },
		"unknown storage":    func(c *Config) { c.Storage.Driver = "sqlite" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestValidateAcceptsChainFileWithoutRPC(t *testing.T) {
	cfg := &Config{
		Web3:  Web3Config{ChainConfig: "chain.yaml"},
		Buyer: BuyerConfig{PrivateKey: sellerKey},
	}
	cfg.applyDefaults(t.TempDir())
	require.NoError(t, cfg.Validate())
	require.True(t, filepath.IsAbs(cfg.Web3.ChainConfig))
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
