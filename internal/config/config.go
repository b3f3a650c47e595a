package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
)

const (
	WalletModeKeystore = "keystore"
	WalletModeBridge   = "bridge"
	WalletModeNone     = "none"

	SessionStoreMemory = "memory"
	SessionStoreSQLite = "sqlite"
	SessionStoreRedis  = "redis"
)

type Config struct {
	Ledger     LedgerConfig
	Wallet     WalletConfig
	Session    SessionConfig
	Redis      RedisConfig
	Confirm    ConfirmConfig
	Projection ProjectionConfig
	Account    AccountConfig
	Server     ServerConfig
	Tracing    TracingConfig
	Log        LogConfig
}

type LedgerConfig struct {
	RPCURL             string        `env:"LEDGER_RPC_URL"              envDefault:"http://127.0.0.1:8545"`
	ContractAddress    string        `env:"LEDGER_CONTRACT_ADDRESS"     envDefault:"0x5FbDB2315678afecb367f032d93F642f64180aa3"`
	FromBlock          uint64        `env:"LEDGER_FROM_BLOCK"           envDefault:"0"`
	RPCTimeout         time.Duration `env:"LEDGER_RPC_TIMEOUT"          envDefault:"30s"`
	RPCRPS             float64       `env:"LEDGER_RPC_RPS"              envDefault:"20"`
	RPCBurst           int           `env:"LEDGER_RPC_BURST"            envDefault:"10"`
	BreakerFailures    int           `env:"LEDGER_BREAKER_FAILURES"     envDefault:"5"`
	BreakerOpenTimeout time.Duration `env:"LEDGER_BREAKER_OPEN_TIMEOUT" envDefault:"30s"`
}

// Contract returns the parsed contract address. Call after Load.
func (c LedgerConfig) Contract() common.Address {
	return common.HexToAddress(c.ContractAddress)
}

type WalletConfig struct {
	Mode          string   `env:"WALLET_MODE"          envDefault:"keystore"`
	PrivateKeys   []string `env:"WALLET_PRIVATE_KEYS"  envSeparator:","`
	Preauthorized bool     `env:"WALLET_PREAUTHORIZED" envDefault:"true"`
	BridgeURL     string   `env:"WALLET_BRIDGE_URL"    envDefault:"ws://127.0.0.1:8546/wallet"`
}

type SessionConfig struct {
	Store      string `env:"SESSION_STORE"       envDefault:"sqlite"`
	SQLitePath string `env:"SESSION_SQLITE_PATH" envDefault:"ledgerctl.db"`
	Profile    string `env:"SESSION_PROFILE"     envDefault:"default"`
}

type RedisConfig struct {
	URL string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
}

type ConfirmConfig struct {
	PollInterval time.Duration `env:"CONFIRM_POLL_INTERVAL" envDefault:"1s"`
	Timeout      time.Duration `env:"CONFIRM_TIMEOUT"       envDefault:"2m"`
}

type ProjectionConfig struct {
	CacheSize        int           `env:"PROJECTION_CACHE_SIZE"        envDefault:"512"`
	CacheTTL         time.Duration `env:"PROJECTION_CACHE_TTL"         envDefault:"5m"`
	FetchConcurrency int           `env:"PROJECTION_FETCH_CONCURRENCY" envDefault:"8"`
}

type AccountConfig struct {
	URL   string `env:"ACCOUNT_SERVICE_URL" envDefault:"http://localhost:5000"`
	Token string `env:"ACCOUNT_TOKEN"`
}

type ServerConfig struct {
	Addr        string        `env:"HTTP_ADDR"          envDefault:":8080"`
	MaxViews    int           `env:"HTTP_MAX_VIEWS"     envDefault:"256"`
	ViewIdleTTL time.Duration `env:"HTTP_VIEW_IDLE_TTL" envDefault:"5m"`
}

type TracingConfig struct {
	Enabled     bool    `env:"TRACING_ENABLED"      envDefault:"false"`
	Endpoint    string  `env:"TRACING_ENDPOINT"`
	Insecure    bool    `env:"TRACING_INSECURE"     envDefault:"true"`
	SampleRatio float64 `env:"TRACING_SAMPLE_RATIO" envDefault:"1"`
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Wallet.Mode = strings.ToLower(strings.TrimSpace(c.Wallet.Mode))
	c.Session.Store = strings.ToLower(strings.TrimSpace(c.Session.Store))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))

	keys := c.Wallet.PrivateKeys[:0]
	for _, k := range c.Wallet.PrivateKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	c.Wallet.PrivateKeys = keys
}

func (c *Config) validate() error {
	var errs []error
	if err := validateURL("LEDGER_RPC_URL", c.Ledger.RPCURL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		errs = append(errs, fmt.Errorf("LEDGER_CONTRACT_ADDRESS %q is not a hex address", c.Ledger.ContractAddress))
	}
	if c.Ledger.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_RPC_TIMEOUT must be positive"))
	}
	if c.Ledger.RPCRPS <= 0 || c.Ledger.RPCBurst <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_RPC_RPS and LEDGER_RPC_BURST must be positive"))
	}
	if c.Ledger.BreakerFailures <= 0 || c.Ledger.BreakerOpenTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LEDGER_BREAKER_FAILURES and LEDGER_BREAKER_OPEN_TIMEOUT must be positive"))
	}

	switch c.Wallet.Mode {
	case WalletModeKeystore:
		if len(c.Wallet.PrivateKeys) == 0 {
			errs = append(errs, fmt.Errorf("WALLET_PRIVATE_KEYS is required when WALLET_MODE=keystore"))
		}
	case WalletModeBridge:
		if err := validateURL("WALLET_BRIDGE_URL", c.Wallet.BridgeURL, "ws", "wss"); err != nil {
			errs = append(errs, err)
		}
	case WalletModeNone:
	default:
		errs = append(errs, fmt.Errorf("WALLET_MODE %q must be one of keystore, bridge, none", c.Wallet.Mode))
	}

	switch c.Session.Store {
	case SessionStoreMemory:
	case SessionStoreSQLite:
		if c.Session.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("SESSION_SQLITE_PATH is required when SESSION_STORE=sqlite"))
		}
	case SessionStoreRedis:
		if err := validateURL("REDIS_URL", c.Redis.URL, "redis", "rediss"); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_STORE %q must be one of memory, sqlite, redis", c.Session.Store))
	}
	if strings.TrimSpace(c.Session.Profile) == "" {
		errs = append(errs, fmt.Errorf("SESSION_PROFILE must not be empty"))
	}

	if c.Confirm.PollInterval <= 0 || c.Confirm.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("CONFIRM_POLL_INTERVAL and CONFIRM_TIMEOUT must be positive"))
	} else if c.Confirm.PollInterval > c.Confirm.Timeout {
		errs = append(errs, fmt.Errorf("CONFIRM_POLL_INTERVAL %s exceeds CONFIRM_TIMEOUT %s", c.Confirm.PollInterval, c.Confirm.Timeout))
	}
	if c.Projection.CacheSize <= 0 || c.Projection.FetchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("PROJECTION_CACHE_SIZE and PROJECTION_FETCH_CONCURRENCY must be positive"))
	}
	if c.Projection.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("PROJECTION_CACHE_TTL must not be negative"))
	}
	if c.Server.MaxViews <= 0 || c.Server.ViewIdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("HTTP_MAX_VIEWS and HTTP_VIEW_IDLE_TTL must be positive"))
	}
	if err := validateURL("ACCOUNT_SERVICE_URL", c.Account.URL, "http", "https"); err != nil {
		errs = append(errs, err)
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, fmt.Errorf("TRACING_ENDPOINT is required when TRACING_ENABLED=true"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0,1]"))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q must be one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

func validateURL(name, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be a %s URL", name, raw, strings.Join(schemes, " or "))
}
