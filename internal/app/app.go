// Package app owns the process-wide session and wires the ledger client
// components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emperorhan/blood-ledger/internal/account"
	"github.com/emperorhan/blood-ledger/internal/chain/ratelimit"
	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/circuitbreaker"
	"github.com/emperorhan/blood-ledger/internal/config"
	"github.com/emperorhan/blood-ledger/internal/contract"
	"github.com/emperorhan/blood-ledger/internal/errchan"
	"github.com/emperorhan/blood-ledger/internal/gateway"
	"github.com/emperorhan/blood-ledger/internal/metrics"
	"github.com/emperorhan/blood-ledger/internal/projection"
	"github.com/emperorhan/blood-ledger/internal/session"
	"github.com/emperorhan/blood-ledger/internal/store"
	redisstore "github.com/emperorhan/blood-ledger/internal/store/redis"
	"github.com/emperorhan/blood-ledger/internal/store/sqlite"
	"github.com/emperorhan/blood-ledger/internal/wallet"
	"github.com/emperorhan/blood-ledger/internal/wallet/wsbridge"
)

// App is the application root. Exactly one session exists per App.
type App struct {
	Ledger  *rpc.Client
	Errors  *errchan.Channel
	Session *session.Manager
	Views   *projection.Builder
	Gateway *gateway.Gateway
	Account *account.Client

	logger  *slog.Logger
	closers []func() error
}

type options struct {
	approver  wallet.Approver
	flags     store.FlagRepository
	detection *wallet.Detection
}

type Option func(*options)

// WithApprover routes keystore prompts through fn.
func WithApprover(fn wallet.Approver) Option {
	return func(o *options) { o.approver = fn }
}

// WithFlags replaces the flag store selected by SESSION_STORE.
func WithFlags(flags store.FlagRepository) Option {
	return func(o *options) { o.flags = flags }
}

// WithDetection replaces wallet detection selected by WALLET_MODE.
func WithDetection(d wallet.Detection) Option {
	return func(o *options) { o.detection = &d }
}

// New builds every component and runs the silent session initialisation.
// A failed initialisation is not fatal: it is recorded in the connection
// error slot and the session stays readable.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{logger: logger.With("component", "app")}

	endpoint := cfg.Ledger.RPCURL
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.Ledger.BreakerFailures,
		OpenTimeout:      cfg.Ledger.BreakerOpenTimeout,
		OnStateChange: func(from, to circuitbreaker.State) {
			metrics.RPCBreakerTransitions.WithLabelValues(endpoint, from.String(), to.String()).Inc()
			a.logger.Warn("ledger breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	a.Ledger = rpc.NewClient(endpoint, logger,
		rpc.WithLimiter(ratelimit.NewLimiter(cfg.Ledger.RPCRPS, cfg.Ledger.RPCBurst, endpoint)),
		rpc.WithBreaker(breaker),
		rpc.WithTimeout(cfg.Ledger.RPCTimeout),
	)
	a.Errors = errchan.New(logger)

	flags := o.flags
	if flags == nil {
		var err error
		if flags, err = a.openFlags(cfg); err != nil {
			return nil, err
		}
	}

	var detection wallet.Detection
	if o.detection != nil {
		detection = *o.detection
	} else {
		detection = a.detectWallet(ctx, cfg, o.approver)
	}

	a.Session = session.NewManager(detection, a.Ledger, flags, a.Errors, session.Config{
		Profile:         cfg.Session.Profile,
		ContractAddress: cfg.Ledger.Contract(),
		BindingOptions:  []contract.Option{contract.WithFromBlock(cfg.Ledger.FromBlock)},
	}, logger)
	a.closers = append(a.closers, func() error { a.Session.Close(); return nil })

	a.Views = projection.NewBuilder(a.Session, a.Ledger, a.Errors, projection.Config{
		CacheSize:        cfg.Projection.CacheSize,
		CacheTTL:         cfg.Projection.CacheTTL,
		FetchConcurrency: cfg.Projection.FetchConcurrency,
	}, logger)
	a.Gateway = gateway.New(a.Session, a.Views, a.Errors, gateway.Config{
		PollInterval:   cfg.Confirm.PollInterval,
		ConfirmTimeout: cfg.Confirm.Timeout,
	}, logger)
	a.Account = account.NewClient(cfg.Account.URL, logger, account.WithToken(cfg.Account.Token))

	if err := a.Session.Init(ctx); err != nil {
		a.logger.Info("session not connected after init", "error", err)
	}
	s := a.Session.Session()
	a.logger.Info("session initialised",
		"state", s.State,
		"chain_id", s.ChainID,
		"user_disconnected", s.UserDisconnected,
	)
	return a, nil
}

func (a *App) openFlags(cfg *config.Config) (store.FlagRepository, error) {
	switch cfg.Session.Store {
	case config.SessionStoreSQLite:
		f, err := sqlite.Open(cfg.Session.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		return f, nil
	case config.SessionStoreRedis:
		f, err := redisstore.NewFlags(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		return f, nil
	default:
		return store.NewMemoryFlags(), nil
	}
}

// detectWallet never fails: a wallet that cannot be reached is reported as
// Unavailable and surfaces later as ProviderUnavailable.
func (a *App) detectWallet(ctx context.Context, cfg *config.Config, approver wallet.Approver) wallet.Detection {
	var probe func(context.Context) (wallet.Provider, error)
	switch cfg.Wallet.Mode {
	case config.WalletModeKeystore:
		probe = func(context.Context) (wallet.Provider, error) {
			ksOpts := []wallet.KeyStoreOption{wallet.WithPreauthorized(cfg.Wallet.Preauthorized)}
			if approver != nil {
				ksOpts = append(ksOpts, wallet.WithApprover(approver))
			}
			ks, err := wallet.NewKeyStore(cfg.Wallet.PrivateKeys, a.Ledger, ksOpts...)
			if err != nil {
				return nil, err
			}
			return ks, nil
		}
	case config.WalletModeBridge:
		probe = func(ctx context.Context) (wallet.Provider, error) {
			b, err := wsbridge.Dial(ctx, cfg.Wallet.BridgeURL, a.logger)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, b.Close)
			return b, nil
		}
	}

	d := wallet.Detect(ctx, probe)
	if _, ok := d.Provider(); !ok {
		a.logger.Warn("no wallet provider", "mode", cfg.Wallet.Mode, "reason", d.Reason())
	}
	return d
}

// Binding is the binding of the current session.
func (a *App) Binding() *contract.Binding {
	return a.Session.Binding()
}

// Logout ends the account-service login and disconnects the wallet session.
func (a *App) Logout(ctx context.Context) error {
	a.Account.Logout()
	if err := a.Session.Disconnect(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
