// Package session owns the wallet-connection lifecycle and the contract
// binding derived from it. Consumers read a Session snapshot or subscribe
// to changes; they never share mutable state with the manager.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emperorhan/blood-ledger/internal/contract"
	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/emperorhan/blood-ledger/internal/errchan"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/metrics"
	"github.com/emperorhan/blood-ledger/internal/store"
	"github.com/emperorhan/blood-ledger/internal/tracing"
	"github.com/emperorhan/blood-ledger/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
)

// Session is a snapshot of the wallet session. Account is set iff State is
// Connected.
type Session struct {
	Account          *common.Address       `json:"account"`
	ChainID          int64                 `json:"chain_id"`
	State            model.ConnectionState `json:"state"`
	UserDisconnected bool                  `json:"user_disconnected"`
}

func (s Session) Connected() bool {
	return s.State == model.ConnectionConnected
}

const chainRecheckTimeout = 10 * time.Second

type Config struct {
	Profile         string
	ContractAddress common.Address
	BindingOptions  []contract.Option
}

type Manager struct {
	detection wallet.Detection
	flags     store.FlagRepository
	errs      *errchan.Channel
	profile   string
	logger    *slog.Logger

	mu        sync.Mutex
	session   Session
	binding   *contract.Binding
	walletSub wallet.Subscription
	closed    bool
	chainSeq  uint64

	// rechecks run provider queries triggered by notifications.
	rechecks     sync.WaitGroup
	stopRechecks context.CancelFunc
	recheckCtx   context.Context

	observers wallet.Feed[Session]
}

// NewManager returns a manager in the Uninitialized state holding a
// provider-only binding over reader. reader may be nil.
func NewManager(
	detection wallet.Detection,
	reader contract.Reader,
	flags store.FlagRepository,
	errs *errchan.Channel,
	cfg Config,
	logger *slog.Logger,
) *Manager {
	if flags == nil {
		flags = store.NewMemoryFlags()
	}
	profile := cfg.Profile
	if profile == "" {
		profile = "default"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		detection:    detection,
		flags:        flags,
		errs:         errs,
		profile:      profile,
		logger:       logger.With("component", "session", "profile", profile),
		session:      Session{State: model.ConnectionUninitialized},
		binding:      contract.New(cfg.ContractAddress, reader, nil, cfg.BindingOptions...),
		recheckCtx:   ctx,
		stopRechecks: cancel,
	}
}

// Init detects the wallet and silently evaluates already-authorized
// accounts. It never prompts. The returned error is also recorded in the
// connection error slot.
func (m *Manager) Init(ctx context.Context) error {
	m.errs.Begin(errchan.Connection)

	provider, ok := m.detection.Provider()
	if !ok {
		err := errors.Join(ledgererr.ErrProviderUnavailable, m.detection.Reason())
		m.apply(func(s *Session) { *s = Session{State: model.ConnectionDisconnected} }, nil)
		return m.fail(err)
	}
	m.watch(provider)

	disconnected, err := m.flags.LoadDisconnected(ctx, m.profile)
	if err != nil {
		// Unknown flag: stay disconnected rather than reconnect silently.
		m.logger.Warn("load disconnect flag failed", "error", err)
		disconnected = true
	}
	if disconnected {
		m.apply(func(s *Session) {
			*s = Session{State: model.ConnectionDisconnected, UserDisconnected: true}
		}, provider)
		return nil
	}

	accounts, err := provider.Accounts(ctx)
	if err != nil {
		m.apply(func(s *Session) { *s = Session{State: model.ConnectionError} }, provider)
		return m.fail(ledgererr.FromProvider(fmt.Errorf("query accounts: %w", err)))
	}
	chainID := m.chainID(ctx, provider)

	return m.evaluate(provider, accounts, chainID, ledgererr.ErrNotConnected, nil)
}

// Connect prompts for account selection and permission, then clears the
// persisted disconnect flag.
func (m *Manager) Connect(ctx context.Context) (err error) {
	ctx, span := tracing.Tracer("session").Start(ctx, "session.connect")
	defer func() { tracing.End(span, err, attribute.String("profile", m.profile)) }()

	m.errs.Begin(errchan.Connection)

	provider, ok := m.detection.Provider()
	if !ok {
		m.apply(func(s *Session) { *s = Session{State: model.ConnectionDisconnected} }, nil)
		return m.fail(errors.Join(ledgererr.ErrProviderUnavailable, m.detection.Reason()))
	}
	m.watch(provider)

	m.apply(func(s *Session) {
		*s = Session{State: model.ConnectionConnecting, ChainID: s.ChainID, UserDisconnected: s.UserDisconnected}
	}, provider)

	accounts, err := provider.RequestAccounts(ctx)
	if err != nil {
		m.apply(func(s *Session) {
			*s = Session{State: model.ConnectionError, ChainID: s.ChainID, UserDisconnected: s.UserDisconnected}
		}, provider)
		return m.fail(ledgererr.FromProvider(fmt.Errorf("request accounts: %w", err)))
	}

	if err := m.flags.StoreDisconnected(ctx, m.profile, false); err != nil {
		m.logger.Warn("clear disconnect flag failed", "error", err)
	}
	chainID := m.chainID(ctx, provider)

	return m.evaluate(provider, accounts, chainID, ledgererr.ErrNoAccounts, nil)
}

// Disconnect drops the signer and persists the disconnect flag. The binding
// stays usable for reads.
func (m *Manager) Disconnect(ctx context.Context) error {
	provider, _ := m.detection.Provider()
	m.apply(func(s *Session) {
		*s = Session{State: model.ConnectionDisconnected, ChainID: s.ChainID, UserDisconnected: true}
	}, provider)
	m.errs.Clear(errchan.Connection)

	if err := m.flags.StoreDisconnected(ctx, m.profile, true); err != nil {
		return fmt.Errorf("persist disconnect: %w", err)
	}
	m.logger.Info("wallet disconnected")
	return nil
}

func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Binding returns the current binding. It carries a signer iff the
// session is Connected.
func (m *Manager) Binding() *contract.Binding {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.binding
}

// Subscribe registers fn for session changes. fn runs synchronously after
// each change and must not call back into Connect or Disconnect.
func (m *Manager) Subscribe(fn func(Session)) wallet.Subscription {
	return m.observers.Subscribe(fn)
}

// Close releases the wallet notification subscription and waits for
// pending account rechecks.
func (m *Manager) Close() {
	m.mu.Lock()
	sub := m.walletSub
	m.walletSub = nil
	m.closed = true
	m.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	m.stopRechecks()
	m.rechecks.Wait()
}

func (m *Manager) watch(provider wallet.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.walletSub != nil || m.closed {
		return
	}
	m.walletSub = provider.Subscribe(func(n wallet.Notification) {
		m.onNotification(provider, n)
	})
}

// onNotification runs on the provider's delivery goroutine, so it must not
// issue provider requests. Anything that needs the provider runs in recheck.
func (m *Manager) onNotification(provider wallet.Provider, n wallet.Notification) {
	metrics.WalletNotificationsTotal.WithLabelValues(string(n.Kind)).Inc()
	m.logger.Debug("wallet notification", "kind", n.Kind, "accounts", len(n.Accounts), "chain_id", n.ChainID)

	switch n.Kind {
	case wallet.AccountsChanged:
		m.mu.Lock()
		userDisconnected, chainID := m.session.UserDisconnected, m.session.ChainID
		m.mu.Unlock()
		if userDisconnected {
			return
		}
		m.supersedeRechecks()
		m.errs.Begin(errchan.Connection)
		_ = m.evaluate(provider, n.Accounts, chainID, ledgererr.ErrNoAccounts, notUserDisconnected)

	case wallet.ChainChanged:
		// Rebuild the binding for the new chain with the same account, then
		// re-read the accounts the wallet exposes on that chain.
		m.apply(func(s *Session) { s.ChainID = n.ChainID }, provider)
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.chainSeq++
		seq := m.chainSeq
		m.rechecks.Add(1)
		m.mu.Unlock()
		go m.recheck(provider, n.ChainID, seq)

	case wallet.Disconnected:
		m.supersedeRechecks()
		m.apply(func(s *Session) {
			*s = Session{State: model.ConnectionDisconnected, ChainID: s.ChainID, UserDisconnected: s.UserDisconnected}
		}, provider)
		m.fail(ledgererr.ErrProviderUnavailable)
	}
}

func (m *Manager) supersedeRechecks() {
	m.mu.Lock()
	m.chainSeq++
	m.mu.Unlock()
}

// recheck re-reads the authorized accounts after a chain switch. A later
// notification makes its result moot.
func (m *Manager) recheck(provider wallet.Provider, chainID int64, seq uint64) {
	defer m.rechecks.Done()
	ctx, cancel := context.WithTimeout(m.recheckCtx, chainRecheckTimeout)
	defer cancel()

	accounts, err := provider.Accounts(ctx)

	m.mu.Lock()
	current := seq == m.chainSeq && !m.closed
	m.mu.Unlock()
	if !current {
		return
	}
	if err != nil {
		m.logger.Warn("recheck accounts after chain change failed", "chain_id", chainID, "error", err)
		return
	}
	m.errs.Begin(errchan.Connection)
	_ = m.evaluate(provider, accounts, chainID, ledgererr.ErrNoAccounts, func(s *Session) bool {
		return notUserDisconnected(s) && seq == m.chainSeq && !m.closed
	})
}

func notUserDisconnected(s *Session) bool {
	return !s.UserDisconnected
}

// evaluate moves to Connected with the first account, or to Disconnected
// with emptyErr when there are none. A non-nil guard runs under the session
// lock and can veto the change.
func (m *Manager) evaluate(provider wallet.Provider, accounts []common.Address, chainID int64, emptyErr error, guard func(*Session) bool) error {
	var account *common.Address
	if len(accounts) > 0 {
		first := accounts[0]
		account = &first
	}
	applied := m.applyIf(func(s *Session) bool {
		if guard != nil && !guard(s) {
			return false
		}
		if account == nil {
			*s = Session{State: model.ConnectionDisconnected, ChainID: chainID}
		} else {
			*s = Session{State: model.ConnectionConnected, Account: account, ChainID: chainID}
		}
		return true
	}, provider)
	switch {
	case !applied:
		return nil
	case account == nil:
		return m.fail(emptyErr)
	}
	m.logger.Info("wallet connected", "account", account.Hex(), "chain_id", chainID)
	return nil
}

func (m *Manager) chainID(ctx context.Context, provider wallet.Provider) int64 {
	id, err := provider.ChainID(ctx)
	if err != nil {
		m.logger.Warn("read chain id failed", "error", err)
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.session.ChainID
	}
	return id
}

func (m *Manager) apply(mutate func(*Session), provider wallet.Provider) {
	m.applyIf(func(s *Session) bool {
		mutate(s)
		return true
	}, provider)
}

// applyIf mutates the session and rebuilds the binding in one critical
// section, then notifies observers. A mutate returning false changes
// nothing.
func (m *Manager) applyIf(mutate func(*Session) bool, provider wallet.Provider) bool {
	m.mu.Lock()
	prev := m.session
	if !mutate(&m.session) {
		m.mu.Unlock()
		return false
	}
	if m.session.State != model.ConnectionConnected {
		m.session.Account = nil
	}

	var signer contract.Signer
	if m.session.Connected() && provider != nil {
		signer = wallet.NewSigner(provider, *m.session.Account)
	} else if m.session.Connected() {
		m.session.State = model.ConnectionDisconnected
		m.session.Account = nil
	}
	m.binding = m.binding.WithSigner(signer)
	next := m.session
	m.mu.Unlock()

	if prev.State != next.State {
		metrics.SessionTransitionsTotal.WithLabelValues(prev.State.String(), next.State.String()).Inc()
		m.logger.Debug("session transition", "from", prev.State, "to", next.State)
	}
	if next.Connected() {
		metrics.SessionConnected.Set(1)
	} else {
		metrics.SessionConnected.Set(0)
	}
	m.observers.Send(next)
	return true
}

func (m *Manager) fail(err error) error {
	if err == nil {
		return nil
	}
	m.errs.Fail(errchan.Connection, err)
	return err
}
