package session_test

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/emperorhan/blood-ledger/internal/errchan"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/session"
	"github.com/emperorhan/blood-ledger/internal/store"
	"github.com/emperorhan/blood-ledger/internal/wallet"
	"github.com/emperorhan/blood-ledger/internal/wallet/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	devKey0 = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devKey1 = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	devAddr0 = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	devAddr1 = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	ledger   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

type stubBackend struct{}

func (stubBackend) ChainID(context.Context) (int64, error) { return 31337, nil }

func (stubBackend) GetTransactionCount(context.Context, common.Address, string) (uint64, error) {
	return 0, nil
}

func (stubBackend) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func (stubBackend) EstimateGas(context.Context, rpc.TransactionArgs) (uint64, error) {
	return 21000, nil
}

func (stubBackend) SendRawTransaction(context.Context, []byte) (common.Hash, error) {
	return common.Hash{}, nil
}

type stubSub struct{ unsubscribed int }

func (s *stubSub) Unsubscribe() { s.unsubscribed++ }

func newManager(t *testing.T, detection wallet.Detection, flags store.FlagRepository) (*session.Manager, *errchan.Channel) {
	t.Helper()
	errs := errchan.New(slog.Default())
	m := session.NewManager(detection, nil, flags, errs, session.Config{ContractAddress: ledger}, slog.Default())
	t.Cleanup(m.Close)
	return m, errs
}

func newKeyStore(t *testing.T, preauthorized bool) *wallet.KeyStore {
	t.Helper()
	ks, err := wallet.NewKeyStore([]string{devKey0, devKey1}, stubBackend{}, wallet.WithPreauthorized(preauthorized))
	require.NoError(t, err)
	return ks
}

// assertSignerMatchesState checks the binding carries a signer exactly
// when the session is Connected, and for the session's account.
func assertSignerMatchesState(t *testing.T, m *session.Manager) {
	t.Helper()
	s := m.Session()
	b := m.Binding()
	require.Equal(t, s.Connected(), b.HasSigner(), "state %s", s.State)
	require.Equal(t, s.Connected(), s.Account != nil)
	if s.Connected() {
		account, ok := b.Account()
		require.True(t, ok)
		require.Equal(t, *s.Account, account)
	}
}

func TestInit_NoProvider(t *testing.T) {
	m, errs := newManager(t, wallet.Unavailable(nil), nil)

	err := m.Init(context.Background())
	require.ErrorIs(t, err, ledgererr.ErrProviderUnavailable)

	assert.Equal(t, model.ConnectionDisconnected, m.Session().State)
	assert.False(t, m.Binding().HasSigner())
	entry, ok := errs.Current(errchan.Connection)
	require.True(t, ok)
	assert.Equal(t, ledgererr.KindProviderUnavailable, entry.Kind)
}

func TestInit_SilentAccountQuery(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	sub := &stubSub{}
	provider.EXPECT().Subscribe(gomock.Any()).Return(sub)
	provider.EXPECT().Accounts(gomock.Any()).Return([]common.Address{devAddr0}, nil)
	provider.EXPECT().ChainID(gomock.Any()).Return(int64(31337), nil)

	m, errs := newManager(t, wallet.Available(provider), nil)
	require.NoError(t, m.Init(context.Background()))

	s := m.Session()
	assert.Equal(t, model.ConnectionConnected, s.State)
	require.NotNil(t, s.Account)
	assert.Equal(t, devAddr0, *s.Account)
	assert.Equal(t, int64(31337), s.ChainID)
	assertSignerMatchesState(t, m)
	_, failed := errs.Current(errchan.Connection)
	assert.False(t, failed)

	m.Close()
	assert.Equal(t, 1, sub.unsubscribed)
}

func TestInit_NoAuthorizedAccounts(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Subscribe(gomock.Any()).Return(&stubSub{})
	provider.EXPECT().Accounts(gomock.Any()).Return([]common.Address{}, nil)
	provider.EXPECT().ChainID(gomock.Any()).Return(int64(1), nil)

	m, errs := newManager(t, wallet.Available(provider), nil)
	err := m.Init(context.Background())
	require.ErrorIs(t, err, ledgererr.ErrNotConnected)

	assert.Equal(t, model.ConnectionDisconnected, m.Session().State)
	assertSignerMatchesState(t, m)
	entry, ok := errs.Current(errchan.Connection)
	require.True(t, ok)
	assert.Equal(t, ledgererr.KindNotConnected, entry.Kind)
}

func TestInit_AccountQueryFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Subscribe(gomock.Any()).Return(&stubSub{})
	provider.EXPECT().Accounts(gomock.Any()).Return(nil, &rpc.RPCError{Code: ledgererr.CodeDisconnected, Message: "disconnected"})

	m, _ := newManager(t, wallet.Available(provider), nil)
	err := m.Init(context.Background())
	require.ErrorIs(t, err, ledgererr.ErrProviderUnavailable)
	assert.Equal(t, model.ConnectionError, m.Session().State)
	assertSignerMatchesState(t, m)
}

func TestDisconnect_SurvivesReinitialization(t *testing.T) {
	flags := store.NewMemoryFlags()
	ks := newKeyStore(t, true)

	first, _ := newManager(t, wallet.Available(ks), flags)
	require.NoError(t, first.Init(context.Background()))
	require.Equal(t, model.ConnectionConnected, first.Session().State)

	require.NoError(t, first.Disconnect(context.Background()))
	s := first.Session()
	assert.Equal(t, model.ConnectionDisconnected, s.State)
	assert.True(t, s.UserDisconnected)
	assert.Nil(t, s.Account)
	assert.False(t, first.Binding().HasSigner())

	// Reload: the wallet still authorizes the account.
	accounts, err := ks.Accounts(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, accounts)

	second, _ := newManager(t, wallet.Available(ks), flags)
	require.NoError(t, second.Init(context.Background()))
	assert.Equal(t, model.ConnectionDisconnected, second.Session().State)
	assert.True(t, second.Session().UserDisconnected)
	assertSignerMatchesState(t, second)

	require.NoError(t, second.Connect(context.Background()))
	assert.Equal(t, model.ConnectionConnected, second.Session().State)
	assertSignerMatchesState(t, second)

	disconnected, err := flags.LoadDisconnected(context.Background(), "default")
	require.NoError(t, err)
	assert.False(t, disconnected)
}

func TestDisconnect_KeepsReadBinding(t *testing.T) {
	ks := newKeyStore(t, true)
	errs := errchan.New(slog.Default())
	reader := noopReader{}
	m := session.NewManager(wallet.Available(ks), reader, nil, errs, session.Config{ContractAddress: ledger}, slog.Default())
	defer m.Close()

	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))

	b := m.Binding()
	assert.True(t, b.HasProvider())
	assert.False(t, b.HasSigner())
	assert.Equal(t, ledger, b.Address())
}

func TestConnect_UserRejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Subscribe(gomock.Any()).Return(&stubSub{})
	provider.EXPECT().RequestAccounts(gomock.Any()).Return(nil, &rpc.RPCError{Code: ledgererr.CodeUserRejected, Message: "User rejected the request."})

	flags := store.NewMemoryFlags()
	require.NoError(t, flags.StoreDisconnected(context.Background(), "default", true))

	m, errs := newManager(t, wallet.Available(provider), flags)
	err := m.Connect(context.Background())
	require.ErrorIs(t, err, ledgererr.ErrUserRejected)

	assert.Equal(t, model.ConnectionError, m.Session().State)
	assertSignerMatchesState(t, m)
	entry, ok := errs.Current(errchan.Connection)
	require.True(t, ok)
	assert.Equal(t, ledgererr.KindUserRejected, entry.Kind)

	// A declined prompt does not clear the persisted disconnect.
	disconnected, err := flags.LoadDisconnected(context.Background(), "default")
	require.NoError(t, err)
	assert.True(t, disconnected)
}

func TestConnect_ForcesPromptEvenWhenAuthorized(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().Subscribe(gomock.Any()).Return(&stubSub{})
	gomock.InOrder(
		provider.EXPECT().RequestAccounts(gomock.Any()).Return([]common.Address{devAddr1}, nil),
		provider.EXPECT().ChainID(gomock.Any()).Return(int64(31337), nil),
	)

	m, errs := newManager(t, wallet.Available(provider), nil)
	errs.Fail(errchan.Connection, ledgererr.ErrNotConnected)

	var states []model.ConnectionState
	sub := m.Subscribe(func(s session.Session) { states = append(states, s.State) })
	defer sub.Unsubscribe()

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, []model.ConnectionState{model.ConnectionConnecting, model.ConnectionConnected}, states)
	assertSignerMatchesState(t, m)
	_, failed := errs.Current(errchan.Connection)
	assert.False(t, failed)
}

func TestNotifications_AccountChangeRebuildsBinding(t *testing.T) {
	ks := newKeyStore(t, true)
	m, errs := newManager(t, wallet.Available(ks), nil)
	require.NoError(t, m.Init(context.Background()))

	before := m.Binding()
	require.NoError(t, ks.SwitchAccount(devAddr1))

	s := m.Session()
	require.Equal(t, model.ConnectionConnected, s.State)
	assert.Equal(t, devAddr1, *s.Account)
	after := m.Binding()
	assert.NotSame(t, before, after)
	account, _ := before.Account()
	assert.Equal(t, devAddr0, account, "previous binding keeps its identity")
	assertSignerMatchesState(t, m)

	ks.Revoke()
	assert.Equal(t, model.ConnectionDisconnected, m.Session().State)
	assertSignerMatchesState(t, m)
	entry, ok := errs.Current(errchan.Connection)
	require.True(t, ok)
	assert.Equal(t, ledgererr.KindNoAccounts, entry.Kind)
}

func TestNotifications_IgnoredAfterUserDisconnect(t *testing.T) {
	ks := newKeyStore(t, true)
	m, _ := newManager(t, wallet.Available(ks), nil)
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Disconnect(context.Background()))

	require.NoError(t, ks.SwitchAccount(devAddr1))
	assert.Equal(t, model.ConnectionDisconnected, m.Session().State)
	assertSignerMatchesState(t, m)
}

func TestNotifications_ChainAndProviderDisconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	var notify func(wallet.Notification)
	provider.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(fn func(wallet.Notification)) wallet.Subscription {
		notify = fn
		return &stubSub{}
	})
	// Init plus the recheck after the chain switch.
	provider.EXPECT().Accounts(gomock.Any()).Return([]common.Address{devAddr0}, nil).Times(2)
	provider.EXPECT().ChainID(gomock.Any()).Return(int64(1), nil)

	m, errs := newManager(t, wallet.Available(provider), nil)
	require.NoError(t, m.Init(context.Background()))
	before := m.Binding()
	var changes atomic.Int32
	m.Subscribe(func(session.Session) { changes.Add(1) })

	notify(wallet.Notification{Kind: wallet.ChainChanged, ChainID: 11155111})
	// The chain switch itself, then the recheck.
	require.Eventually(t, func() bool { return changes.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(11155111), m.Session().ChainID)
	assert.Equal(t, model.ConnectionConnected, m.Session().State)
	assert.NotSame(t, before, m.Binding())
	assertSignerMatchesState(t, m)

	notify(wallet.Notification{Kind: wallet.Disconnected})
	assert.Equal(t, model.ConnectionDisconnected, m.Session().State)
	assertSignerMatchesState(t, m)
	entry, ok := errs.Current(errchan.Connection)
	require.True(t, ok)
	assert.Equal(t, ledgererr.KindProviderUnavailable, entry.Kind)
}

func TestNotifications_ChainChangeRechecksAccounts(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	var notify func(wallet.Notification)
	provider.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(fn func(wallet.Notification)) wallet.Subscription {
		notify = fn
		return &stubSub{}
	})
	gomock.InOrder(
		provider.EXPECT().Accounts(gomock.Any()).Return([]common.Address{devAddr0}, nil),
		provider.EXPECT().Accounts(gomock.Any()).Return([]common.Address{devAddr1}, nil),
	)
	provider.EXPECT().ChainID(gomock.Any()).Return(int64(1), nil)

	m, _ := newManager(t, wallet.Available(provider), nil)
	require.NoError(t, m.Init(context.Background()))

	notify(wallet.Notification{Kind: wallet.ChainChanged, ChainID: 11155111})
	require.Eventually(t, func() bool {
		s := m.Session()
		return s.Account != nil && *s.Account == devAddr1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(11155111), m.Session().ChainID)
	assertSignerMatchesState(t, m)
}

func TestNotifications_RecheckDoesNotUndoUserDisconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mocks.NewMockProvider(ctrl)
	var notify func(wallet.Notification)
	provider.EXPECT().Subscribe(gomock.Any()).DoAndReturn(func(fn func(wallet.Notification)) wallet.Subscription {
		notify = fn
		return &stubSub{}
	})
	checking := make(chan struct{})
	release := make(chan struct{})
	gomock.InOrder(
		provider.EXPECT().Accounts(gomock.Any()).Return([]common.Address{devAddr0}, nil),
		provider.EXPECT().Accounts(gomock.Any()).DoAndReturn(func(context.Context) ([]common.Address, error) {
			close(checking)
			<-release
			return []common.Address{devAddr0}, nil
		}),
	)
	provider.EXPECT().ChainID(gomock.Any()).Return(int64(1), nil)

	flags := store.NewMemoryFlags()
	m, _ := newManager(t, wallet.Available(provider), flags)
	require.NoError(t, m.Init(context.Background()))

	notify(wallet.Notification{Kind: wallet.ChainChanged, ChainID: 5})
	<-checking
	require.NoError(t, m.Disconnect(context.Background()))
	close(release)
	m.Close()

	s := m.Session()
	assert.Equal(t, model.ConnectionDisconnected, s.State)
	assert.True(t, s.UserDisconnected)
	assertSignerMatchesState(t, m)
	disconnected, err := flags.LoadDisconnected(context.Background(), "default")
	require.NoError(t, err)
	assert.True(t, disconnected)
}

func TestEvaluate_KeepsUserDisconnectUnderRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		ks := newKeyStore(t, true)
		m, _ := newManager(t, wallet.Available(ks), nil)
		require.NoError(t, m.Init(context.Background()))

		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = ks.SwitchAccount(devAddr1)
		}()
		require.NoError(t, m.Disconnect(context.Background()))
		<-done

		s := m.Session()
		require.Equal(t, model.ConnectionDisconnected, s.State, "run %d", i)
		require.True(t, s.UserDisconnected)
		assertSignerMatchesState(t, m)
	}
}

func TestSignerIffConnected_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 20; run++ {
		ks := newKeyStore(t, rng.Intn(2) == 0)
		flags := store.NewMemoryFlags()
		m, _ := newManager(t, wallet.Available(ks), flags)
		_ = m.Init(context.Background())
		assertSignerMatchesState(t, m)

		for step := 0; step < 25; step++ {
			switch rng.Intn(6) {
			case 0:
				_ = m.Connect(context.Background())
			case 1:
				require.NoError(t, m.Disconnect(context.Background()))
			case 2:
				require.NoError(t, ks.SwitchAccount(devAddr0))
			case 3:
				require.NoError(t, ks.SwitchAccount(devAddr1))
			case 4:
				ks.Revoke()
			case 5:
				_ = m.Init(context.Background())
			}
			assertSignerMatchesState(t, m)
		}
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	ks := newKeyStore(t, true)
	m, _ := newManager(t, wallet.Available(ks), nil)

	var seen []session.Session
	sub := m.Subscribe(func(s session.Session) { seen = append(seen, s) })
	require.NoError(t, m.Init(context.Background()))
	require.Len(t, seen, 1)
	assert.Equal(t, model.ConnectionConnected, seen[0].State)

	sub.Unsubscribe()
	require.NoError(t, m.Disconnect(context.Background()))
	assert.Len(t, seen, 1)
}

func TestDisconnect_FlagStoreFailure(t *testing.T) {
	ks := newKeyStore(t, true)
	m, _ := newManager(t, wallet.Available(ks), failingFlags{})

	// An unreadable flag keeps the session disconnected.
	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, model.ConnectionDisconnected, m.Session().State)

	err := m.Disconnect(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.ConnectionDisconnected, m.Session().State)
	assertSignerMatchesState(t, m)
}

type failingFlags struct{}

func (failingFlags) LoadDisconnected(context.Context, string) (bool, error) {
	return false, errors.New("disk full")
}

func (failingFlags) StoreDisconnected(context.Context, string, bool) error {
	return errors.New("disk full")
}

type noopReader struct{}

func (noopReader) Call(context.Context, rpc.TransactionArgs, string) ([]byte, error) {
	return nil, nil
}

func (noopReader) GetLogs(context.Context, rpc.LogFilter) ([]*rpc.Log, error) {
	return nil, nil
}

func (noopReader) GetTransactionReceipt(context.Context, common.Hash) (*rpc.TransactionReceipt, error) {
	return nil, nil
}
