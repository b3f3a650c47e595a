package wallet

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	devKey0 = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	devKey1 = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	devAddr0 = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	devAddr1 = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	ledger   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
)

type fakeBackend struct {
	chainID int64
	nonce   uint64
	gas     uint64
	sent    [][]byte
	sendErr error
}

func (f *fakeBackend) ChainID(context.Context) (int64, error) { return f.chainID, nil }

func (f *fakeBackend) GetTransactionCount(context.Context, common.Address, string) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) GasPrice(context.Context) (*big.Int, error) { return big.NewInt(1_000_000_000), nil }

func (f *fakeBackend) EstimateGas(context.Context, rpc.TransactionArgs) (uint64, error) {
	return f.gas, nil
}

func (f *fakeBackend) SendRawTransaction(_ context.Context, raw []byte) (common.Hash, error) {
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sent = append(f.sent, raw)
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, err
	}
	return tx.Hash(), nil
}

func TestNewKeyStore(t *testing.T) {
	ks, err := NewKeyStore([]string{devKey0, devKey1, devKey0, ""}, &fakeBackend{}, WithPreauthorized(true))
	require.NoError(t, err)
	accounts, err := ks.Accounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{devAddr0}, accounts)
	require.NoError(t, ks.SwitchAccount(devAddr1))
	require.Error(t, ks.SwitchAccount(common.HexToAddress("0x01")))

	_, err = NewKeyStore(nil, &fakeBackend{})
	require.Error(t, err)

	_, err = NewKeyStore([]string{"zz"}, &fakeBackend{})
	require.Error(t, err)
}

func TestKeyStore_SilentQueryRespectsAuthorization(t *testing.T) {
	ctx := context.Background()
	ks, err := NewKeyStore([]string{devKey0}, &fakeBackend{})
	require.NoError(t, err)

	accounts, err := ks.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts, "nothing is visible before the user grants access")

	accounts, err = ks.RequestAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{devAddr0}, accounts)

	accounts, err = ks.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{devAddr0}, accounts)
}

func TestKeyStore_RequestAccountsRejected(t *testing.T) {
	ks, err := NewKeyStore([]string{devKey0}, &fakeBackend{}, WithApprover(func(context.Context, Approval) (bool, error) {
		return false, nil
	}))
	require.NoError(t, err)

	_, err = ks.RequestAccounts(context.Background())
	var rpcErr *rpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ledgererr.CodeUserRejected, rpcErr.Code)
}

func TestKeyStore_SendTransactionSignsLocally(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, nonce: 7, gas: 100_000}
	var seen []ApprovalKind
	ks, err := NewKeyStore([]string{devKey0}, backend,
		WithPreauthorized(true),
		WithApprover(func(_ context.Context, req Approval) (bool, error) {
			seen = append(seen, req.Kind)
			return true, nil
		}))
	require.NoError(t, err)

	hash, err := ks.SendTransaction(context.Background(), rpc.TransactionArgs{
		To:   ledger.Hex(),
		Data: "0x5e1e5b0b",
	})
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, []ApprovalKind{ApproveTransaction}, seen)

	var tx types.Transaction
	require.NoError(t, tx.UnmarshalBinary(backend.sent[0]))
	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, ledger, *tx.To())
	assert.Equal(t, []byte{0x5e, 0x1e, 0x5b, 0x0b}, tx.Data())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), &tx)
	require.NoError(t, err)
	assert.Equal(t, devAddr0, sender)
}

func TestKeyStore_SendTransactionUnauthorized(t *testing.T) {
	backend := &fakeBackend{chainID: 31337}
	ks, err := NewKeyStore([]string{devKey0, devKey1}, backend)
	require.NoError(t, err)

	_, err = ks.SendTransaction(context.Background(), rpc.TransactionArgs{To: ledger.Hex(), Data: "0x"})
	assert.ErrorIs(t, ledgererr.FromProvider(err), ledgererr.ErrPermissionDenied)

	_, err = ks.RequestAccounts(context.Background())
	require.NoError(t, err)
	_, err = ks.SendTransaction(context.Background(), rpc.TransactionArgs{From: devAddr1.Hex(), To: ledger.Hex(), Data: "0x"})
	assert.ErrorIs(t, ledgererr.FromProvider(err), ledgererr.ErrPermissionDenied, "only the active account may sign")
	assert.Empty(t, backend.sent)
}

func TestKeyStore_SendTransactionDeclined(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, gas: 21000}
	ks, err := NewKeyStore([]string{devKey0}, backend,
		WithPreauthorized(true),
		WithApprover(func(_ context.Context, req Approval) (bool, error) {
			return req.Kind != ApproveTransaction, nil
		}))
	require.NoError(t, err)

	_, err = ks.SendTransaction(context.Background(), rpc.TransactionArgs{To: ledger.Hex(), Data: "0x"})
	assert.ErrorIs(t, ledgererr.FromProvider(err), ledgererr.ErrUserRejected)
	assert.Empty(t, backend.sent)
}

func TestKeyStore_BackendErrorPassesThrough(t *testing.T) {
	backend := &fakeBackend{chainID: 31337, gas: 21000, sendErr: errors.New("connection refused")}
	ks, err := NewKeyStore([]string{devKey0}, backend, WithPreauthorized(true))
	require.NoError(t, err)

	_, err = ks.SendTransaction(context.Background(), rpc.TransactionArgs{To: ledger.Hex(), Data: "0x"})
	require.Error(t, err)
	assert.True(t, ledgererr.IsTransport(err))
}

func TestKeyStore_SwitchAccountAndRevokeNotify(t *testing.T) {
	ks, err := NewKeyStore([]string{devKey0, devKey1}, &fakeBackend{}, WithPreauthorized(true))
	require.NoError(t, err)

	var got []Notification
	sub := ks.Subscribe(func(n Notification) { got = append(got, n) })

	require.NoError(t, ks.SwitchAccount(devAddr1))
	ks.Revoke()
	sub.Unsubscribe()
	require.NoError(t, ks.SwitchAccount(devAddr0))

	require.Len(t, got, 2)
	assert.Equal(t, AccountsChanged, got[0].Kind)
	assert.Equal(t, []common.Address{devAddr1}, got[0].Accounts)
	assert.Empty(t, got[1].Accounts)

	require.Error(t, ks.SwitchAccount(common.HexToAddress("0x01")))
}
