package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Backend is the node surface needed to sign and broadcast locally.
type Backend interface {
	ChainID(ctx context.Context) (int64, error)
	GetTransactionCount(ctx context.Context, account common.Address, block string) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, args rpc.TransactionArgs) (uint64, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

type ApprovalKind string

const (
	ApproveAccounts    ApprovalKind = "accounts"
	ApproveTransaction ApprovalKind = "transaction"
)

type Approval struct {
	Kind    ApprovalKind
	Account common.Address
	Tx      rpc.TransactionArgs
}

// Approver stands in for the wallet's confirmation dialog. Returning false
// declines the request.
type Approver func(ctx context.Context, req Approval) (bool, error)

// KeyStore is a Provider backed by local private keys. Transactions are
// signed in-process as legacy transactions and sent with
// eth_sendRawTransaction.
type KeyStore struct {
	mu         sync.Mutex
	sendMu     sync.Mutex
	keys       map[common.Address]*ecdsa.PrivateKey
	order      []common.Address
	active     common.Address
	authorized bool
	backend    Backend
	approve    Approver
	gasBuffer  uint64 // percent added on top of eth_estimateGas
	feed       Feed[Notification]
}

type KeyStoreOption func(*KeyStore)

// WithApprover routes every prompt through fn.
func WithApprover(fn Approver) KeyStoreOption {
	return func(k *KeyStore) { k.approve = fn }
}

// WithPreauthorized makes the active account visible to Accounts before
// any RequestAccounts call, like a wallet that already trusts this client.
func WithPreauthorized(v bool) KeyStoreOption {
	return func(k *KeyStore) { k.authorized = v }
}

func NewKeyStore(hexKeys []string, backend Backend, opts ...KeyStoreOption) (*KeyStore, error) {
	k := &KeyStore{
		keys:      make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys)),
		backend:   backend,
		gasBuffer: 20,
	}
	for i, raw := range hexKeys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("private key %d: %w", i, err)
		}
		addr := crypto.PubkeyToAddress(key.PublicKey)
		if _, dup := k.keys[addr]; dup {
			continue
		}
		k.keys[addr] = key
		k.order = append(k.order, addr)
	}
	if len(k.order) == 0 {
		return nil, fmt.Errorf("keystore: no private keys")
	}
	k.active = k.order[0]
	for _, opt := range opts {
		opt(k)
	}
	return k, nil
}

func (k *KeyStore) Accounts(ctx context.Context) ([]common.Address, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.authorized {
		return []common.Address{}, nil
	}
	return []common.Address{k.active}, nil
}

func (k *KeyStore) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	k.mu.Lock()
	active := k.active
	k.mu.Unlock()

	if err := k.prompt(ctx, Approval{Kind: ApproveAccounts, Account: active}); err != nil {
		return nil, err
	}

	k.mu.Lock()
	k.authorized = true
	k.mu.Unlock()
	return []common.Address{active}, nil
}

func (k *KeyStore) ChainID(ctx context.Context) (int64, error) {
	return k.backend.ChainID(ctx)
}

// SwitchAccount selects another held key and notifies subscribers, the way
// a wallet UI account switch does.
func (k *KeyStore) SwitchAccount(addr common.Address) error {
	k.mu.Lock()
	if _, ok := k.keys[addr]; !ok {
		k.mu.Unlock()
		return fmt.Errorf("keystore: no key for %s", addr.Hex())
	}
	k.active = addr
	authorized := k.authorized
	k.mu.Unlock()

	accounts := []common.Address{}
	if authorized {
		accounts = append(accounts, addr)
	}
	k.feed.Send(Notification{Kind: AccountsChanged, Accounts: accounts})
	return nil
}

// Revoke withdraws this client's permission and announces zero accounts.
func (k *KeyStore) Revoke() {
	k.mu.Lock()
	k.authorized = false
	k.mu.Unlock()
	k.feed.Send(Notification{Kind: AccountsChanged, Accounts: []common.Address{}})
}

func (k *KeyStore) Subscribe(fn func(Notification)) Subscription {
	return k.feed.Subscribe(fn)
}

func (k *KeyStore) SendTransaction(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error) {
	k.mu.Lock()
	from := k.active
	authorized := k.authorized
	key := k.keys[from]
	k.mu.Unlock()

	if !authorized || (args.From != "" && !strings.EqualFold(args.From, from.Hex())) {
		return common.Hash{}, &rpc.RPCError{Code: ledgererr.CodeUnauthorized, Message: "The requested account has not been authorized by the user."}
	}
	if !common.IsHexAddress(args.To) {
		return common.Hash{}, fmt.Errorf("keystore: invalid recipient %q", args.To)
	}
	args.From = from.Hex()
	if err := k.prompt(ctx, Approval{Kind: ApproveTransaction, Account: from, Tx: args}); err != nil {
		return common.Hash{}, err
	}

	// One send at a time so pending nonces do not collide.
	k.sendMu.Lock()
	defer k.sendMu.Unlock()

	raw, err := k.signTx(ctx, key, from, args)
	if err != nil {
		return common.Hash{}, err
	}
	return k.backend.SendRawTransaction(ctx, raw)
}

func (k *KeyStore) signTx(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, args rpc.TransactionArgs) ([]byte, error) {
	chainID, err := k.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := k.backend.GetTransactionCount(ctx, from, "pending")
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := k.backend.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := k.backend.EstimateGas(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * k.gasBuffer / 100

	data, err := hexutil.Decode(args.Data)
	if err != nil {
		return nil, fmt.Errorf("decode calldata: %w", err)
	}
	to := common.HexToAddress(args.To)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    new(big.Int),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed.MarshalBinary()
}

func (k *KeyStore) prompt(ctx context.Context, req Approval) error {
	if k.approve == nil {
		return nil
	}
	ok, err := k.approve(ctx, req)
	if err != nil {
		return err
	}
	if !ok {
		return &rpc.RPCError{Code: ledgererr.CodeUserRejected, Message: "User rejected the request."}
	}
	return nil
}
