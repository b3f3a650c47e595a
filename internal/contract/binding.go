// Package contract binds the fixed BloodLedger contract interface to a
// read provider and, when a wallet account is connected, a signer.
package contract

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

//go:embed bloodledger.abi.json
var abiJSON []byte

var ledgerABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(bytes.NewReader(abiJSON))
	if err != nil {
		panic(fmt.Sprintf("contract: parse embedded ABI: %v", err))
	}
	return parsed
}

// ABI returns the contract interface descriptor.
func ABI() abi.ABI {
	return ledgerABI
}

// Reader is the read-only provider surface the binding needs.
type Reader interface {
	Call(ctx context.Context, args rpc.TransactionArgs, block string) ([]byte, error)
	GetLogs(ctx context.Context, filter rpc.LogFilter) ([]*rpc.Log, error)
	GetTransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.TransactionReceipt, error)
}

// Signer submits transactions for one account.
type Signer interface {
	Address() common.Address
	SendTransaction(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error)
}

// Binding is immutable. A signer change produces a new Binding via
// WithSigner; the previous value keeps its original identity.
type Binding struct {
	address   common.Address
	abi       abi.ABI
	reader    Reader
	signer    Signer
	fromBlock uint64
}

type Option func(*Binding)

// WithFromBlock sets the lower bound for event-log scans.
func WithFromBlock(n uint64) Option {
	return func(b *Binding) { b.fromBlock = n }
}

// New returns a binding. reader may be nil when no provider is reachable;
// every Call then fails with ErrContractUninitialized.
func New(address common.Address, reader Reader, signer Signer, opts ...Option) *Binding {
	b := &Binding{
		address: address,
		abi:     ledgerABI,
		reader:  reader,
		signer:  signer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithSigner returns a copy of b bound to signer. A nil signer yields a
// provider-only binding.
func (b *Binding) WithSigner(signer Signer) *Binding {
	next := *b
	next.signer = signer
	return &next
}

func (b *Binding) Address() common.Address {
	return b.address
}

func (b *Binding) HasProvider() bool {
	return b != nil && b.reader != nil
}

func (b *Binding) HasSigner() bool {
	return b != nil && b.signer != nil
}

// Account returns the signing account, if any.
func (b *Binding) Account() (common.Address, bool) {
	if !b.HasSigner() {
		return common.Address{}, false
	}
	return b.signer.Address(), true
}

// Call runs a view method and returns its decoded outputs.
func (b *Binding) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	if !b.HasProvider() {
		return nil, fmt.Errorf("call %s: %w", method, ledgererr.ErrContractUninitialized)
	}
	m, ok := b.abi.Methods[method]
	if !ok {
		return nil, fmt.Errorf("call %s: unknown method", method)
	}
	input, err := b.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, errors.Join(ledgererr.ErrInvalidArgument, err))
	}

	callArgs := rpc.TransactionArgs{
		To:   b.address.Hex(),
		Data: hexutil.Encode(input),
	}
	if account, ok := b.Account(); ok {
		callArgs.From = account.Hex()
	}

	output, err := b.reader.Call(ctx, callArgs, rpc.BlockTagLatest)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(output) == 0 && len(m.Outputs) > 0 {
		return nil, fmt.Errorf("call %s: empty return data from %s: %w", method, b.address.Hex(), ledgererr.ErrContractUninitialized)
	}

	values, err := b.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// Send submits a state-changing method through the signer and returns the
// transaction hash. It does not wait for inclusion.
func (b *Binding) Send(ctx context.Context, method string, args ...interface{}) (common.Hash, error) {
	if b == nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, ledgererr.ErrContractUninitialized)
	}
	if b.signer == nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, ledgererr.ErrNotConnected)
	}
	if _, ok := b.abi.Methods[method]; !ok {
		return common.Hash{}, fmt.Errorf("send %s: unknown method", method)
	}
	input, err := b.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, errors.Join(ledgererr.ErrInvalidArgument, err))
	}

	hash, err := b.signer.SendTransaction(ctx, rpc.TransactionArgs{
		From: b.signer.Address().Hex(),
		To:   b.address.Hex(),
		Data: hexutil.Encode(input),
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("send %s: %w", method, ledgererr.FromProvider(err))
	}
	return hash, nil
}

// WaitMined polls for the receipt of hash until it is included or ctx ends.
// A receipt with status 0 is returned together with ErrReverted.
func (b *Binding) WaitMined(ctx context.Context, hash common.Hash, interval time.Duration) (*rpc.TransactionReceipt, error) {
	if !b.HasProvider() {
		return nil, fmt.Errorf("wait %s: %w", hash.Hex(), ledgererr.ErrContractUninitialized)
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := b.reader.GetTransactionReceipt(ctx, hash)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, fmt.Errorf("wait %s: %w", hash.Hex(), ctx.Err())
		case err != nil && !ledgererr.IsTransport(err):
			return nil, fmt.Errorf("wait %s: %w", hash.Hex(), err)
		case receipt != nil:
			if !receipt.Succeeded() {
				return receipt, fmt.Errorf("tx %s: %w", hash.Hex(), ledgererr.ErrReverted)
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
