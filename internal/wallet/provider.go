// Package wallet models the wallet-extension surface: the silent account
// query, the permission prompt, transaction signing and change notifications.
package wallet

import (
	"context"
	"errors"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/ethereum/go-ethereum/common"
)

//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks . Provider

// Provider is an EIP-1193 style wallet.
type Provider interface {
	// Accounts returns the accounts already authorized for this client
	// without prompting (eth_accounts).
	Accounts(ctx context.Context) ([]common.Address, error)
	// RequestAccounts prompts for account selection and permission
	// (wallet_requestPermissions + eth_requestAccounts).
	RequestAccounts(ctx context.Context) ([]common.Address, error)
	ChainID(ctx context.Context) (int64, error)
	SendTransaction(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error)
	// Subscribe registers fn for accountsChanged / chainChanged. fn runs on
	// the provider's notification goroutine and must not block.
	Subscribe(fn func(Notification)) Subscription
}

type NotificationKind string

const (
	AccountsChanged NotificationKind = "accountsChanged"
	ChainChanged    NotificationKind = "chainChanged"
	Disconnected    NotificationKind = "disconnect"
)

type Notification struct {
	Kind     NotificationKind
	Accounts []common.Address
	ChainID  int64
}

// Subscription must be released with Unsubscribe when its owner goes away.
type Subscription interface {
	Unsubscribe()
}

// Detection is the one-time capability check made at start-up.
type Detection struct {
	provider Provider
	reason   error
}

var errNoProvider = errors.New("no wallet provider configured")

func Available(p Provider) Detection {
	return Detection{provider: p}
}

func Unavailable(reason error) Detection {
	if reason == nil {
		reason = errNoProvider
	}
	return Detection{reason: reason}
}

// Provider returns the detected provider, or false when none is present.
func (d Detection) Provider() (Provider, bool) {
	return d.provider, d.provider != nil
}

// Reason explains an Unavailable detection.
func (d Detection) Reason() error {
	return d.reason
}

// Detect runs probe once and turns its outcome into a Detection.
func Detect(ctx context.Context, probe func(context.Context) (Provider, error)) Detection {
	if probe == nil {
		return Unavailable(nil)
	}
	p, err := probe(ctx)
	if err != nil {
		return Unavailable(err)
	}
	if p == nil {
		return Unavailable(nil)
	}
	return Available(p)
}

// Signer submits transactions for one account through p.
type Signer struct {
	provider Provider
	account  common.Address
}

func NewSigner(p Provider, account common.Address) *Signer {
	return &Signer{provider: p, account: account}
}

func (s *Signer) Address() common.Address {
	return s.account
}

func (s *Signer) SendTransaction(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error) {
	args.From = s.account.Hex()
	return s.provider.SendTransaction(ctx, args)
}
