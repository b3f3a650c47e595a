// Package ledgererr defines the failure taxonomy shared by the session,
// projection and write layers.
package ledgererr

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrProviderUnavailable   = errors.New("wallet provider unavailable")
	ErrUserRejected          = errors.New("user rejected the request")
	ErrPermissionDenied      = errors.New("wallet permission denied")
	ErrNoAccounts            = errors.New("no accounts available")
	ErrNotConnected          = errors.New("wallet not connected")
	ErrContractUninitialized = errors.New("contract not initialized")
	ErrReverted              = errors.New("transaction reverted")
	ErrNetwork               = errors.New("ledger provider unreachable")
	ErrInvalidArgument       = errors.New("invalid argument")
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
)

// WriteClass is the failure class of a submitted write.
type WriteClass string

const (
	ClassReverted     WriteClass = "reverted"
	ClassUserRejected WriteClass = "user_rejected"
	ClassNetwork      WriteClass = "network_error"
)

func (c WriteClass) sentinel() error {
	switch c {
	case ClassReverted:
		return ErrReverted
	case ClassUserRejected:
		return ErrUserRejected
	case ClassNetwork:
		return ErrNetwork
	}
	return nil
}

// ReadError scopes a failed read to one projection.
type ReadError struct {
	Projection string
	Err        error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Projection, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// WriteError reports a failed ledger mutation. TxHash is zero when the
// write never reached the ledger.
type WriteError struct {
	Op     string
	Class  WriteClass
	Reason string
	TxHash common.Hash
	Err    error
}

func (e *WriteError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("%s (%s, tx %s): %v", e.Op, e.Class, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the write's class, so callers can test
// errors.Is(err, ErrReverted) without knowing about WriteError.
func (e *WriteError) Is(target error) bool {
	s := e.Class.sentinel()
	return s != nil && target == s
}

// NewWriteError classifies err and wraps it for op.
func NewWriteError(op string, txHash common.Hash, err error) *WriteError {
	d := ClassifyWrite(err)
	return &WriteError{Op: op, Class: d.Class, Reason: d.Reason, TxHash: txHash, Err: err}
}
