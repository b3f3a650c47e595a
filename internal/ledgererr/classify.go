package ledgererr

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/circuitbreaker"
)

type Decision struct {
	Class  WriteClass
	Reason string
}

// ClassifyWrite maps a submission or confirmation failure onto a write class.
// Order: explicit sentinels, provider codes, transport signals, message tokens.
// Anything unrecognised is a network error: the write may or may not have
// landed, so the caller must re-read before retrying.
func ClassifyWrite(err error) Decision {
	if err == nil {
		return Decision{}
	}

	var we *WriteError
	if errors.As(err, &we) {
		return Decision{Class: we.Class, Reason: we.Reason}
	}

	switch {
	case errors.Is(err, ErrUserRejected):
		return Decision{Class: ClassUserRejected, Reason: "user_rejected"}
	case errors.Is(err, ErrPermissionDenied):
		return Decision{Class: ClassUserRejected, Reason: "permission_denied"}
	case errors.Is(err, ErrReverted):
		return Decision{Class: ClassReverted, Reason: "receipt_status"}
	case errors.Is(err, ErrNetwork):
		return Decision{Class: ClassNetwork, Reason: "network"}
	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		return Decision{Class: ClassNetwork, Reason: "circuit_open"}
	case errors.Is(err, context.DeadlineExceeded):
		return Decision{Class: ClassNetwork, Reason: "deadline_exceeded"}
	case errors.Is(err, context.Canceled):
		return Decision{Class: ClassNetwork, Reason: "canceled"}
	}

	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyCode(rpcErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Decision{Class: ClassNetwork, Reason: "net_error"}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case containsAny(lower, rejectedMessageTokens):
		return Decision{Class: ClassUserRejected, Reason: "message_rejected"}
	case containsAny(lower, revertMessageTokens):
		return Decision{Class: ClassReverted, Reason: "message_reverted"}
	}
	return Decision{Class: ClassNetwork, Reason: "unknown"}
}

func classifyCode(e *rpc.RPCError) Decision {
	switch {
	case e.Code == CodeUserRejected:
		return Decision{Class: ClassUserRejected, Reason: "eip1193_user_rejected"}
	case e.Code == CodeUnauthorized:
		return Decision{Class: ClassUserRejected, Reason: "eip1193_unauthorized"}
	case e.Code == CodeDisconnected || e.Code == CodeChainDisconnected:
		return Decision{Class: ClassNetwork, Reason: "eip1193_disconnected"}
	case e.Code == 3:
		return Decision{Class: ClassReverted, Reason: "jsonrpc_execution_reverted"}
	case containsAny(strings.ToLower(e.Message), revertMessageTokens):
		return Decision{Class: ClassReverted, Reason: "jsonrpc_reverted_message"}
	case e.Code == -32603 || e.Code == -32005 || e.Code == -32002:
		return Decision{Class: ClassNetwork, Reason: "jsonrpc_server_transient"}
	}
	// The node answered and refused the transaction (nonce, funds, bad params).
	return Decision{Class: ClassReverted, Reason: "jsonrpc_rejected"}
}

// IsTransport reports whether err looks like the provider could not be reached.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var rpcErr *rpc.RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNetwork) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return containsAny(strings.ToLower(err.Error()), transportMessageTokens)
}

// FromProvider maps EIP-1193 error codes returned by a wallet onto the
// session sentinels. Unrecognised errors are returned unchanged.
func FromProvider(err error) error {
	var rpcErr *rpc.RPCError
	if !errors.As(err, &rpcErr) {
		return err
	}
	switch rpcErr.Code {
	case CodeUserRejected:
		return errors.Join(ErrUserRejected, err)
	case CodeUnauthorized:
		return errors.Join(ErrPermissionDenied, err)
	case CodeDisconnected, CodeChainDisconnected:
		return errors.Join(ErrProviderUnavailable, err)
	}
	return err
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var rejectedMessageTokens = []string{
	"user rejected",
	"user denied",
	"rejected by user",
}

var revertMessageTokens = []string{
	"execution reverted",
	"revert",
}

var transportMessageTokens = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"no such host",
	"broken pipe",
	"eof",
	"http status 429",
	"http status 502",
	"http status 503",
	"http status 504",
	"http request",
}
