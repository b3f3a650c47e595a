package ledgererr

import (
	"errors"
	"strings"
)

// Kind is the stable label of an error, used for error slots and metrics.
type Kind string

const (
	KindProviderUnavailable   Kind = "provider_unavailable"
	KindUserRejected          Kind = "user_rejected"
	KindPermissionDenied      Kind = "permission_denied"
	KindNoAccounts            Kind = "no_accounts"
	KindNotConnected          Kind = "not_connected"
	KindContractUninitialized Kind = "contract_uninitialized"
	KindInvalidArgument       Kind = "invalid_argument"
	KindReadFailure           Kind = "read_failure"
	KindReverted              Kind = "reverted"
	KindNetwork               Kind = "network_error"
	KindUnknown               Kind = "unknown"
)

var sentinelKinds = []struct {
	err  error
	kind Kind
}{
	{ErrProviderUnavailable, KindProviderUnavailable},
	{ErrUserRejected, KindUserRejected},
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrNoAccounts, KindNoAccounts},
	{ErrNotConnected, KindNotConnected},
	{ErrContractUninitialized, KindContractUninitialized},
	{ErrInvalidArgument, KindInvalidArgument},
	{ErrReverted, KindReverted},
	{ErrNetwork, KindNetwork},
}

func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var we *WriteError
	if errors.As(err, &we) {
		switch we.Class {
		case ClassReverted:
			return KindReverted
		case ClassUserRejected:
			return KindUserRejected
		default:
			return KindNetwork
		}
	}
	for _, sk := range sentinelKinds {
		if errors.Is(err, sk.err) {
			return sk.kind
		}
	}
	var re *ReadError
	if errors.As(err, &re) {
		return KindReadFailure
	}
	return KindUnknown
}

var kindMessages = map[Kind]string{
	KindProviderUnavailable:   "No wallet provider detected. Install or start a wallet to continue.",
	KindUserRejected:          "The request was rejected in the wallet.",
	KindPermissionDenied:      "The wallet did not grant access to this account.",
	KindNoAccounts:            "No accounts connected. Please connect your wallet.",
	KindNotConnected:          "Wallet not connected.",
	KindContractUninitialized: "Contract not initialized. Check the ledger endpoint and contract address.",
}

// Message renders err as the single line shown to the user.
func Message(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	if msg, ok := kindMessages[kind]; ok {
		return msg
	}
	var we *WriteError
	if errors.As(err, &we) && we.Class == ClassReverted {
		return "Transaction reverted: " + revertReason(we.Err)
	}
	return err.Error()
}

// revertReason strips node prefixes from a revert message.
func revertReason(err error) string {
	if err == nil {
		return "no reason given"
	}
	msg := err.Error()
	if i := strings.LastIndex(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimSpace(strings.TrimPrefix(msg[i+len("execution reverted"):], ":"))
		if reason != "" {
			return reason
		}
		return "no reason given"
	}
	return msg
}
