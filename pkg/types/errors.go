package types

import (
	"errors"
	"fmt"
)

// Kind is the closed enumeration of error categories the public API returns.
// Callers branch on kinds, not on message text.
type Kind string

const (
	// Validation
	KindInvalidArgument Kind = "invalid_argument"
	KindDuplicate       Kind = "duplicate"
	KindNotFound        Kind = "not_found"

	// State
	KindWrongStatus    Kind = "wrong_status"
	KindBundleStale    Kind = "bundle_stale"
	KindCapacityDenied Kind = "capacity_denied"

	// Concurrency
	KindCancelled Kind = "cancelled"
	KindTimeout   Kind = "timeout"

	// Ledger
	KindConnectFail Kind = "connect_fail"
	KindRevert      Kind = "revert"
	KindGasExceeds  Kind = "gas_exceeds"
	KindNonceGap    Kind = "nonce_gap"
	KindRpcFailed   Kind = "rpc_failed" // RpcTransient surfaces as this after retry exhaustion

	// Export
	KindExportFailed Kind = "export_failed"
	KindDuplicateRun Kind = "duplicate_run"
)

// Error is the structured error every public operation returns on failure:
// a kind for programmatic handling, a human message, and an optional cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// E builds an Error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error carrying an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// an empty kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (anywhere in its chain) carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
