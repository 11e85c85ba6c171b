// Package failure defines the typed failure taxonomy shared by the swap worker
// and the pending-swap ledger.
package failure

import (
	"errors"
	"fmt"
)

// Reason is a machine-readable failure identifier carried in worker output
type Reason string

const (
	TokenNotWhitelisted   Reason = "TOKEN_NOT_WHITELISTED"
	InsufficientLiquidity Reason = "INSUFFICIENT_LIQUIDITY"
	SigningError          Reason = "SIGNING_ERROR"
	RelayRejected         Reason = "RELAY_REJECTED"
	SettlementTimeout     Reason = "SETTLEMENT_TIMEOUT"
	TransactionFailure    Reason = "TRANSACTION_FAILURE"
	CallbackReplay        Reason = "CALLBACK_REPLAY"

	InvalidRequest       Reason = "INVALID_REQUEST"
	StorageNotRegistered Reason = "STORAGE_NOT_REGISTERED"
	Paused               Reason = "PAUSED"
	Internal             Reason = "INTERNAL"
)

var retryableByDefault = map[Reason]bool{
	SettlementTimeout: true,
}

// Error is a pipeline or ledger failure with a reason and diagnostic detail
type Error struct {
	Reason    Reason
	Detail    string
	Retryable bool
	Err       error
}

// New creates a failure, marking it retryable when the reason is
func New(reason Reason, detail string, cause error) *Error {
	return &Error{
		Reason:    reason,
		Detail:    detail,
		Retryable: retryableByDefault[reason],
		Err:       cause,
	}
}

// Newf creates a failure with a formatted detail and no cause
func Newf(reason Reason, format string, args ...any) *Error {
	return New(reason, fmt.Sprintf(format, args...), nil)
}

// WithRetryable overrides the retry hint
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Reason, e.Detail)
	if e.Err != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same reason
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Reason == other.Reason
}

// From returns err as a failure, wrapping untyped errors as Internal
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var f *Error
	if errors.As(err, &f) {
		return f
	}
	return New(Internal, err.Error(), err)
}

// ReasonOf extracts the failure reason of err, or Internal for untyped errors
func ReasonOf(err error) Reason {
	if err == nil {
		return ""
	}
	return From(err).Reason
}
