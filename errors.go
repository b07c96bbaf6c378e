package paycore

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Standard settlement error definitions.

var (
	// ErrNotReady indicates the signer capability is missing or unusable.
	ErrNotReady = errors.New("signer not ready")

	// ErrInsufficientFunds indicates the payer's on-chain balance cannot
	// cover the transfer plus the fee estimate.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrNetworkUnavailable indicates the ledger reference fetch
	// exhausted its retries.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrUserRejected indicates the signer declined to sign.
	ErrUserRejected = errors.New("user rejected signing")

	// ErrTransferExpired indicates the ledger reference expired before
	// the transfer confirmed.
	ErrTransferExpired = errors.New("transfer expired")

	// ErrSessionNotUsable indicates the session is expired, depleted,
	// revoked, or unknown.
	ErrSessionNotUsable = errors.New("session not usable")

	// ErrInsufficientCredits indicates the credit balance is below the
	// requested spend.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrVerificationFailed indicates a proof or amount mismatch on an
	// inbound payment claim.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrInvalidAmount indicates a malformed or non-positive amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidRate indicates a non-positive conversion rate.
	ErrInvalidRate = errors.New("invalid conversion rate")

	// ErrInvalidAddress indicates a syntactically invalid ledger address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrInvalidKey indicates an unusable signing key.
	ErrInvalidKey = errors.New("invalid signing key")
)

// ErrorCode classifies a PaymentError for exhaustive handling across
// process boundaries.
type ErrorCode string

const (
	ErrCodeNotReady            ErrorCode = "not_ready"
	ErrCodeInsufficientFunds   ErrorCode = "insufficient_funds"
	ErrCodeNetworkUnavailable  ErrorCode = "network_unavailable"
	ErrCodeUserRejected        ErrorCode = "user_rejected"
	ErrCodeTransferExpired     ErrorCode = "transfer_expired"
	ErrCodeSessionNotUsable    ErrorCode = "session_not_usable"
	ErrCodeInsufficientCredits ErrorCode = "insufficient_credits"
	ErrCodeVerificationFailed  ErrorCode = "verification_failed"
	ErrCodeInternal            ErrorCode = "internal"
)

// PaymentError is a coded settlement error with optional structured
// details (shortfall amounts, failing admission reasons, signatures).
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]interface{}
}

// NewPaymentError creates a coded payment error wrapping err.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{Code: code, Message: message, Err: err}
}

// WithDetails attaches a key/value detail and returns the error for
// chaining.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *PaymentError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		msg += " (" + strings.Join(parts, " ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// Shortfall returns the "shortfall" detail if present. It is set on
// insufficient-funds and insufficient-credits errors so callers can size
// a top-up.
func (e *PaymentError) Shortfall() (int64, bool) {
	v, ok := e.Details["shortfall"]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}
