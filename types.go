// Package paycore implements the pay-per-use settlement core: it turns a
// user-approved on-chain transfer into a spendable, auditable balance that
// other services can deduct from safely and repeatedly.
package paycore

import (
	"math/big"
	"time"
)

// TransferPurpose identifies why an on-chain transfer was submitted.
type TransferPurpose string

const (
	PurposeSessionCreate TransferPurpose = "session-create"
	PurposeSessionTopup  TransferPurpose = "session-topup"
	PurposeCreditTopup   TransferPurpose = "credit-topup"
)

// TransferStatus is the lifecycle state of a PendingTransfer.
// A transfer is immutable once it reaches a terminal state.
type TransferStatus string

const (
	TransferSubmitted TransferStatus = "submitted"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
)

// Terminal reports whether the status is confirmed or failed.
func (s TransferStatus) Terminal() bool {
	return s == TransferConfirmed || s == TransferFailed
}

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionDepleted SessionStatus = "depleted"
	SessionExpired  SessionStatus = "expired"
	SessionRevoked  SessionStatus = "revoked"
)

// PendingTransfer is the audit record of a single on-chain transfer
// submitted by this core, tracked from submission to terminal state.
// Rows are never deleted; they form the audit trail.
type PendingTransfer struct {
	// ID is a UUID assigned at submission time.
	ID string `json:"id"`

	// FromAddress is the payer's base58 address.
	FromAddress string `json:"fromAddress"`

	// ToAddress is the recipient's base58 address.
	ToAddress string `json:"toAddress"`

	// Lamports is the native amount transferred, in atomic units.
	Lamports int64 `json:"lamports"`

	// ReferenceCents is the stable-unit amount the transfer was sized
	// from, in USD cents.
	ReferenceCents int64 `json:"referenceCents"`

	// ConversionRate is the USD-per-SOL rate used to size the transfer.
	ConversionRate float64 `json:"conversionRate"`

	// Purpose records which ledger operation triggered the transfer.
	Purpose TransferPurpose `json:"purpose"`

	// Status is submitted until the monitor observes a terminal state.
	Status TransferStatus `json:"status"`

	// Signature is the on-chain transaction signature.
	Signature string `json:"signature"`

	CreatedAt   time.Time  `json:"createdAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`

	// ErrorReason is set when Status is failed.
	ErrorReason string `json:"errorReason,omitempty"`
}

// Session is a preauthorized on-chain payment whose balance is drawn down
// by many subsequent off-chain calls. Drawdown accounting is
// stable-denominated in USD cents, sized from the funding transfer at
// creation time, so per-call prices from ServiceConfig divide the
// authorization exactly. Terminal sessions are retained for audit and
// never physically deleted.
type Session struct {
	// Token is the opaque, unguessable session identifier.
	Token string `json:"token"`

	// OwnerAddress is the base58 address that funded the session.
	OwnerAddress string `json:"ownerAddress"`

	// ResourcePattern scopes which resources the session may pay for.
	ResourcePattern string `json:"resourcePattern"`

	// AuthorizedCents is the total preauthorized amount.
	AuthorizedCents int64 `json:"authorizedCents"`

	// SpentCents is monotonically non-decreasing and never exceeds
	// AuthorizedCents.
	SpentCents int64 `json:"spentCents"`

	Status    SessionStatus `json:"status"`
	ExpiresAt time.Time     `json:"expiresAt"`

	// AutoRenew allows the ledger to re-authorize a depleted session
	// with RenewalCents, as an explicit re-authorization event.
	AutoRenew    bool  `json:"autoRenew"`
	RenewalCents int64 `json:"renewalCents,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
}

// Remaining returns the undrawn balance in cents. It is never negative.
func (s *Session) Remaining() int64 {
	return s.AuthorizedCents - s.SpentCents
}

// CreditAccount is a standing prepaid balance per wallet, optionally
// scoped to a single service. Balances are stable-denominated in USD
// cents; only the funding transfer touches the native unit. Balance
// equals TotalPurchased minus TotalSpent at all times.
type CreditAccount struct {
	OwnerAddress string `json:"ownerAddress"`

	// ServiceScope is empty for a platform-wide account.
	ServiceScope string `json:"serviceScope,omitempty"`

	Balance        int64 `json:"balance"`
	TotalPurchased int64 `json:"totalPurchased"`
	TotalSpent     int64 `json:"totalSpent"`

	AutoTopupEnabled   bool  `json:"autoTopupEnabled"`
	AutoTopupThreshold int64 `json:"autoTopupThreshold"`
	AutoTopupCents     int64 `json:"autoTopupCents"`

	// LastTopupTx is the signature of the most recent confirmed top-up.
	LastTopupTx string `json:"lastTopupTx,omitempty"`

	UpdatedAt time.Time `json:"updatedAt"`
}

// DeductionEntry records a single session deduction attempt, successful
// or not. Entries are append-only.
type DeductionEntry struct {
	ID           string    `json:"id"`
	SessionToken string    `json:"sessionToken"`
	ResourceURL  string    `json:"resourceUrl"`
	Cents        int64     `json:"cents"`
	OK           bool      `json:"ok"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ServiceConfig is the read-only pricing input for a service. It is owned
// by the catalog layer; this core only consults it to validate and derive
// charges.
type ServiceConfig struct {
	ServiceID       string `json:"serviceId"`
	BasePriceCents  int64  `json:"basePriceCents"`
	Currency        string `json:"currency"`
	MinPaymentCents int64  `json:"minPaymentCents"`
	MaxSessionCents int64  `json:"maxSessionCents"`
}

// LamportsPerSOL is the number of atomic units in one SOL.
const LamportsPerSOL = 1_000_000_000

// USDToLamports converts a USD cent amount to lamports at the given
// USD-per-SOL rate, rounding down. For example, 25 cents at rate 150
// becomes 1666666 lamports.
func USDToLamports(cents int64, rate float64) (int64, error) {
	if cents < 0 {
		return 0, ErrInvalidAmount
	}
	if rate <= 0 {
		return 0, ErrInvalidRate
	}

	usd := new(big.Float).Quo(new(big.Float).SetInt64(cents), big.NewFloat(100))
	sol := new(big.Float).Quo(usd, big.NewFloat(rate))
	lamports := new(big.Float).Mul(sol, big.NewFloat(LamportsPerSOL))

	out, _ := lamports.Int64()
	return out, nil
}

// LamportsToUSD converts lamports back to USD cents at the given rate,
// rounding down.
func LamportsToUSD(lamports int64, rate float64) (int64, error) {
	if lamports < 0 {
		return 0, ErrInvalidAmount
	}
	if rate <= 0 {
		return 0, ErrInvalidRate
	}

	sol := new(big.Float).Quo(new(big.Float).SetInt64(lamports), big.NewFloat(LamportsPerSOL))
	usd := new(big.Float).Mul(sol, big.NewFloat(rate))
	cents := new(big.Float).Mul(usd, big.NewFloat(100))

	out, _ := cents.Int64()
	return out, nil
}
