// Package store defines the durable-store contract for settlement state.
// Monetary fields (session spend, credit balance) are mutated exclusively
// through atomic conditional updates; the interface deliberately exposes
// no read-modify-write path for them.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/agentmesh/paycore"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConditionFailed is returned when a conditional update's guard
	// does not hold (insufficient remaining, wrong status, expired).
	ErrConditionFailed = errors.New("conditional update failed")

	// ErrAlreadyRedeemed is returned when a transfer proof has been
	// consumed before.
	ErrAlreadyRedeemed = errors.New("transfer proof already redeemed")

	// ErrDuplicate is returned when a row with the same key exists.
	ErrDuplicate = errors.New("duplicate row")
)

// Store is the durable settlement store. Implementations must make every
// method safe for concurrent use.
type Store interface {
	// CreateTransfer persists a new audit record in submitted state.
	CreateTransfer(ctx context.Context, t *paycore.PendingTransfer) error

	// GetTransfer looks up a transfer by ID.
	GetTransfer(ctx context.Context, id string) (*paycore.PendingTransfer, error)

	// GetTransferBySignature looks up a transfer by on-chain signature.
	GetTransferBySignature(ctx context.Context, signature string) (*paycore.PendingTransfer, error)

	// FinalizeTransfer transitions a transfer from submitted to a
	// terminal status exactly once. It reports false, without error,
	// when the transfer is already terminal, so re-observation is
	// idempotent.
	FinalizeTransfer(ctx context.Context, id string, status paycore.TransferStatus, errorReason string, confirmedAt time.Time) (bool, error)

	// ListStaleSubmitted returns transfers stuck in submitted state
	// since before the given time, oldest first.
	ListStaleSubmitted(ctx context.Context, olderThan time.Time, limit int) ([]*paycore.PendingTransfer, error)

	// CreateSession persists a new active session.
	CreateSession(ctx context.Context, s *paycore.Session) error

	// GetSession looks up a session by token.
	GetSession(ctx context.Context, token string) (*paycore.Session, error)

	// DeductSession atomically increments spent iff the session is
	// active, unexpired at now, and spent+cents <= authorized. When
	// the deduction lands exactly on the authorized amount the status
	// flips to depleted in the same operation. Returns the updated
	// session, or ErrConditionFailed when the guard does not hold.
	DeductSession(ctx context.Context, token string, cents int64, now time.Time) (*paycore.Session, error)

	// TransitionSession flips a session's status from one state to
	// another, reporting false when the session was not in the expected
	// state.
	TransitionSession(ctx context.Context, token string, from, to paycore.SessionStatus) (bool, error)

	// AppendDeduction records a deduction attempt. Entries are
	// append-only.
	AppendDeduction(ctx context.Context, e *paycore.DeductionEntry) error

	// ListDeductions returns a session's deduction entries, newest
	// first. limit <= 0 returns all entries.
	ListDeductions(ctx context.Context, token string, limit int) ([]*paycore.DeductionEntry, error)

	// GetCreditAccount looks up a credit account by owner and scope.
	GetCreditAccount(ctx context.Context, owner, scope string) (*paycore.CreditAccount, error)

	// SpendCredits atomically decrements balance and increments
	// totalSpent iff balance >= cents. Credit balances are
	// stable-denominated. Returns ErrConditionFailed on insufficient
	// balance and ErrNotFound when no account exists.
	SpendCredits(ctx context.Context, owner, scope string, cents int64) (*paycore.CreditAccount, error)

	// CreditTopUp atomically increments balance and totalPurchased,
	// creating the account on first top-up.
	CreditTopUp(ctx context.Context, owner, scope string, cents int64, txSignature string) (*paycore.CreditAccount, error)

	// SetAutoTopup configures automatic top-up for an account.
	SetAutoTopup(ctx context.Context, owner, scope string, enabled bool, thresholdCents, topupCents int64) error

	// RedeemProof consumes a transfer proof exactly once.
	RedeemProof(ctx context.Context, signature string) error
}
