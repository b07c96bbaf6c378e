package http

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/chain"
	"github.com/agentmesh/paycore/store"
)

// StatusChecker resolves the on-chain confirmation state of a signature.
// It is satisfied by the transaction monitor.
type StatusChecker interface {
	CheckStatus(ctx context.Context, signature string) (*chain.SignatureStatus, error)
}

// TransferVerifier implements ProofService against the durable store.
// A proof is valid when the referenced transfer paid the treasury, is
// confirmed, covers the charge, and has never been redeemed before.
type TransferVerifier struct {
	store      store.Store
	checker    StatusChecker
	payTo      string
	commitment chain.Commitment
	logger     *logrus.Logger
}

// VerifierOption configures a TransferVerifier.
type VerifierOption func(*TransferVerifier)

// WithVerifierLogger sets the structured logger.
func WithVerifierLogger(logger *logrus.Logger) VerifierOption {
	return func(v *TransferVerifier) { v.logger = logger }
}

// WithVerifierCommitment sets the confirmation depth a submitted
// transfer must have reached on-chain to count as proof.
func WithVerifierCommitment(c chain.Commitment) VerifierOption {
	return func(v *TransferVerifier) { v.commitment = c }
}

// NewTransferVerifier creates a proof verifier. checker may be nil, in
// which case transfers still in submitted state are rejected instead of
// being re-checked on-chain.
func NewTransferVerifier(st store.Store, checker StatusChecker, payTo string, opts ...VerifierOption) *TransferVerifier {
	v := &TransferVerifier{
		store:      st,
		checker:    checker,
		payTo:      payTo,
		commitment: chain.CommitmentConfirmed,
		logger:     logrus.New(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify implements ProofService. The charge is compared against the
// stable amount the transfer was sized from at submission time, so rate
// movement between payment and redemption cannot invalidate a proof.
func (v *TransferVerifier) Verify(ctx context.Context, signature string, cents int64) (*paycore.PendingTransfer, error) {
	transfer, err := v.store.GetTransferBySignature(ctx, signature)
	if errors.Is(err, store.ErrNotFound) {
		return nil, v.rejected(signature, "unknown transfer")
	}
	if err != nil {
		return nil, err
	}

	if transfer.ToAddress != v.payTo {
		return nil, v.rejected(signature, "transfer paid a different recipient")
	}
	if transfer.Status == paycore.TransferFailed {
		return nil, v.rejected(signature, "transfer failed on ledger")
	}
	if transfer.Status == paycore.TransferSubmitted {
		if err := v.recheck(ctx, signature); err != nil {
			return nil, err
		}
	}
	if transfer.ReferenceCents < cents {
		return nil, v.rejected(signature, "transfer does not cover the charge").
			WithDetails("paid", transfer.ReferenceCents).
			WithDetails("charge", cents)
	}

	return transfer, nil
}

// recheck consults the chain for a transfer the monitor has not
// finalized yet. A late confirmation is accepted without waiting for the
// stale sweep.
func (v *TransferVerifier) recheck(ctx context.Context, signature string) error {
	if v.checker == nil {
		return v.rejected(signature, "transfer not confirmed")
	}

	status, err := v.checker.CheckStatus(ctx, signature)
	if err != nil {
		return err
	}
	if status == nil || status.ExecutionErr != "" || !status.Reached(v.commitment) {
		return v.rejected(signature, "transfer not confirmed")
	}
	return nil
}

// Redeem implements ProofService.
func (v *TransferVerifier) Redeem(ctx context.Context, signature string) error {
	err := v.store.RedeemProof(ctx, signature)
	if errors.Is(err, store.ErrAlreadyRedeemed) {
		return v.rejected(signature, "proof already redeemed")
	}
	return err
}

func (v *TransferVerifier) rejected(signature, reason string) *paycore.PaymentError {
	v.logger.WithFields(logrus.Fields{
		"signature": signature,
		"reason":    reason,
	}).Warn("Transfer proof rejected")
	return paycore.NewPaymentError(paycore.ErrCodeVerificationFailed,
		"transfer proof rejected", paycore.ErrVerificationFailed).
		WithDetails("signature", signature).
		WithDetails("reason", reason)
}
