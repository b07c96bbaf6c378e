// Package executor submits native transfers to the ledger. A submission
// runs admission validation, a balance preflight, a bounded-retry
// reference fetch, signing through the caller's capability, durable
// audit-trail persistence, and a bounded confirmation wait. Every
// failure path maps to a coded payment error callers can handle
// exhaustively.
package executor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/chain"
	"github.com/agentmesh/paycore/metrics"
	"github.com/agentmesh/paycore/monitor"
	"github.com/agentmesh/paycore/retry"
	"github.com/agentmesh/paycore/signer"
	"github.com/agentmesh/paycore/store"
	"github.com/agentmesh/paycore/validation"
)

// Tracker follows a submitted transfer to a terminal state. The channel
// delivers at most one outcome.
type Tracker interface {
	Track(t *paycore.PendingTransfer) <-chan monitor.Outcome
}

const (
	// defaultFeeEstimate is the flat per-signature base fee in lamports.
	defaultFeeEstimate = 5_000

	defaultConfirmTimeout = 60 * time.Second
)

// Request describes one transfer submission.
type Request struct {
	// To is the recipient's base58 address.
	To string

	// Lamports is the native amount to move.
	Lamports int64

	// Purpose records which ledger operation triggered the transfer.
	Purpose paycore.TransferPurpose

	// ReferenceCents and ConversionRate record how the amount was
	// priced, for the audit trail.
	ReferenceCents int64
	ConversionRate float64
}

// Executor submits and tracks native transfers.
type Executor struct {
	client  chain.Client
	store   store.Store
	tracker Tracker
	logger  *logrus.Logger
	metrics *metrics.Collector

	feeEstimate    int64
	confirmTimeout time.Duration
	retryCfg       retry.Config
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the structured logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Executor) { e.metrics = c }
}

// WithFeeEstimate overrides the preflight fee estimate in lamports.
func WithFeeEstimate(lamports int64) Option {
	return func(e *Executor) { e.feeEstimate = lamports }
}

// WithConfirmTimeout bounds how long SubmitTransfer waits for
// confirmation before declaring the transfer expired.
func WithConfirmTimeout(d time.Duration) Option {
	return func(e *Executor) { e.confirmTimeout = d }
}

// WithRetryConfig overrides the reference-fetch retry policy.
func WithRetryConfig(cfg retry.Config) Option {
	return func(e *Executor) { e.retryCfg = cfg }
}

// New creates an executor.
func New(client chain.Client, st store.Store, tracker Tracker, opts ...Option) *Executor {
	e := &Executor{
		client:         client,
		store:          st,
		tracker:        tracker,
		logger:         logrus.New(),
		feeEstimate:    defaultFeeEstimate,
		confirmTimeout: defaultConfirmTimeout,
		retryCfg:       retry.Defaults,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitTransfer executes one native transfer end to end and returns the
// terminal audit record. The signer capability is re-validated on every
// call; readiness can change between calls.
func (e *Executor) SubmitTransfer(ctx context.Context, cap *signer.Capability, req Request) (*paycore.PendingTransfer, error) {
	if res := validation.ValidateSigner(cap); !res.OK {
		return nil, paycore.NewPaymentError(paycore.ErrCodeNotReady, "signer cannot submit transfers", paycore.ErrNotReady).
			WithDetails("reasons", strings.Join(res.Reasons, "; "))
	}
	if err := validation.ValidateAddress(req.To); err != nil {
		return nil, err
	}
	if err := validation.ValidateAmount(req.Lamports); err != nil {
		return nil, err
	}

	from, err := cap.PublicKey()
	if err != nil {
		return nil, err
	}
	to, err := solana.PublicKeyFromBase58(req.To)
	if err != nil {
		return nil, paycore.ErrInvalidAddress
	}

	if err := e.preflightBalance(ctx, from, req.Lamports); err != nil {
		return nil, err
	}

	blockhash, err := retry.Do(ctx, e.retryCfg, nil, func() (solana.Hash, error) {
		return e.client.LatestBlockhash(ctx)
	})
	if err != nil {
		return nil, paycore.NewPaymentError(paycore.ErrCodeNetworkUnavailable,
			"could not fetch a recent ledger reference", paycore.ErrNetworkUnavailable).
			WithDetails("cause", err.Error())
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(uint64(req.Lamports), from, to).Build(),
		},
		blockhash,
		solana.TransactionPayer(from),
	)
	if err != nil {
		return nil, paycore.NewPaymentError(paycore.ErrCodeInternal, "failed to build transfer", err)
	}

	if err := cap.Sign(tx); err != nil {
		if errors.Is(err, paycore.ErrUserRejected) {
			return nil, paycore.NewPaymentError(paycore.ErrCodeUserRejected,
				"signer declined the transfer", paycore.ErrUserRejected)
		}
		return nil, paycore.NewPaymentError(paycore.ErrCodeInternal, "signing failed", err)
	}
	if len(tx.Signatures) == 0 {
		return nil, paycore.NewPaymentError(paycore.ErrCodeInternal, "signer produced no signature", nil)
	}

	transfer := &paycore.PendingTransfer{
		ID:             uuid.New().String(),
		FromAddress:    from.String(),
		ToAddress:      req.To,
		Lamports:       req.Lamports,
		ReferenceCents: req.ReferenceCents,
		ConversionRate: req.ConversionRate,
		Purpose:        req.Purpose,
		Status:         paycore.TransferSubmitted,
		Signature:      tx.Signatures[0].String(),
		CreatedAt:      time.Now(),
	}

	// Persist before sending so a crash between send and track still
	// leaves a row for the stale sweep to reconcile.
	if err := e.store.CreateTransfer(ctx, transfer); err != nil {
		return nil, paycore.NewPaymentError(paycore.ErrCodeInternal, "failed to persist transfer", err)
	}

	if _, err := e.client.SendTransaction(ctx, tx); err != nil {
		e.finalizeFailed(ctx, transfer, "send failed: "+err.Error())
		return nil, paycore.NewPaymentError(paycore.ErrCodeNetworkUnavailable,
			"failed to send transfer", paycore.ErrNetworkUnavailable).
			WithDetails("cause", err.Error())
	}

	if e.metrics != nil {
		e.metrics.TransfersSubmitted.WithLabelValues(string(req.Purpose)).Inc()
	}
	e.logger.WithFields(logrus.Fields{
		"transfer_id": transfer.ID,
		"signature":   transfer.Signature,
		"lamports":    transfer.Lamports,
		"purpose":     transfer.Purpose,
	}).Info("Transfer submitted")

	return e.awaitConfirmation(ctx, transfer)
}

func (e *Executor) preflightBalance(ctx context.Context, from solana.PublicKey, lamports int64) error {
	balance, err := e.client.Balance(ctx, from)
	if err != nil {
		return paycore.NewPaymentError(paycore.ErrCodeNetworkUnavailable,
			"could not read payer balance", paycore.ErrNetworkUnavailable).
			WithDetails("cause", err.Error())
	}

	needed := lamports + e.feeEstimate
	if int64(balance) < needed {
		return paycore.NewPaymentError(paycore.ErrCodeInsufficientFunds,
			"balance cannot cover transfer and fee", paycore.ErrInsufficientFunds).
			WithDetails("shortfall", needed-int64(balance)).
			WithDetails("balance", int64(balance)).
			WithDetails("needed", needed)
	}
	return nil
}

func (e *Executor) awaitConfirmation(ctx context.Context, transfer *paycore.PendingTransfer) (*paycore.PendingTransfer, error) {
	select {
	case outcome := <-e.tracker.Track(transfer):
		transfer.Status = outcome.Status
		transfer.ErrorReason = outcome.Reason

		if outcome.Status == paycore.TransferFailed {
			return transfer, paycore.NewPaymentError(paycore.ErrCodeInternal,
				"transfer failed on ledger", errors.New(outcome.Reason)).
				WithDetails("signature", transfer.Signature)
		}
		now := time.Now()
		transfer.ConfirmedAt = &now
		return transfer, nil

	case <-time.After(e.confirmTimeout):
		// The reference has expired; the transaction can no longer land.
		// Finalization is a conditional transition, so a confirmation
		// racing in just before this loses nothing.
		e.finalizeFailed(ctx, transfer, "confirmation deadline exceeded")
		transfer.Status = paycore.TransferFailed
		transfer.ErrorReason = "confirmation deadline exceeded"
		return transfer, paycore.NewPaymentError(paycore.ErrCodeTransferExpired,
			"transfer did not confirm before the deadline", paycore.ErrTransferExpired).
			WithDetails("signature", transfer.Signature)

	case <-ctx.Done():
		// Caller gave up; the transfer may still land. Tracking and the
		// stale sweep own it from here.
		return transfer, ctx.Err()
	}
}

func (e *Executor) finalizeFailed(ctx context.Context, transfer *paycore.PendingTransfer, reason string) {
	applied, err := e.store.FinalizeTransfer(ctx, transfer.ID, paycore.TransferFailed, reason, time.Now())
	if err != nil {
		e.logger.WithError(err).WithField("transfer_id", transfer.ID).
			Error("Failed to finalize transfer as failed")
		return
	}
	if applied && e.metrics != nil {
		e.metrics.TransfersFinalized.WithLabelValues(string(paycore.TransferFailed)).Inc()
	}
}
