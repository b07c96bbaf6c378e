// Package monitor tracks submitted transfers until the ledger reports a
// terminal state, and periodically sweeps transfers stuck in submitted
// status. Finalization goes through the store's single-transition
// update, so the monitor and the executor can both observe the same
// transfer without double-applying its outcome.
package monitor

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/chain"
	"github.com/agentmesh/paycore/metrics"
	"github.com/agentmesh/paycore/store"
)

// Outcome is the terminal result of tracking one transfer.
type Outcome struct {
	Status paycore.TransferStatus

	// Reason carries the execution error when Status is failed.
	Reason string
}

const (
	defaultPollInterval = 2 * time.Second
	defaultTrackTimeout = 90 * time.Second
	defaultStaleAfter   = 2 * time.Minute
	defaultScanInterval = 30 * time.Second
	staleScanLimit      = 50
)

// Monitor watches submitted transfers.
type Monitor struct {
	client  chain.Client
	store   store.Store
	logger  *logrus.Logger
	metrics *metrics.Collector

	commitment   chain.Commitment
	pollInterval time.Duration
	trackTimeout time.Duration
	staleAfter   time.Duration
	scanInterval time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the structured logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// WithCommitment sets the confirmation depth required before a transfer
// counts as confirmed.
func WithCommitment(c chain.Commitment) Option {
	return func(m *Monitor) { m.commitment = c }
}

// WithPollInterval sets how often a tracked signature is re-queried.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) { m.pollInterval = d }
}

// WithTrackTimeout bounds how long one transfer is tracked before the
// goroutine gives up and leaves the transfer to the stale sweep.
func WithTrackTimeout(d time.Duration) Option {
	return func(m *Monitor) { m.trackTimeout = d }
}

// WithStaleAfter sets the age past which a submitted transfer is
// considered stuck.
func WithStaleAfter(d time.Duration) Option {
	return func(m *Monitor) { m.staleAfter = d }
}

// WithScanInterval sets how often the stale sweep runs.
func WithScanInterval(d time.Duration) Option {
	return func(m *Monitor) { m.scanInterval = d }
}

// New creates a transfer monitor.
func New(client chain.Client, st store.Store, opts ...Option) *Monitor {
	m := &Monitor{
		client:       client,
		store:        st,
		logger:       logrus.New(),
		commitment:   chain.CommitmentConfirmed,
		pollInterval: defaultPollInterval,
		trackTimeout: defaultTrackTimeout,
		staleAfter:   defaultStaleAfter,
		scanInterval: defaultScanInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track follows a submitted transfer in the background until the ledger
// reports a terminal state. The returned channel delivers at most one
// outcome; if tracking times out first, the channel never fires and the
// stale sweep owns the transfer. Tracking deliberately does not inherit
// the caller's context, so an abandoned request cannot orphan a transfer
// that is still landing.
func (m *Monitor) Track(t *paycore.PendingTransfer) <-chan Outcome {
	done := make(chan Outcome, 1)

	if m.metrics != nil {
		m.metrics.PendingTransfers.Inc()
	}

	go func() {
		defer func() {
			if m.metrics != nil {
				m.metrics.PendingTransfers.Dec()
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.trackTimeout)
		defer cancel()

		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				m.logger.WithFields(logrus.Fields{
					"transfer_id": t.ID,
					"signature":   t.Signature,
				}).Warn("Transfer tracking timed out, leaving to stale sweep")
				return
			case <-ticker.C:
			}

			outcome, terminal := m.observe(ctx, t)
			if terminal {
				done <- outcome
				return
			}
		}
	}()

	return done
}

// observe queries the ledger once and finalizes the transfer if it has
// reached a terminal state. It reports whether tracking is finished.
func (m *Monitor) observe(ctx context.Context, t *paycore.PendingTransfer) (Outcome, bool) {
	sig, err := solana.SignatureFromBase58(t.Signature)
	if err != nil {
		m.logger.WithError(err).WithField("transfer_id", t.ID).
			Error("Tracked transfer has unparseable signature")
		m.finalize(ctx, t.ID, paycore.TransferFailed, "unparseable signature")
		return Outcome{Status: paycore.TransferFailed, Reason: "unparseable signature"}, true
	}

	status, err := m.client.SignatureStatus(ctx, sig)
	if err != nil {
		m.logger.WithError(err).WithField("transfer_id", t.ID).
			Debug("Signature status query failed, will retry")
		return Outcome{}, false
	}
	if status == nil {
		// Ledger has not seen the signature yet.
		return Outcome{}, false
	}

	if status.ExecutionErr != "" {
		m.finalize(ctx, t.ID, paycore.TransferFailed, status.ExecutionErr)
		return Outcome{Status: paycore.TransferFailed, Reason: status.ExecutionErr}, true
	}

	if status.Reached(m.commitment) {
		m.finalize(ctx, t.ID, paycore.TransferConfirmed, "")
		return Outcome{Status: paycore.TransferConfirmed}, true
	}

	return Outcome{}, false
}

func (m *Monitor) finalize(ctx context.Context, id string, status paycore.TransferStatus, reason string) {
	applied, err := m.store.FinalizeTransfer(ctx, id, status, reason, time.Now())
	if err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"transfer_id": id,
			"status":      status,
		}).Error("Failed to finalize transfer")
		return
	}
	if !applied {
		// Someone else already finalized it; the first terminal state
		// stands.
		m.logger.WithFields(logrus.Fields{
			"transfer_id": id,
			"status":      status,
		}).Debug("Transfer already terminal, observation discarded")
		return
	}

	if m.metrics != nil {
		m.metrics.TransfersFinalized.WithLabelValues(string(status)).Inc()
	}
	m.logger.WithFields(logrus.Fields{
		"transfer_id": id,
		"status":      status,
		"reason":      reason,
	}).Info("Transfer finalized")
}

// CheckStatus returns the current confirmation state of a signature, or
// nil if the ledger has not seen it.
func (m *Monitor) CheckStatus(ctx context.Context, signature string) (*chain.SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, paycore.ErrVerificationFailed
	}
	return m.client.SignatureStatus(ctx, sig)
}

// RetryStalePending re-checks transfers stuck in submitted state. A
// stuck transfer whose signature the ledger reports terminal is
// finalized accordingly; one the ledger has never seen is failed, since
// its blockhash reference expired long ago and the transaction can no
// longer land.
func (m *Monitor) RetryStalePending(ctx context.Context) error {
	stale, err := m.store.ListStaleSubmitted(ctx, time.Now().Add(-m.staleAfter), staleScanLimit)
	if err != nil {
		return err
	}

	for _, t := range stale {
		if m.metrics != nil {
			m.metrics.StaleRecoveries.Inc()
		}

		sig, err := solana.SignatureFromBase58(t.Signature)
		if err != nil {
			m.finalize(ctx, t.ID, paycore.TransferFailed, "unparseable signature")
			continue
		}

		status, err := m.client.SignatureStatus(ctx, sig)
		if err != nil {
			m.logger.WithError(err).WithField("transfer_id", t.ID).
				Warn("Stale sweep status query failed")
			continue
		}

		switch {
		case status == nil:
			m.finalize(ctx, t.ID, paycore.TransferFailed, "reference expired before confirmation")
		case status.ExecutionErr != "":
			m.finalize(ctx, t.ID, paycore.TransferFailed, status.ExecutionErr)
		case status.Reached(m.commitment):
			m.finalize(ctx, t.ID, paycore.TransferConfirmed, "")
		default:
			// Seen but not yet at the required commitment; next sweep
			// will pick it up again.
		}
	}

	return nil
}

// Run sweeps stale transfers until the context ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.scanInterval)
	defer ticker.Stop()

	m.logger.WithField("interval", m.scanInterval).Info("Starting stale transfer sweep")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RetryStalePending(ctx); err != nil {
				m.logger.WithError(err).Error("Stale transfer sweep failed")
			}
		}
	}
}
