package ledger

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/executor"
	"github.com/agentmesh/paycore/metrics"
	"github.com/agentmesh/paycore/signer"
	"github.com/agentmesh/paycore/store"
	"github.com/agentmesh/paycore/validation"
)

// CreditLedger manages standing prepaid balances: top-up moves money
// on-chain once, spend draws the balance down instantly with no further
// on-chain activity.
type CreditLedger struct {
	store     store.Store
	converter Converter
	submitter Submitter
	cfg       paycore.ServiceConfig
	treasury  string
	logger    *logrus.Logger
	metrics   *metrics.Collector
	topups    CapabilityProvider
}

// CreditOption configures a CreditLedger.
type CreditOption func(*CreditLedger)

// WithCreditLogger sets the structured logger.
func WithCreditLogger(logger *logrus.Logger) CreditOption {
	return func(l *CreditLedger) { l.logger = logger }
}

// WithCreditMetrics attaches Prometheus instrumentation.
func WithCreditMetrics(c *metrics.Collector) CreditOption {
	return func(l *CreditLedger) { l.metrics = c }
}

// WithTopupProvider enables automatic top-up by supplying capabilities
// for owners that opted in.
func WithTopupProvider(p CapabilityProvider) CreditOption {
	return func(l *CreditLedger) { l.topups = p }
}

// NewCreditLedger creates a credit ledger. treasury is the address
// top-up transfers pay into.
func NewCreditLedger(st store.Store, converter Converter, submitter Submitter, cfg paycore.ServiceConfig, treasury string, opts ...CreditOption) *CreditLedger {
	l := &CreditLedger{
		store:     st,
		converter: converter,
		submitter: submitter,
		cfg:       cfg,
		treasury:  treasury,
		logger:    logrus.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TopUp funds an account with one on-chain transfer and credits the
// stable amount. A failed transfer leaves the account bit-for-bit
// unchanged.
func (l *CreditLedger) TopUp(ctx context.Context, cap *signer.Capability, scope string, cents int64) (*paycore.CreditAccount, error) {
	if err := validation.ValidateTopupAmount(l.cfg, cents); err != nil {
		return nil, err
	}

	quote, err := l.converter.Convert(ctx, cents)
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.OracleQuotes.WithLabelValues(string(quote.Source)).Inc()
	}

	transfer, err := l.submitter.SubmitTransfer(ctx, cap, executor.Request{
		To:             l.treasury,
		Lamports:       quote.Lamports,
		Purpose:        paycore.PurposeCreditTopup,
		ReferenceCents: cents,
		ConversionRate: quote.Rate,
	})
	if err != nil {
		return nil, err
	}

	account, err := l.store.CreditTopUp(ctx, cap.Address, scope, cents, transfer.Signature)
	if err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"owner":     cap.Address,
			"signature": transfer.Signature,
			"cents":     cents,
		}).Error("Top-up confirmed but credits could not be recorded")
		return nil, paycore.NewPaymentError(paycore.ErrCodeInternal,
			"top-up could not be recorded", err).
			WithDetails("signature", transfer.Signature)
	}

	if l.metrics != nil {
		l.metrics.CreditTopups.Inc()
	}
	l.logger.WithFields(logrus.Fields{
		"owner":     cap.Address,
		"scope":     scope,
		"cents":     cents,
		"signature": transfer.Signature,
		"balance":   account.Balance,
	}).Info("Credits topped up")

	return account, nil
}

// Spend atomically draws cents from an account. When the balance is
// short and the account opted into auto-top-up, one top-up attempt is
// made before the spend is retried once; recursion is never unbounded.
func (l *CreditLedger) Spend(ctx context.Context, owner, scope string, cents int64) (*paycore.CreditAccount, error) {
	if err := validation.ValidateAmount(cents); err != nil {
		return nil, err
	}

	account, err := l.spendOnce(ctx, owner, scope, cents)
	if err == nil {
		return account, nil
	}

	var perr *paycore.PaymentError
	if !errors.As(err, &perr) || perr.Code != paycore.ErrCodeInsufficientCredits {
		return nil, err
	}

	if refilled := l.tryAutoTopup(ctx, owner, scope); refilled {
		return l.spendOnce(ctx, owner, scope, cents)
	}
	return nil, err
}

func (l *CreditLedger) spendOnce(ctx context.Context, owner, scope string, cents int64) (*paycore.CreditAccount, error) {
	account, err := l.store.SpendCredits(ctx, owner, scope, cents)
	if err == nil {
		if l.metrics != nil {
			l.metrics.CreditSpends.WithLabelValues("ok").Inc()
		}
		return account, nil
	}

	if l.metrics != nil {
		l.metrics.CreditSpends.WithLabelValues("refused").Inc()
	}

	var balance int64
	switch {
	case errors.Is(err, store.ErrNotFound):
		balance = 0
	case errors.Is(err, store.ErrConditionFailed):
		current, gerr := l.store.GetCreditAccount(ctx, owner, scope)
		if gerr != nil {
			return nil, gerr
		}
		balance = current.Balance
	default:
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"owner":   owner,
		"scope":   scope,
		"cents":   cents,
		"balance": balance,
	}).Warn("Credit spend refused")

	return nil, paycore.NewPaymentError(paycore.ErrCodeInsufficientCredits,
		"balance below requested spend", paycore.ErrInsufficientCredits).
		WithDetails("shortfall", cents-balance).
		WithDetails("balance", balance)
}

// tryAutoTopup makes at most one automatic top-up attempt. It reports
// whether a top-up landed.
func (l *CreditLedger) tryAutoTopup(ctx context.Context, owner, scope string) bool {
	if l.topups == nil {
		return false
	}

	account, err := l.store.GetCreditAccount(ctx, owner, scope)
	if err != nil {
		return false
	}
	if !account.AutoTopupEnabled || account.AutoTopupCents <= 0 || account.Balance >= account.AutoTopupThreshold {
		return false
	}

	cap, ok := l.topups(owner)
	if !ok {
		return false
	}

	if _, err := l.TopUp(ctx, cap, scope, account.AutoTopupCents); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"owner": owner,
			"scope": scope,
			"cents": account.AutoTopupCents,
		}).Warn("Automatic top-up failed")
		return false
	}
	return true
}

// Balance returns the account for owner and scope, or an empty account
// if none exists yet.
func (l *CreditLedger) Balance(ctx context.Context, owner, scope string) (*paycore.CreditAccount, error) {
	account, err := l.store.GetCreditAccount(ctx, owner, scope)
	if errors.Is(err, store.ErrNotFound) {
		return &paycore.CreditAccount{OwnerAddress: owner, ServiceScope: scope}, nil
	}
	return account, err
}

// ConfigureAutoTopup sets the automatic top-up policy for an account,
// creating it if needed.
func (l *CreditLedger) ConfigureAutoTopup(ctx context.Context, owner, scope string, enabled bool, thresholdCents, topupCents int64) error {
	if err := validation.ValidateAddress(owner); err != nil {
		return err
	}
	if enabled {
		if thresholdCents <= 0 || topupCents <= 0 {
			return paycore.ErrInvalidAmount
		}
	}
	return l.store.SetAutoTopup(ctx, owner, scope, enabled, thresholdCents, topupCents)
}
