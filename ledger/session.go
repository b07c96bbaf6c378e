package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/executor"
	"github.com/agentmesh/paycore/metrics"
	"github.com/agentmesh/paycore/signer"
	"github.com/agentmesh/paycore/store"
	"github.com/agentmesh/paycore/validation"
)

const defaultSessionTTL = 24 * time.Hour

// SessionLedger is the state machine for preauthorized sessions:
// creation funds the session with one on-chain transfer, deductions draw
// it down off-chain, and depletion can optionally trigger an explicit
// re-authorization.
type SessionLedger struct {
	store     store.Store
	converter Converter
	submitter Submitter
	cfg       paycore.ServiceConfig
	treasury  string
	logger    *logrus.Logger
	metrics   *metrics.Collector
	renewals  CapabilityProvider
}

// SessionOption configures a SessionLedger.
type SessionOption func(*SessionLedger)

// WithSessionLogger sets the structured logger.
func WithSessionLogger(logger *logrus.Logger) SessionOption {
	return func(l *SessionLedger) { l.logger = logger }
}

// WithSessionMetrics attaches Prometheus instrumentation.
func WithSessionMetrics(c *metrics.Collector) SessionOption {
	return func(l *SessionLedger) { l.metrics = c }
}

// WithRenewalProvider enables auto-renewal by supplying capabilities for
// owners that opted in.
func WithRenewalProvider(p CapabilityProvider) SessionOption {
	return func(l *SessionLedger) { l.renewals = p }
}

// NewSessionLedger creates a session ledger. treasury is the address
// session funding transfers pay into.
func NewSessionLedger(st store.Store, converter Converter, submitter Submitter, cfg paycore.ServiceConfig, treasury string, opts ...SessionOption) *SessionLedger {
	l := &SessionLedger{
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

// CreateSessionRequest describes a session authorization.
type CreateSessionRequest struct {
	// Cents is the stable-denominated amount to preauthorize.
	Cents int64

	// ResourcePattern scopes which resources the session may pay for.
	ResourcePattern string

	// Duration is the session lifetime; zero means the default.
	Duration time.Duration

	AutoRenew    bool
	RenewalCents int64
}

// Create funds and opens a session. The session row is created only
// after the funding transfer confirms; a failed transfer leaves no
// session behind.
func (l *SessionLedger) Create(ctx context.Context, cap *signer.Capability, req CreateSessionRequest) (*paycore.Session, error) {
	if err := validation.ValidateSessionAmount(l.cfg, req.Cents); err != nil {
		return nil, err
	}

	quote, err := l.converter.Convert(ctx, req.Cents)
	if err != nil {
		return nil, err
	}
	if l.metrics != nil {
		l.metrics.OracleQuotes.WithLabelValues(string(quote.Source)).Inc()
	}

	transfer, err := l.submitter.SubmitTransfer(ctx, cap, executor.Request{
		To:             l.treasury,
		Lamports:       quote.Lamports,
		Purpose:        paycore.PurposeSessionCreate,
		ReferenceCents: req.Cents,
		ConversionRate: quote.Rate,
	})
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	duration := req.Duration
	if duration <= 0 {
		duration = defaultSessionTTL
	}
	renewalCents := req.RenewalCents
	if req.AutoRenew && renewalCents <= 0 {
		renewalCents = req.Cents
	}

	now := time.Now()
	session := &paycore.Session{
		Token:           token,
		OwnerAddress:    cap.Address,
		ResourcePattern: req.ResourcePattern,
		AuthorizedCents: req.Cents,
		Status:          paycore.SessionActive,
		ExpiresAt:       now.Add(duration),
		AutoRenew:       req.AutoRenew,
		RenewalCents:    renewalCents,
		CreatedAt:       now,
		LastUsedAt:      now,
	}

	if err := l.store.CreateSession(ctx, session); err != nil {
		// The funding transfer already confirmed; losing the session row
		// strands real money, so the signature goes in the log for
		// operator reconciliation.
		l.logger.WithError(err).WithFields(logrus.Fields{
			"owner":     cap.Address,
			"signature": transfer.Signature,
			"cents":     req.Cents,
		}).Error("Funding confirmed but session row could not be created")
		return nil, paycore.NewPaymentError(paycore.ErrCodeInternal,
			"session could not be recorded", err).
			WithDetails("signature", transfer.Signature)
	}

	l.logger.WithFields(logrus.Fields{
		"owner":      cap.Address,
		"cents":      req.Cents,
		"lamports":   quote.Lamports,
		"signature":  transfer.Signature,
		"expires_at": session.ExpiresAt,
	}).Info("Session created")

	return session, nil
}

// Deduct draws down a session by cents for one resource call. Every
// attempt, successful or not, is recorded as a ledger entry. When the
// session is depleted and opted into auto-renewal, the ledger opens a
// fresh authorization and applies the deduction to it; the returned
// session then carries the new token.
func (l *SessionLedger) Deduct(ctx context.Context, token string, cents int64, resourceURL string) (*paycore.Session, error) {
	if err := validation.ValidateAmount(cents); err != nil {
		return nil, err
	}

	session, err := l.store.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, l.notUsable("unknown token", nil)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if session.Status == paycore.SessionActive && now.After(session.ExpiresAt) {
		// Expiry is checked lazily on use.
		if _, terr := l.store.TransitionSession(ctx, token, paycore.SessionActive, paycore.SessionExpired); terr != nil {
			return nil, terr
		}
		session.Status = paycore.SessionExpired
	}

	updated, err := l.store.DeductSession(ctx, token, cents, now)
	if err == nil {
		l.recordDeduction(ctx, token, resourceURL, cents, true, "")
		return updated, nil
	}
	if !errors.Is(err, store.ErrConditionFailed) {
		return nil, err
	}

	reason := l.failureReason(ctx, token, session, cents)
	l.recordDeduction(ctx, token, resourceURL, cents, false, reason)

	if session.AutoRenew && l.renewals != nil && (reason == "depleted" || reason == "insufficient remaining") {
		if renewed, rerr := l.renew(ctx, session, cents, resourceURL); rerr == nil {
			return renewed, nil
		} else {
			l.logger.WithError(rerr).WithField("token", token).
				Warn("Auto-renewal failed, surfacing original deduction failure")
		}
	}

	return nil, l.notUsable(reason, session)
}

// renew opens a replacement authorization for a depleted session and
// applies the pending deduction to it. This is a full re-authorization
// with its own on-chain transfer and a new token, never a silent retry.
func (l *SessionLedger) renew(ctx context.Context, old *paycore.Session, cents int64, resourceURL string) (*paycore.Session, error) {
	cap, ok := l.renewals(old.OwnerAddress)
	if !ok {
		return nil, paycore.ErrNotReady
	}

	replacement, err := l.Create(ctx, cap, CreateSessionRequest{
		Cents:           old.RenewalCents,
		ResourcePattern: old.ResourcePattern,
		Duration:        old.ExpiresAt.Sub(old.CreatedAt),
		AutoRenew:       true,
		RenewalCents:    old.RenewalCents,
	})
	if err != nil {
		return nil, err
	}

	l.logger.WithFields(logrus.Fields{
		"owner":     old.OwnerAddress,
		"old_token": old.Token,
		"cents":     old.RenewalCents,
	}).Info("Session auto-renewed")

	updated, err := l.store.DeductSession(ctx, replacement.Token, cents, time.Now())
	if err != nil {
		return nil, err
	}
	l.recordDeduction(ctx, replacement.Token, resourceURL, cents, true, "")
	return updated, nil
}

// Revoke terminates an active session by explicit owner action.
func (l *SessionLedger) Revoke(ctx context.Context, token string) error {
	ok, err := l.store.TransitionSession(ctx, token, paycore.SessionActive, paycore.SessionRevoked)
	if errors.Is(err, store.ErrNotFound) {
		return l.notUsable("unknown token", nil)
	}
	if err != nil {
		return err
	}
	if !ok {
		session, gerr := l.store.GetSession(ctx, token)
		if gerr != nil {
			return gerr
		}
		return l.notUsable(string(session.Status), session)
	}

	l.logger.WithField("token", token).Info("Session revoked")
	return nil
}

// Get returns a session by token.
func (l *SessionLedger) Get(ctx context.Context, token string) (*paycore.Session, error) {
	session, err := l.store.GetSession(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, l.notUsable("unknown token", nil)
	}
	return session, err
}

// History returns a session's deduction entries, newest first.
func (l *SessionLedger) History(ctx context.Context, token string, limit int) ([]*paycore.DeductionEntry, error) {
	return l.store.ListDeductions(ctx, token, limit)
}

// failureReason classifies why a conditional deduction was refused.
func (l *SessionLedger) failureReason(ctx context.Context, token string, stale *paycore.Session, cents int64) string {
	session, err := l.store.GetSession(ctx, token)
	if err != nil {
		session = stale
	}

	switch session.Status {
	case paycore.SessionDepleted:
		return "depleted"
	case paycore.SessionExpired:
		return "expired"
	case paycore.SessionRevoked:
		return "revoked"
	}
	if session.Remaining() < cents {
		return "insufficient remaining"
	}
	return "expired"
}

func (l *SessionLedger) recordDeduction(ctx context.Context, token, resourceURL string, cents int64, ok bool, reason string) {
	result := "ok"
	if !ok {
		result = "refused"
	}
	if l.metrics != nil {
		l.metrics.Deductions.WithLabelValues(result).Inc()
	}

	entry := &paycore.DeductionEntry{
		ID:           uuid.New().String(),
		SessionToken: token,
		ResourceURL:  resourceURL,
		Cents:        cents,
		OK:           ok,
		Reason:       reason,
		CreatedAt:    time.Now(),
	}
	if err := l.store.AppendDeduction(ctx, entry); err != nil {
		l.logger.WithError(err).WithFields(logrus.Fields{
			"token": token,
			"cents": cents,
		}).Error("Failed to record deduction entry")
	}

	if !ok {
		l.logger.WithFields(logrus.Fields{
			"token":    token,
			"cents":    cents,
			"resource": resourceURL,
			"reason":   reason,
		}).Warn("Deduction refused")
	}
}

func (l *SessionLedger) notUsable(reason string, session *paycore.Session) error {
	perr := paycore.NewPaymentError(paycore.ErrCodeSessionNotUsable,
		"session cannot be used", paycore.ErrSessionNotUsable).
		WithDetails("reason", reason)
	if session != nil {
		perr = perr.WithDetails("remaining", session.Remaining())
	}
	return perr
}
