package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/executor"
	"github.com/agentmesh/paycore/logging"
	"github.com/agentmesh/paycore/oracle"
	"github.com/agentmesh/paycore/signer"
	"github.com/agentmesh/paycore/store/memory"
)

type fakeConverter struct {
	rate float64
	err  error
}

func (f *fakeConverter) Convert(_ context.Context, cents int64) (*oracle.Quote, error) {
	if f.err != nil {
		return nil, f.err
	}
	lamports, err := paycore.USDToLamports(cents, f.rate)
	if err != nil {
		return nil, err
	}
	return &oracle.Quote{
		Cents:     cents,
		Lamports:  lamports,
		Rate:      f.rate,
		Source:    oracle.SourcePrimary,
		FetchedAt: time.Now(),
	}, nil
}

type fakeSubmitter struct {
	err      error
	requests []executor.Request
}

func (f *fakeSubmitter) SubmitTransfer(_ context.Context, cap *signer.Capability, req executor.Request) (*paycore.PendingTransfer, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	now := time.Now()
	return &paycore.PendingTransfer{
		ID:             uuid.New().String(),
		FromAddress:    cap.Address,
		ToAddress:      req.To,
		Lamports:       req.Lamports,
		ReferenceCents: req.ReferenceCents,
		ConversionRate: req.ConversionRate,
		Purpose:        req.Purpose,
		Status:         paycore.TransferConfirmed,
		Signature:      uuid.New().String(),
		CreatedAt:      now,
		ConfirmedAt:    &now,
	}, nil
}

func ownerCapability(t *testing.T) *signer.Capability {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("NewRandomPrivateKey() error: %v", err)
	}
	cap, err := signer.NewCapability(key.PublicKey().String(), func(*solana.Transaction) error { return nil })
	if err != nil {
		t.Fatalf("NewCapability() error: %v", err)
	}
	return cap
}

var testConfig = paycore.ServiceConfig{
	ServiceID:       "svc-test",
	BasePriceCents:  25,
	Currency:        "USD",
	MinPaymentCents: 10,
	MaxSessionCents: 5_000,
}

func newSessionLedger(st *memory.Store, submitter Submitter, opts ...SessionOption) *SessionLedger {
	opts = append([]SessionOption{WithSessionLogger(logging.NewTestLogger())}, opts...)
	return NewSessionLedger(st, &fakeConverter{rate: 150}, submitter, testConfig, "treasury", opts...)
}

func TestCreateSessionFundsAndOpens(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	submitter := &fakeSubmitter{}
	l := newSessionLedger(st, submitter)

	session, err := l.Create(ctx, ownerCapability(t), CreateSessionRequest{
		Cents:           1_000,
		ResourcePattern: "/api/*",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if session.Token == "" {
		t.Error("session token is empty")
	}
	if session.Status != paycore.SessionActive || session.AuthorizedCents != 1_000 || session.SpentCents != 0 {
		t.Errorf("session = %+v, want active 1000/0", session)
	}

	if len(submitter.requests) != 1 {
		t.Fatalf("submitter called %d times, want 1", len(submitter.requests))
	}
	req := submitter.requests[0]
	if req.Purpose != paycore.PurposeSessionCreate {
		t.Errorf("purpose = %s, want session-create", req.Purpose)
	}
	wantLamports, _ := paycore.USDToLamports(1_000, 150)
	if req.Lamports != wantLamports {
		t.Errorf("funding lamports = %d, want %d", req.Lamports, wantLamports)
	}
}

func TestCreateSessionRejectsOutOfBoundsAmounts(t *testing.T) {
	l := newSessionLedger(memory.New(), &fakeSubmitter{})

	for _, cents := range []int64{0, 5, 10_000} {
		if _, err := l.Create(context.Background(), ownerCapability(t), CreateSessionRequest{Cents: cents}); !errors.Is(err, paycore.ErrInvalidAmount) {
			t.Errorf("Create(%d) error = %v, want ErrInvalidAmount", cents, err)
		}
	}
}

func TestCreateSessionFailedTransferLeavesNoSession(t *testing.T) {
	submitter := &fakeSubmitter{err: paycore.NewPaymentError(
		paycore.ErrCodeUserRejected, "signer declined the transfer", paycore.ErrUserRejected)}
	l := newSessionLedger(memory.New(), submitter)

	_, err := l.Create(context.Background(), ownerCapability(t), CreateSessionRequest{Cents: 1_000})
	if !errors.Is(err, paycore.ErrUserRejected) {
		t.Fatalf("Create() error = %v, want ErrUserRejected", err)
	}
}

func TestSessionDepletesAfterExactDrawdown(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := newSessionLedger(st, &fakeSubmitter{})

	session, err := l.Create(ctx, ownerCapability(t), CreateSessionRequest{Cents: 1_000})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// Forty quarter-dollar calls drain a ten-dollar session exactly.
	var last *paycore.Session
	for i := 0; i < 40; i++ {
		last, err = l.Deduct(ctx, session.Token, 25, "/api/run")
		if err != nil {
			t.Fatalf("Deduct() #%d error: %v", i+1, err)
		}
	}
	if last.SpentCents != 1_000 || last.Remaining() != 0 {
		t.Errorf("spent = %d remaining = %d, want 1000/0", last.SpentCents, last.Remaining())
	}
	if last.Status != paycore.SessionDepleted {
		t.Errorf("status = %s, want depleted", last.Status)
	}

	_, err = l.Deduct(ctx, session.Token, 1, "/api/run")
	if !errors.Is(err, paycore.ErrSessionNotUsable) {
		t.Fatalf("Deduct() on depleted session error = %v, want ErrSessionNotUsable", err)
	}

	history, err := l.History(ctx, session.Token, 0)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(history) != 41 {
		t.Errorf("history entries = %d, want 41 (40 ok + 1 refused)", len(history))
	}
}

func TestDeductUnknownTokenFails(t *testing.T) {
	l := newSessionLedger(memory.New(), &fakeSubmitter{})

	_, err := l.Deduct(context.Background(), "no-such-token", 25, "/api/run")
	if !errors.Is(err, paycore.ErrSessionNotUsable) {
		t.Fatalf("Deduct() error = %v, want ErrSessionNotUsable", err)
	}
}

func TestDeductFlipsExpiredSessionLazily(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := newSessionLedger(st, &fakeSubmitter{})

	session := &paycore.Session{
		Token:           "expired-session",
		OwnerAddress:    "owner",
		AuthorizedCents: 1_000,
		Status:          paycore.SessionActive,
		ExpiresAt:       time.Now().Add(-time.Minute),
		CreatedAt:       time.Now().Add(-time.Hour),
	}
	if err := st.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	_, err := l.Deduct(ctx, session.Token, 25, "/api/run")
	if !errors.Is(err, paycore.ErrSessionNotUsable) {
		t.Fatalf("Deduct() error = %v, want ErrSessionNotUsable", err)
	}

	got, err := st.GetSession(ctx, session.Token)
	if err != nil {
		t.Fatalf("GetSession() error: %v", err)
	}
	if got.Status != paycore.SessionExpired {
		t.Errorf("status = %s, want expired after lazy flip", got.Status)
	}
}

func TestDeductRejectsNonPositiveAmounts(t *testing.T) {
	l := newSessionLedger(memory.New(), &fakeSubmitter{})

	_, err := l.Deduct(context.Background(), "token", 0, "/api/run")
	if !errors.Is(err, paycore.ErrInvalidAmount) {
		t.Fatalf("Deduct(0) error = %v, want ErrInvalidAmount", err)
	}
}

func TestAutoRenewOpensNewAuthorization(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	submitter := &fakeSubmitter{}
	owner := ownerCapability(t)
	l := newSessionLedger(st, submitter, WithRenewalProvider(func(addr string) (*signer.Capability, bool) {
		if addr != owner.Address {
			return nil, false
		}
		return owner, true
	}))

	session, err := l.Create(ctx, owner, CreateSessionRequest{Cents: 100, AutoRenew: true})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if _, err := l.Deduct(ctx, session.Token, 100, "/api/run"); err != nil {
		t.Fatalf("depleting Deduct() error: %v", err)
	}

	// The next call lands on a fresh authorization with a new token.
	renewed, err := l.Deduct(ctx, session.Token, 25, "/api/run")
	if err != nil {
		t.Fatalf("Deduct() after depletion error: %v", err)
	}
	if renewed.Token == session.Token {
		t.Error("auto-renewal must issue a new token")
	}
	if renewed.AuthorizedCents != 100 || renewed.SpentCents != 25 {
		t.Errorf("renewed session = %+v, want 100 authorized / 25 spent", renewed)
	}
	if len(submitter.requests) != 2 {
		t.Errorf("submitter called %d times, want 2 (create + renewal)", len(submitter.requests))
	}
}

func TestAutoRenewFailureSurfacesOriginalError(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	owner := ownerCapability(t)

	// Renewal provider exists but the funding transfer is declined.
	submitter := &fakeSubmitter{}
	l := newSessionLedger(st, submitter, WithRenewalProvider(func(string) (*signer.Capability, bool) {
		return owner, true
	}))

	session, err := l.Create(ctx, owner, CreateSessionRequest{Cents: 100, AutoRenew: true})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := l.Deduct(ctx, session.Token, 100, "/api/run"); err != nil {
		t.Fatalf("depleting Deduct() error: %v", err)
	}

	submitter.err = paycore.NewPaymentError(
		paycore.ErrCodeUserRejected, "signer declined the transfer", paycore.ErrUserRejected)

	_, err = l.Deduct(ctx, session.Token, 25, "/api/run")
	if !errors.Is(err, paycore.ErrSessionNotUsable) {
		t.Fatalf("Deduct() error = %v, want ErrSessionNotUsable", err)
	}
}

func TestRevokeStopsFurtherDeductions(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	l := newSessionLedger(st, &fakeSubmitter{})

	session, err := l.Create(ctx, ownerCapability(t), CreateSessionRequest{Cents: 1_000})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := l.Revoke(ctx, session.Token); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	if _, err := l.Deduct(ctx, session.Token, 25, "/api/run"); !errors.Is(err, paycore.ErrSessionNotUsable) {
		t.Errorf("Deduct() after revoke error = %v, want ErrSessionNotUsable", err)
	}
	if err := l.Revoke(ctx, session.Token); !errors.Is(err, paycore.ErrSessionNotUsable) {
		t.Errorf("second Revoke() error = %v, want ErrSessionNotUsable", err)
	}
}
