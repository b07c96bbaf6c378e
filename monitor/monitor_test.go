package monitor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/chain"
	"github.com/agentmesh/paycore/logging"
	"github.com/agentmesh/paycore/store/memory"
)

type fakeChain struct {
	mu     sync.Mutex
	status *chain.SignatureStatus
	err    error
}

func (f *fakeChain) setStatus(s *chain.SignatureStatus) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeChain) LatestBlockhash(context.Context) (solana.Hash, error) {
	return solana.Hash{}, nil
}

func (f *fakeChain) Balance(context.Context, solana.PublicKey) (uint64, error) {
	return 0, nil
}

func (f *fakeChain) SendTransaction(context.Context, *solana.Transaction) (solana.Signature, error) {
	return solana.Signature{}, nil
}

func (f *fakeChain) SignatureStatus(context.Context, solana.Signature) (*chain.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeChain) AccountData(context.Context, solana.PublicKey) ([]byte, error) {
	return nil, nil
}

func testSignature() string {
	var sig solana.Signature
	copy(sig[:], bytes.Repeat([]byte{7}, len(sig)))
	return sig.String()
}

func submittedTransfer(id string, age time.Duration) *paycore.PendingTransfer {
	return &paycore.PendingTransfer{
		ID:        id,
		Signature: testSignature(),
		Lamports:  100,
		Status:    paycore.TransferSubmitted,
		CreatedAt: time.Now().Add(-age),
	}
}

func newTestMonitor(client chain.Client, st *memory.Store) *Monitor {
	return New(client, st,
		WithLogger(logging.NewTestLogger()),
		WithPollInterval(5*time.Millisecond),
		WithTrackTimeout(time.Second),
	)
}

func TestTrackConfirmsTransfer(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	client := &fakeChain{}
	m := newTestMonitor(client, st)

	transfer := submittedTransfer("t1", 0)
	if err := st.CreateTransfer(ctx, transfer); err != nil {
		t.Fatalf("CreateTransfer() error: %v", err)
	}

	done := m.Track(transfer)

	// Ledger learns about the signature after a few polls.
	time.Sleep(15 * time.Millisecond)
	client.setStatus(&chain.SignatureStatus{Slot: 10, Level: chain.CommitmentConfirmed})

	select {
	case outcome := <-done:
		if outcome.Status != paycore.TransferConfirmed {
			t.Errorf("outcome = %+v, want confirmed", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("tracking did not complete")
	}

	got, err := st.GetTransfer(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTransfer() error: %v", err)
	}
	if got.Status != paycore.TransferConfirmed || got.ConfirmedAt == nil {
		t.Errorf("stored transfer = %+v, want confirmed with timestamp", got)
	}
}

func TestTrackReportsExecutionFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	client := &fakeChain{}
	client.setStatus(&chain.SignatureStatus{
		Slot:         10,
		Level:        chain.CommitmentFinalized,
		ExecutionErr: "InstructionError: insufficient lamports",
	})
	m := newTestMonitor(client, st)

	transfer := submittedTransfer("t1", 0)
	if err := st.CreateTransfer(ctx, transfer); err != nil {
		t.Fatalf("CreateTransfer() error: %v", err)
	}

	select {
	case outcome := <-m.Track(transfer):
		if outcome.Status != paycore.TransferFailed || outcome.Reason == "" {
			t.Errorf("outcome = %+v, want failed with reason", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("tracking did not complete")
	}

	got, _ := st.GetTransfer(ctx, "t1")
	if got.Status != paycore.TransferFailed {
		t.Errorf("stored status = %s, want failed", got.Status)
	}
}

func TestTrackDoesNotOverrideEarlierFinalization(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	client := &fakeChain{}
	client.setStatus(&chain.SignatureStatus{Slot: 10, Level: chain.CommitmentConfirmed})
	m := newTestMonitor(client, st)

	transfer := submittedTransfer("t1", 0)
	if err := st.CreateTransfer(ctx, transfer); err != nil {
		t.Fatalf("CreateTransfer() error: %v", err)
	}

	// The executor already gave up on this transfer.
	if _, err := st.FinalizeTransfer(ctx, "t1", paycore.TransferFailed, "deadline exceeded", time.Now()); err != nil {
		t.Fatalf("FinalizeTransfer() error: %v", err)
	}

	select {
	case <-m.Track(transfer):
	case <-time.After(time.Second):
		t.Fatal("tracking did not complete")
	}

	got, _ := st.GetTransfer(ctx, "t1")
	if got.Status != paycore.TransferFailed || got.ErrorReason != "deadline exceeded" {
		t.Errorf("stored transfer = %+v, first terminal state must stand", got)
	}
}

func TestRetryStalePendingFailsExpiredTransfers(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	client := &fakeChain{} // ledger never saw the signature
	m := newTestMonitor(client, st)

	if err := st.CreateTransfer(ctx, submittedTransfer("stuck", 10*time.Minute)); err != nil {
		t.Fatalf("CreateTransfer() error: %v", err)
	}
	if err := st.CreateTransfer(ctx, submittedTransfer("fresh", 0)); err != nil {
		t.Fatalf("CreateTransfer() error: %v", err)
	}

	if err := m.RetryStalePending(ctx); err != nil {
		t.Fatalf("RetryStalePending() error: %v", err)
	}

	stuck, _ := st.GetTransfer(ctx, "stuck")
	if stuck.Status != paycore.TransferFailed {
		t.Errorf("stuck transfer status = %s, want failed", stuck.Status)
	}

	fresh, _ := st.GetTransfer(ctx, "fresh")
	if fresh.Status != paycore.TransferSubmitted {
		t.Errorf("fresh transfer status = %s, want still submitted", fresh.Status)
	}
}

func TestRetryStalePendingConfirmsLandedTransfers(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	client := &fakeChain{}
	client.setStatus(&chain.SignatureStatus{Slot: 10, Level: chain.CommitmentFinalized})
	m := newTestMonitor(client, st)

	if err := st.CreateTransfer(ctx, submittedTransfer("stuck", 10*time.Minute)); err != nil {
		t.Fatalf("CreateTransfer() error: %v", err)
	}

	if err := m.RetryStalePending(ctx); err != nil {
		t.Fatalf("RetryStalePending() error: %v", err)
	}

	got, _ := st.GetTransfer(ctx, "stuck")
	if got.Status != paycore.TransferConfirmed {
		t.Errorf("status = %s, want confirmed", got.Status)
	}
}
