// Package chain abstracts the public-ledger capability the settlement
// core requires: fetch a recent reference, submit a signed transfer,
// observe confirmation, and read balances. The reference implementation
// adapts the Solana JSON-RPC client; nothing outside this package depends
// on ledger-specific wire details.
package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Commitment is the confirmation depth a caller requires.
type Commitment string

const (
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// SignatureStatus is the observed confirmation state of a submitted
// transfer. A nil status from Client.SignatureStatus means the ledger
// does not know the signature yet.
type SignatureStatus struct {
	// Slot the transaction was processed in.
	Slot uint64

	// Level is the confirmation depth reached so far.
	Level Commitment

	// ExecutionErr carries the program-level failure, if any. A
	// transaction can be confirmed on-chain and still have failed.
	ExecutionErr string
}

// Reached reports whether the status satisfies the requested commitment.
func (s *SignatureStatus) Reached(c Commitment) bool {
	if s == nil {
		return false
	}
	if s.Level == CommitmentFinalized {
		return true
	}
	return s.Level == c
}

// Client is the ledger capability consumed by the executor, monitor, and
// price oracle.
type Client interface {
	// LatestBlockhash fetches a recent reference for anti-replay and
	// expiry.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)

	// Balance returns the native balance of an address in lamports.
	Balance(ctx context.Context, addr solana.PublicKey) (uint64, error)

	// SendTransaction submits a fully signed transfer.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)

	// SignatureStatus returns the confirmation state of a signature, or
	// nil if the ledger has not seen it.
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)

	// AccountData reads raw account contents (used by the on-chain price
	// feed).
	AccountData(ctx context.Context, addr solana.PublicKey) ([]byte, error)
}

// RPCClient adapts the Solana JSON-RPC client to the Client interface.
type RPCClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCClient creates a ledger client against the given RPC endpoint.
func NewRPCClient(endpoint string, commitment Commitment) *RPCClient {
	c := rpc.CommitmentConfirmed
	if commitment == CommitmentFinalized {
		c = rpc.CommitmentFinalized
	}
	return &RPCClient{
		rpc:        rpc.New(endpoint),
		commitment: c,
	}
}

// LatestBlockhash implements Client.
func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to fetch latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// Balance implements Client.
func (c *RPCClient) Balance(ctx context.Context, addr solana.PublicKey) (uint64, error) {
	out, err := c.rpc.GetBalance(ctx, addr, c.commitment)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch balance for %s: %w", addr, err)
	}
	return out.Value, nil
}

// SendTransaction implements Client.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to send transaction: %w", err)
	}
	return sig, nil
}

// SignatureStatus implements Client.
func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signature status: %w", err)
	}
	if len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	st := out.Value[0]
	status := &SignatureStatus{Slot: st.Slot}

	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusFinalized:
		status.Level = CommitmentFinalized
	case rpc.ConfirmationStatusConfirmed:
		status.Level = CommitmentConfirmed
	}

	if st.Err != nil {
		status.ExecutionErr = fmt.Sprintf("%v", st.Err)
	}

	return status, nil
}

// AccountData implements Client.
func (c *RPCClient) AccountData(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	out, err := c.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account %s: %w", addr, err)
	}
	if out.Value == nil {
		return nil, fmt.Errorf("account %s not found", addr)
	}
	return out.Value.Data.GetBinary(), nil
}
