// Package ledger implements the two settlement models on top of the
// durable store: preauthorized sessions drawn down per call, and
// standing prepaid credit balances. Both ledgers trigger their one-time
// on-chain leg through the executor and never mutate monetary state
// outside the store's conditional updates.
package ledger

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/executor"
	"github.com/agentmesh/paycore/oracle"
	"github.com/agentmesh/paycore/signer"
)

// Converter prices stable amounts in the native asset. Satisfied by
// *oracle.Oracle.
type Converter interface {
	Convert(ctx context.Context, cents int64) (*oracle.Quote, error)
}

// Submitter executes the on-chain leg of a settlement operation.
// Satisfied by *executor.Executor.
type Submitter interface {
	SubmitTransfer(ctx context.Context, cap *signer.Capability, req executor.Request) (*paycore.PendingTransfer, error)
}

// CapabilityProvider resolves a signing capability for an owner address
// when the ledger needs to re-authorize on the owner's behalf (session
// auto-renewal, credit auto-top-up). Returning false means no capability
// is available and the automatic path is skipped.
type CapabilityProvider func(owner string) (*signer.Capability, bool)

// newToken generates a cryptographically random opaque session token,
// base58-encoded to match the ledger's address vocabulary.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base58.Encode(buf), nil
}
