package oracle

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/agentmesh/paycore/chain"
)

// Pyth price account layout (v2). Only the fields the oracle reads.
const (
	pythMagic = 0xa1b2c3d4

	pythExponentOffset = 20
	pythPriceOffset    = 208
	pythMinAccountLen  = pythPriceOffset + 8
)

// PythFeed reads a Pyth price account directly from the ledger. This is
// the primary feed: it settles with the same ledger the transfers land
// on, so it cannot disagree with chain state.
type PythFeed struct {
	client  chain.Client
	account solana.PublicKey
}

// NewPythFeed creates a feed over the given price account.
func NewPythFeed(client chain.Client, account solana.PublicKey) *PythFeed {
	return &PythFeed{client: client, account: account}
}

// Name implements Feed.
func (f *PythFeed) Name() string { return "pyth" }

// Rate implements Feed.
func (f *PythFeed) Rate(ctx context.Context) (float64, error) {
	data, err := f.client.AccountData(ctx, f.account)
	if err != nil {
		return 0, fmt.Errorf("failed to read price account: %w", err)
	}
	if len(data) < pythMinAccountLen {
		return 0, fmt.Errorf("price account too short: %d bytes", len(data))
	}
	if binary.LittleEndian.Uint32(data[0:4]) != pythMagic {
		return 0, fmt.Errorf("price account has wrong magic")
	}

	exponent := int32(binary.LittleEndian.Uint32(data[pythExponentOffset : pythExponentOffset+4]))
	price := int64(binary.LittleEndian.Uint64(data[pythPriceOffset : pythPriceOffset+8]))

	rate := float64(price) * math.Pow10(int(exponent))
	if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, fmt.Errorf("price account holds unusable rate %v", rate)
	}
	return rate, nil
}
