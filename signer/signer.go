// Package signer defines the minimal signing capability the settlement
// core requires from any wallet integration: a public address and a way
// to sign a constructed transfer. The core never reaches past this
// contract into wallet internals and never stores signing material.
package signer

import (
	"github.com/gagliardetto/solana-go"

	"github.com/agentmesh/paycore"
)

// SignFunc applies the wallet's signature to a constructed transfer.
// Implementations return paycore.ErrUserRejected (possibly wrapped) when
// the user declines to sign.
type SignFunc func(tx *solana.Transaction) error

// Capability is the fully-populated signing capability handed to the
// executor. It is exclusively owned by the caller's execution context and
// must be constructed through NewCapability so no code path can produce a
// partially-filled value.
type Capability struct {
	// Address is the signer's base58 public address.
	Address string

	// CanSign reports that a callable signing function is present.
	CanSign bool

	// Ready is the wallet's explicit connected/ready flag. Readiness can
	// change between calls, so admission validation is never cached.
	Ready bool

	// Sign signs a constructed transfer in place.
	Sign SignFunc
}

// NewCapability builds a validated capability. It rejects an empty
// address or a nil signing function outright rather than defaulting
// fields, so downstream admission checks see honest values.
func NewCapability(address string, sign SignFunc) (*Capability, error) {
	if address == "" {
		return nil, paycore.ErrInvalidAddress
	}
	if sign == nil {
		return nil, paycore.ErrInvalidKey
	}
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return nil, paycore.ErrInvalidAddress
	}
	return &Capability{
		Address: address,
		CanSign: true,
		Ready:   true,
		Sign:    sign,
	}, nil
}

// PublicKey parses the capability's address. Callers should have run
// admission validation first; a parse failure here maps to
// paycore.ErrInvalidAddress.
func (c *Capability) PublicKey() (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(c.Address)
	if err != nil {
		return solana.PublicKey{}, paycore.ErrInvalidAddress
	}
	return pk, nil
}
