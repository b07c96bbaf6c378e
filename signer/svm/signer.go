// Package svm provides a local-keypair implementation of the settlement
// core's signing capability for Solana.
package svm

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/gagliardetto/solana-go"
	"github.com/tyler-smith/go-bip39"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/signer"
)

// Signer holds a local Solana keypair and produces a signing capability
// for the executor.
type Signer struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a local signer from the given options. Exactly one
// key source option is required.
func NewSigner(opts ...SignerOption) (*Signer, error) {
	s := &Signer{}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if len(s.privateKey) == 0 {
		return nil, paycore.ErrInvalidKey
	}

	s.publicKey = s.privateKey.PublicKey()
	return s, nil
}

// WithPrivateKey sets the private key from a base58 string.
func WithPrivateKey(base58Key string) SignerOption {
	return func(s *Signer) error {
		privateKey, err := solana.PrivateKeyFromBase58(base58Key)
		if err != nil {
			return paycore.ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// WithKeygenFile loads a private key from a Solana keygen JSON file
// (the `[1, 2, 3, ...]` array format written by solana-keygen).
func WithKeygenFile(path string) SignerOption {
	return func(s *Signer) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", paycore.ErrInvalidKey, err)
		}

		var keyBytes []byte
		if err := json.Unmarshal(data, &keyBytes); err != nil {
			return fmt.Errorf("%w: invalid JSON format", paycore.ErrInvalidKey)
		}

		if len(keyBytes) != ed25519.PrivateKeySize {
			return fmt.Errorf("%w: invalid key length %d", paycore.ErrInvalidKey, len(keyBytes))
		}

		s.privateKey = solana.PrivateKey(keyBytes)
		return nil
	}
}

// WithMnemonic derives the private key from a BIP-39 mnemonic. The first
// 32 bytes of the seed become the ed25519 seed.
func WithMnemonic(mnemonic, passphrase string) SignerOption {
	return func(s *Signer) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return fmt.Errorf("%w: invalid mnemonic", paycore.ErrInvalidKey)
		}

		seed := bip39.NewSeed(mnemonic, passphrase)
		key := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
		s.privateKey = solana.PrivateKey(key)
		return nil
	}
}

// Address returns the signer's base58 public key.
func (s *Signer) Address() string {
	return s.publicKey.String()
}

// Capability exposes the signer as the capability contract consumed by
// the executor. A local keypair is always ready and never rejects.
func (s *Signer) Capability() (*signer.Capability, error) {
	return signer.NewCapability(s.Address(), s.signTransaction)
}

func (s *Signer) signTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.publicKey) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}
