// Package validation implements admission control: the pre-flight check
// that a signer is genuinely capable of producing a valid signature
// before any transfer is attempted. It also validates amounts against
// service pricing configuration.
package validation

import (
	"fmt"
	"regexp"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/signer"
)

// solanaAddressRegex matches base58 addresses (32-44 chars, base58 charset).
var solanaAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)

// Result is the outcome of an admission check. When OK is false, Reasons
// lists every failing check so the caller can render a complete
// diagnostic instead of fixing one problem per attempt.
type Result struct {
	OK      bool
	Reasons []string
}

// ValidateSigner checks that a signing capability is usable: the
// capability is present, the address is syntactically valid, a callable
// signing function is present, and the explicit ready flag is set. All
// four must hold. The result is never cached; signer readiness can
// change between calls.
func ValidateSigner(cap *signer.Capability) Result {
	if cap == nil {
		return Result{Reasons: []string{"signer capability missing"}}
	}

	var reasons []string

	if cap.Address == "" {
		reasons = append(reasons, "address missing")
	} else if err := ValidateAddress(cap.Address); err != nil {
		reasons = append(reasons, fmt.Sprintf("address invalid: %v", err))
	}

	if cap.Sign == nil {
		reasons = append(reasons, "signing function missing")
	} else if !cap.CanSign {
		reasons = append(reasons, "signing capability not granted")
	}

	if !cap.Ready {
		reasons = append(reasons, "signer not connected")
	}

	return Result{OK: len(reasons) == 0, Reasons: reasons}
}

// ValidateAddress validates a base58 ledger address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address cannot be empty", paycore.ErrInvalidAddress)
	}
	if !solanaAddressRegex.MatchString(address) {
		return fmt.Errorf("%w: %s (expected base58 string 32-44 chars)", paycore.ErrInvalidAddress, address)
	}
	return nil
}

// ValidateAmount validates that an amount is positive, in either unit.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0, got %d", paycore.ErrInvalidAmount, amount)
	}
	return nil
}

// ValidateSessionAmount checks a requested session authorization against
// the service's pricing bounds.
func ValidateSessionAmount(cfg paycore.ServiceConfig, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0, got %d", paycore.ErrInvalidAmount, cents)
	}
	if cfg.MinPaymentCents > 0 && cents < cfg.MinPaymentCents {
		return fmt.Errorf("%w: amount %d below service minimum %d", paycore.ErrInvalidAmount, cents, cfg.MinPaymentCents)
	}
	if cfg.MaxSessionCents > 0 && cents > cfg.MaxSessionCents {
		return fmt.Errorf("%w: amount %d exceeds session maximum %d", paycore.ErrInvalidAmount, cents, cfg.MaxSessionCents)
	}
	return nil
}

// ValidateTopupAmount checks a requested credit top-up against the
// service's minimum payment.
func ValidateTopupAmount(cfg paycore.ServiceConfig, cents int64) error {
	if cents <= 0 {
		return fmt.Errorf("%w: amount must be greater than 0, got %d", paycore.ErrInvalidAmount, cents)
	}
	if cfg.MinPaymentCents > 0 && cents < cfg.MinPaymentCents {
		return fmt.Errorf("%w: amount %d below service minimum %d", paycore.ErrInvalidAmount, cents, cfg.MinPaymentCents)
	}
	return nil
}
