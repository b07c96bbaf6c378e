package paycore

import (
	"errors"
	"strings"
	"testing"
)

func TestPaymentErrorError(t *testing.T) {
	err := NewPaymentError(ErrCodeInsufficientFunds, "balance too low", ErrInsufficientFunds).
		WithDetails("shortfall", int64(1500))

	msg := err.Error()
	if !strings.Contains(msg, "insufficient_funds") {
		t.Errorf("Error() = %q, want code in message", msg)
	}
	if !strings.Contains(msg, "shortfall=1500") {
		t.Errorf("Error() = %q, want shortfall detail", msg)
	}
	if !strings.Contains(msg, "insufficient funds") {
		t.Errorf("Error() = %q, want wrapped sentinel text", msg)
	}
}

func TestPaymentErrorUnwrap(t *testing.T) {
	err := NewPaymentError(ErrCodeUserRejected, "declined in wallet", ErrUserRejected)
	if !errors.Is(err, ErrUserRejected) {
		t.Error("errors.Is() should match wrapped sentinel")
	}

	var pe *PaymentError
	if !errors.As(err, &pe) {
		t.Fatal("errors.As() should extract PaymentError")
	}
	if pe.Code != ErrCodeUserRejected {
		t.Errorf("Code = %s, want %s", pe.Code, ErrCodeUserRejected)
	}
}

func TestPaymentErrorShortfall(t *testing.T) {
	err := NewPaymentError(ErrCodeInsufficientCredits, "spend exceeds balance", ErrInsufficientCredits).
		WithDetails("shortfall", int64(15))

	got, ok := err.Shortfall()
	if !ok {
		t.Fatal("Shortfall() should be present")
	}
	if got != 15 {
		t.Errorf("Shortfall() = %d, want 15", got)
	}

	plain := NewPaymentError(ErrCodeInternal, "boom", nil)
	if _, ok := plain.Shortfall(); ok {
		t.Error("Shortfall() should be absent on errors without the detail")
	}
}
