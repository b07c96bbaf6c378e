package encoding

import (
	"errors"
	"testing"
)

func TestPaymentHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header PaymentHeader
	}{
		{"session", NewSessionHeader("tok-abc123")},
		{"tx proof", NewTxProofHeader("5VERYLongBase58Signature")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodePayment(tt.header)
			if err != nil {
				t.Fatalf("EncodePayment() error: %v", err)
			}

			decoded, err := DecodePayment(encoded)
			if err != nil {
				t.Fatalf("DecodePayment() error: %v", err)
			}
			if decoded != tt.header {
				t.Errorf("round trip = %+v, want %+v", decoded, tt.header)
			}
		})
	}
}

func TestDecodePaymentRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		wantErr error
	}{
		{"not base64", "!!not-base64!!", ErrMalformedHeader},
		{"not json", "bm90IGpzb24=", ErrMalformedHeader},
		{"wrong version", mustEncode(t, PaymentHeader{Version: 99, Kind: KindSession, SessionToken: "t"}), ErrUnsupportedVersion},
		{"unknown kind", mustEncode(t, PaymentHeader{Version: Version, Kind: "barter"}), ErrMalformedHeader},
		{"session without token", mustEncode(t, PaymentHeader{Version: Version, Kind: KindSession}), ErrMalformedHeader},
		{"proof without signature", mustEncode(t, PaymentHeader{Version: Version, Kind: KindTxProof}), ErrMalformedHeader},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodePayment(tt.encoded); !errors.Is(err, tt.wantErr) {
				t.Errorf("DecodePayment() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	receipt := Receipt{
		Version:        Version,
		Success:        true,
		Kind:           KindSession,
		Cents:          25,
		SessionToken:   "tok-abc123",
		RemainingCents: 975,
	}

	encoded, err := EncodeReceipt(receipt)
	if err != nil {
		t.Fatalf("EncodeReceipt() error: %v", err)
	}
	decoded, err := DecodeReceipt(encoded)
	if err != nil {
		t.Fatalf("DecodeReceipt() error: %v", err)
	}
	if decoded != receipt {
		t.Errorf("round trip = %+v, want %+v", decoded, receipt)
	}
}

func mustEncode(t *testing.T, h PaymentHeader) string {
	t.Helper()
	encoded, err := EncodePayment(h)
	if err != nil {
		t.Fatalf("EncodePayment() error: %v", err)
	}
	return encoded
}
