// Package encoding implements the wire codec for payment headers and
// settlement receipts. Both travel as base64-encoded JSON in single HTTP
// header fields, so they survive proxies that mangle structured values.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Version is the payment header protocol version this codec speaks.
const Version = 1

// Payment kinds accepted in an X-PAYMENT header.
const (
	// KindSession references a preauthorized session by its token.
	KindSession = "session"

	// KindTxProof references a confirmed on-chain transfer by its
	// signature.
	KindTxProof = "tx-proof"
)

var (
	// ErrMalformedHeader indicates the header is missing, not valid
	// base64, or not valid JSON.
	ErrMalformedHeader = errors.New("malformed payment header")

	// ErrUnsupportedVersion indicates the header declares a protocol
	// version this codec does not speak.
	ErrUnsupportedVersion = errors.New("unsupported payment header version")
)

// PaymentHeader is the decoded X-PAYMENT header: a claim that payment
// exists, either as a drawable session or as a one-shot transfer proof.
// It never carries an amount; the charge is always derived server-side.
type PaymentHeader struct {
	Version int    `json:"paycoreVersion"`
	Kind    string `json:"kind"`

	// SessionToken is set when Kind is "session".
	SessionToken string `json:"sessionToken,omitempty"`

	// TxSignature is set when Kind is "tx-proof".
	TxSignature string `json:"txSignature,omitempty"`
}

// Validate checks structural integrity after decoding.
func (h PaymentHeader) Validate() error {
	if h.Version != Version {
		return ErrUnsupportedVersion
	}
	switch h.Kind {
	case KindSession:
		if h.SessionToken == "" {
			return fmt.Errorf("%w: session kind without token", ErrMalformedHeader)
		}
	case KindTxProof:
		if h.TxSignature == "" {
			return fmt.Errorf("%w: tx-proof kind without signature", ErrMalformedHeader)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedHeader, h.Kind)
	}
	return nil
}

// Receipt is the settlement acknowledgement returned in the
// X-PAYMENT-RESPONSE header after a charge lands.
type Receipt struct {
	Version int    `json:"paycoreVersion"`
	Success bool   `json:"success"`
	Kind    string `json:"kind"`

	// Cents is the amount actually charged.
	Cents int64 `json:"cents"`

	// SessionToken and RemainingCents are set for session charges. The
	// token can differ from the one presented when auto-renewal opened a
	// replacement session.
	SessionToken   string `json:"sessionToken,omitempty"`
	RemainingCents int64  `json:"remainingCents,omitempty"`

	// TxSignature is set for tx-proof charges.
	TxSignature string `json:"txSignature,omitempty"`
}

// Requirement describes one way a caller can satisfy payment for a
// resource. It is returned in 402 responses.
type Requirement struct {
	Kind        string `json:"kind"`
	ServiceID   string `json:"serviceId"`
	Cents       int64  `json:"cents"`
	Currency    string `json:"currency"`
	PayTo       string `json:"payTo,omitempty"`
	Resource    string `json:"resource,omitempty"`
	Description string `json:"description,omitempty"`
}

// RequirementsResponse is the JSON body of a 402 Payment Required
// response.
type RequirementsResponse struct {
	Version int           `json:"paycoreVersion"`
	Error   string        `json:"error"`
	Accepts []Requirement `json:"accepts"`
}

// EncodePayment converts a PaymentHeader to a base64-encoded JSON
// string for the X-PAYMENT header.
func EncodePayment(h PaymentHeader) (string, error) {
	raw, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayment converts a base64-encoded JSON string to a
// PaymentHeader and validates it.
func DecodePayment(encoded string) (PaymentHeader, error) {
	var h PaymentHeader

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := json.Unmarshal(decoded, &h); err != nil {
		return h, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	if err := h.Validate(); err != nil {
		return h, err
	}
	return h, nil
}

// EncodeReceipt converts a Receipt to a base64-encoded JSON string for
// the X-PAYMENT-RESPONSE header.
func EncodeReceipt(r Receipt) (string, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeReceipt converts a base64-encoded JSON string to a Receipt.
func DecodeReceipt(encoded string) (Receipt, error) {
	var r Receipt

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return r, fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(decoded, &r); err != nil {
		return r, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return r, nil
}

// NewSessionHeader builds a session payment header.
func NewSessionHeader(token string) PaymentHeader {
	return PaymentHeader{Version: Version, Kind: KindSession, SessionToken: token}
}

// NewTxProofHeader builds a transfer-proof payment header.
func NewTxProofHeader(signature string) PaymentHeader {
	return PaymentHeader{Version: Version, Kind: KindTxProof, TxSignature: signature}
}
