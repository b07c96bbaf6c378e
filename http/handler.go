package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/encoding"
)

// errorResponse is the JSON body for non-402 errors.
type errorResponse struct {
	Version int    `json:"paycoreVersion"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// sendPaymentRequired sends a 402 Payment Required response listing the
// accepted payment kinds.
func sendPaymentRequired(w http.ResponseWriter, accepts []encoding.Requirement) {
	response := encoding.RequirementsResponse{
		Version: encoding.Version,
		Error:   "Payment required for this resource",
		Accepts: accepts,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	// Encoding errors are unrecoverable here; the 402 status is already
	// on the wire.
	_ = json.NewEncoder(w).Encode(response)
}

// sendError sends a JSON error response with the given status.
func sendError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorResponse{Version: encoding.Version, Error: message})
}

// addReceiptHeader sets the X-PAYMENT-RESPONSE header with the
// base64-encoded settlement receipt.
func addReceiptHeader(w http.ResponseWriter, receipt encoding.Receipt) error {
	encoded, err := encoding.EncodeReceipt(receipt)
	if err != nil {
		return err
	}
	w.Header().Set("X-PAYMENT-RESPONSE", encoded)
	return nil
}

// writeError maps a settlement error onto an HTTP status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	var perr *paycore.PaymentError
	if errors.As(err, &perr) {
		body := errorResponse{
			Version: encoding.Version,
			Error:   perr.Message,
			Code:    string(perr.Code),
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusForCode(perr.Code))
		_ = json.NewEncoder(w).Encode(body)
		return
	}

	switch {
	case errors.Is(err, paycore.ErrInvalidAmount),
		errors.Is(err, paycore.ErrInvalidAddress),
		errors.Is(err, paycore.ErrInvalidRate):
		sendError(w, http.StatusBadRequest, err.Error())
	default:
		sendError(w, http.StatusInternalServerError, "internal error")
	}
}

func statusForCode(code paycore.ErrorCode) int {
	switch code {
	case paycore.ErrCodeInsufficientFunds,
		paycore.ErrCodeSessionNotUsable,
		paycore.ErrCodeInsufficientCredits,
		paycore.ErrCodeVerificationFailed:
		return http.StatusPaymentRequired
	case paycore.ErrCodeUserRejected:
		return http.StatusBadRequest
	case paycore.ErrCodeNotReady, paycore.ErrCodeNetworkUnavailable:
		return http.StatusServiceUnavailable
	case paycore.ErrCodeTransferExpired:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON sends a JSON response with the given status.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
