// Package http provides payment gating middleware and the JSON API for
// the settlement core. The middleware decodes the X-PAYMENT header,
// derives the charge from service pricing (client-declared amounts are
// never trusted), and settles at the moment of response commitment so a
// failed handler never costs the caller anything.
package http

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/encoding"
)

// SessionService draws down a session for one resource call.
type SessionService interface {
	Deduct(ctx context.Context, token string, cents int64, resourceURL string) (*paycore.Session, error)
}

// ProofService verifies and one-shot redeems transfer proofs.
type ProofService interface {
	// Verify checks that the signature references a confirmed transfer
	// covering at least cents, without consuming it.
	Verify(ctx context.Context, signature string, cents int64) (*paycore.PendingTransfer, error)

	// Redeem consumes the proof exactly once.
	Redeem(ctx context.Context, signature string) error
}

// Config holds the payment middleware configuration.
type Config struct {
	// Service is the pricing configuration charges are derived from.
	Service paycore.ServiceConfig

	// PayTo is the treasury address advertised in 402 requirements.
	PayTo string

	// Description is shown in 402 requirements; empty means a default
	// derived from the request path.
	Description string

	// Sessions enables the session payment kind when non-nil.
	Sessions SessionService

	// Proofs enables the tx-proof payment kind when non-nil.
	Proofs ProofService

	// Logger defaults to a fresh logrus logger when nil.
	Logger *logrus.Logger
}

// Requirements lists the payment kinds this configuration accepts for a
// resource, for 402 responses.
func (c *Config) Requirements(resourceURL, path string) []encoding.Requirement {
	description := c.Description
	if description == "" {
		description = "Payment required for " + path
	}

	base := encoding.Requirement{
		ServiceID:   c.Service.ServiceID,
		Cents:       c.Service.BasePriceCents,
		Currency:    c.Service.Currency,
		PayTo:       c.PayTo,
		Resource:    resourceURL,
		Description: description,
	}

	var accepts []encoding.Requirement
	if c.Sessions != nil {
		req := base
		req.Kind = encoding.KindSession
		accepts = append(accepts, req)
	}
	if c.Proofs != nil {
		req := base
		req.Kind = encoding.KindTxProof
		accepts = append(accepts, req)
	}
	return accepts
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// PaymentContextKey is the context key the decoded payment header is
// stored under for handler access.
const PaymentContextKey = contextKey("paycore_payment")

// NewPaymentMiddleware creates payment gating middleware around a
// configuration. Requests without a valid X-PAYMENT header receive 402
// with the accepted requirements; paid requests are settled when the
// wrapped handler commits a success response.
func NewPaymentMiddleware(config *Config) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// CORS preflight carries no payment.
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			scheme := "http"
			if r.TLS != nil {
				scheme = "https"
			}
			resourceURL := scheme + "://" + r.Host + r.RequestURI
			accepts := config.Requirements(resourceURL, r.URL.Path)

			headerValue := r.Header.Get("X-PAYMENT")
			if headerValue == "" {
				logger.WithField("path", r.URL.Path).Info("No payment header provided")
				sendPaymentRequired(w, accepts)
				return
			}

			payment, err := encoding.DecodePayment(headerValue)
			if err != nil {
				logger.WithError(err).Warn("Invalid payment header")
				sendError(w, http.StatusBadRequest, "invalid payment header")
				return
			}

			charge := config.Service.BasePriceCents

			var settle func() bool
			switch payment.Kind {
			case encoding.KindSession:
				if config.Sessions == nil {
					sendPaymentRequired(w, accepts)
					return
				}
				settle = func() bool {
					return settleSession(r.Context(), w, config, logger, payment.SessionToken, charge, resourceURL, accepts)
				}

			case encoding.KindTxProof:
				if config.Proofs == nil {
					sendPaymentRequired(w, accepts)
					return
				}
				// Proofs are verified before the handler runs but consumed
				// only at response commitment, so a failing handler leaves
				// the proof spendable.
				if _, err := config.Proofs.Verify(r.Context(), payment.TxSignature, charge); err != nil {
					logger.WithError(err).WithField("signature", payment.TxSignature).
						Warn("Transfer proof rejected")
					if errors.Is(err, paycore.ErrVerificationFailed) {
						sendPaymentRequired(w, accepts)
					} else {
						sendError(w, http.StatusServiceUnavailable, "payment verification failed")
					}
					return
				}
				settle = func() bool {
					return settleProof(r.Context(), w, config, logger, payment.TxSignature, charge, accepts)
				}
			}

			ctx := context.WithValue(r.Context(), PaymentContextKey, payment)
			r = r.WithContext(ctx)

			interceptor := &settlementInterceptor{
				w:          w,
				settleFunc: settle,
				onFailure: func(statusCode int) {
					logger.WithField("status", statusCode).
						Info("Handler returned non-success, skipping payment settlement")
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

func settleSession(ctx context.Context, w http.ResponseWriter, config *Config, logger *logrus.Logger, token string, charge int64, resourceURL string, accepts []encoding.Requirement) bool {
	session, err := config.Sessions.Deduct(ctx, token, charge, resourceURL)
	if err != nil {
		logger.WithError(err).Warn("Session deduction failed at settlement")
		if errors.Is(err, paycore.ErrSessionNotUsable) {
			sendPaymentRequired(w, accepts)
		} else {
			sendError(w, http.StatusServiceUnavailable, "payment settlement failed")
		}
		return false
	}

	receipt := encoding.Receipt{
		Version:        encoding.Version,
		Success:        true,
		Kind:           encoding.KindSession,
		Cents:          charge,
		SessionToken:   session.Token,
		RemainingCents: session.Remaining(),
	}
	if err := addReceiptHeader(w, receipt); err != nil {
		// The deduction landed; a missing receipt header is not worth
		// failing the response over.
		logger.WithError(err).Warn("Failed to add payment response header")
	}
	return true
}

func settleProof(ctx context.Context, w http.ResponseWriter, config *Config, logger *logrus.Logger, signature string, charge int64, accepts []encoding.Requirement) bool {
	if err := config.Proofs.Redeem(ctx, signature); err != nil {
		logger.WithError(err).WithField("signature", signature).
			Warn("Transfer proof redemption failed at settlement")
		if errors.Is(err, paycore.ErrVerificationFailed) {
			sendPaymentRequired(w, accepts)
		} else {
			sendError(w, http.StatusServiceUnavailable, "payment settlement failed")
		}
		return false
	}

	receipt := encoding.Receipt{
		Version:     encoding.Version,
		Success:     true,
		Kind:        encoding.KindTxProof,
		Cents:       charge,
		TxSignature: signature,
	}
	if err := addReceiptHeader(w, receipt); err != nil {
		logger.WithError(err).Warn("Failed to add payment response header")
	}
	return true
}

// settlementInterceptor wraps the ResponseWriter to intercept the moment
// of commitment: settlement runs exactly when the handler first writes a
// success status, and never for error responses.
type settlementInterceptor struct {
	w          http.ResponseWriter
	settleFunc func() bool
	onFailure  func(statusCode int)
	committed  bool
	hijacked   bool
}

func (i *settlementInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	// Write without WriteHeader implies 200 OK; the settlement check
	// must run first.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}

	// After a failed settlement the error response is already on the
	// wire; the handler's payload is discarded to avoid a mixed body.
	if i.hijacked {
		return len(b), nil
	}

	return i.w.Write(b)
}

func (i *settlementInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through unsettled.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	if !i.settleFunc() {
		// settleFunc already wrote the 402/503 to the underlying writer.
		i.hijacked = true
		return
	}

	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *settlementInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *settlementInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}
