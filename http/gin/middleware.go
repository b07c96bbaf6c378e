// Package gin provides Gin-compatible payment gating middleware. It is
// a thin adapter over the core http package configuration; unlike the
// stdlib middleware it settles before the handler runs, matching Gin's
// abort-based control flow.
package gin

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/agentmesh/paycore"
	"github.com/agentmesh/paycore/encoding"
	paymenthttp "github.com/agentmesh/paycore/http"
)

// PaymentContextKey is the Gin context key the decoded payment header is
// stored under.
const PaymentContextKey = "paycore_payment"

// NewPaymentMiddleware creates Gin payment gating middleware.
//
// The middleware:
//   - Checks for an X-PAYMENT header on every request
//   - Returns 402 Payment Required with the accepted kinds if missing
//   - Charges a session or redeems a transfer proof before the handler
//   - Sets the X-PAYMENT-RESPONSE receipt header on success
//   - Calls c.Abort() on payment failure, c.Next() on success
func NewPaymentMiddleware(config *paymenthttp.Config) gin.HandlerFunc {
	logger := config.Logger
	if logger == nil {
		logger = logrus.New()
	}

	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		resourceURL := scheme + "://" + c.Request.Host + c.Request.RequestURI
		accepts := config.Requirements(resourceURL, c.Request.URL.Path)

		headerValue := c.GetHeader("X-PAYMENT")
		if headerValue == "" {
			logger.WithField("path", c.Request.URL.Path).Info("No payment header provided")
			abortPaymentRequired(c, accepts)
			return
		}

		payment, err := encoding.DecodePayment(headerValue)
		if err != nil {
			logger.WithError(err).Warn("Invalid payment header")
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"paycoreVersion": encoding.Version,
				"error":          "invalid payment header",
			})
			return
		}

		charge := config.Service.BasePriceCents

		var receipt encoding.Receipt
		switch payment.Kind {
		case encoding.KindSession:
			if config.Sessions == nil {
				abortPaymentRequired(c, accepts)
				return
			}
			session, err := config.Sessions.Deduct(c.Request.Context(), payment.SessionToken, charge, resourceURL)
			if err != nil {
				logger.WithError(err).Warn("Session deduction failed")
				abortSettlementError(c, err, accepts)
				return
			}
			receipt = encoding.Receipt{
				Version:        encoding.Version,
				Success:        true,
				Kind:           encoding.KindSession,
				Cents:          charge,
				SessionToken:   session.Token,
				RemainingCents: session.Remaining(),
			}

		case encoding.KindTxProof:
			if config.Proofs == nil {
				abortPaymentRequired(c, accepts)
				return
			}
			if _, err := config.Proofs.Verify(c.Request.Context(), payment.TxSignature, charge); err != nil {
				logger.WithError(err).Warn("Transfer proof rejected")
				abortSettlementError(c, err, accepts)
				return
			}
			if err := config.Proofs.Redeem(c.Request.Context(), payment.TxSignature); err != nil {
				logger.WithError(err).Warn("Transfer proof redemption failed")
				abortSettlementError(c, err, accepts)
				return
			}
			receipt = encoding.Receipt{
				Version:     encoding.Version,
				Success:     true,
				Kind:        encoding.KindTxProof,
				Cents:       charge,
				TxSignature: payment.TxSignature,
			}
		}

		if encoded, err := encoding.EncodeReceipt(receipt); err == nil {
			c.Header("X-PAYMENT-RESPONSE", encoded)
		} else {
			logger.WithError(err).Warn("Failed to add payment response header")
		}

		c.Set(PaymentContextKey, payment)
		ctx := context.WithValue(c.Request.Context(), paymenthttp.PaymentContextKey, payment)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// abortPaymentRequired aborts with a 402 listing the accepted payment
// kinds.
func abortPaymentRequired(c *gin.Context, accepts []encoding.Requirement) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, encoding.RequirementsResponse{
		Version: encoding.Version,
		Error:   "Payment required for this resource",
		Accepts: accepts,
	})
}

// abortSettlementError maps a settlement failure onto 402 or 503.
func abortSettlementError(c *gin.Context, err error, accepts []encoding.Requirement) {
	if errors.Is(err, paycore.ErrSessionNotUsable) || errors.Is(err, paycore.ErrVerificationFailed) {
		abortPaymentRequired(c, accepts)
		return
	}
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
		"paycoreVersion": encoding.Version,
		"error":          "payment settlement failed",
	})
}
