// Package gin adapts the payguard decision engine to gin handlers.
package gin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	payguard "github.com/meshpay/payguard"
)

// InvoiceIDKey is the gin context key carrying the granting invoice id.
const InvoiceIDKey = "payguard.invoice_id"

// Options configures the middleware.
type Options struct {
	LedgerName   string
	ExposeErrors bool
}

// Option mutates Options.
type Option func(*Options)

// WithLedgerName sets the ledger name used in the Pay-Using header and
// payment URIs.
func WithLedgerName(name string) Option {
	return func(o *Options) { o.LedgerName = name }
}

// WithExposeErrors includes internal error details in error responses.
// Development use only.
func WithExposeErrors() Option {
	return func(o *Options) { o.ExposeErrors = true }
}

// Middleware gates the route group behind the policy. Requests are
// granted once the guard observes a matching ledger payment; until then
// clients receive a 402 with the invoice to pay.
func Middleware(guard *payguard.Guard, policy payguard.Policy, opts ...Option) gin.HandlerFunc {
	options := &Options{LedgerName: payguard.DefaultLedgerName}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		req := payguard.Request{
			Resource:     c.Request.URL.Path,
			ProofID:      c.GetHeader(payguard.HeaderRequestID),
			ProofHash:    c.GetHeader(payguard.HeaderProof),
			ClientOrigin: c.ClientIP(),
		}

		decision := guard.Evaluate(c.Request.Context(), req, policy)
		switch decision.Kind {
		case payguard.DecisionGrant:
			c.Set(InvoiceIDKey, decision.InvoiceID)
			c.Next()

		case payguard.DecisionDeny:
			for name, value := range payguard.DenyHeaders(decision.Invoice, options.LedgerName, time.Now()) {
				c.Header(name, value)
			}
			body := payguard.NewDenyBody(decision.Invoice, policy, options.LedgerName, decision.Err)
			c.AbortWithStatusJSON(http.StatusPaymentRequired, body)

		default:
			status := payguard.HTTPStatus(decision.Err)
			message := "payment service unavailable"
			if status != http.StatusServiceUnavailable {
				message = http.StatusText(status)
			}
			if options.ExposeErrors && decision.Err != nil {
				message = decision.Err.Error()
			}
			c.AbortWithStatusJSON(status, gin.H{"error": message})
		}
	}
}
