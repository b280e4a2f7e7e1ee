// Package echo adapts the payguard decision engine to echo middleware.
package echo

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	payguard "github.com/meshpay/payguard"
)

// InvoiceIDKey is the echo context key carrying the granting invoice id.
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

// Middleware gates the wrapped handlers behind the policy.
func Middleware(guard *payguard.Guard, policy payguard.Policy, opts ...Option) echo.MiddlewareFunc {
	options := &Options{LedgerName: payguard.DefaultLedgerName}
	for _, opt := range opts {
		opt(options)
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := payguard.Request{
				Resource:     c.Request().URL.Path,
				ProofID:      c.Request().Header.Get(payguard.HeaderRequestID),
				ProofHash:    c.Request().Header.Get(payguard.HeaderProof),
				ClientOrigin: c.RealIP(),
			}

			decision := guard.Evaluate(c.Request().Context(), req, policy)
			switch decision.Kind {
			case payguard.DecisionGrant:
				c.Set(InvoiceIDKey, decision.InvoiceID)
				return next(c)

			case payguard.DecisionDeny:
				for name, value := range payguard.DenyHeaders(decision.Invoice, options.LedgerName, time.Now()) {
					c.Response().Header().Set(name, value)
				}
				body := payguard.NewDenyBody(decision.Invoice, policy, options.LedgerName, decision.Err)
				return c.JSON(http.StatusPaymentRequired, body)

			default:
				status := payguard.HTTPStatus(decision.Err)
				message := "payment service unavailable"
				if status != http.StatusServiceUnavailable {
					message = http.StatusText(status)
				}
				if options.ExposeErrors && decision.Err != nil {
					message = decision.Err.Error()
				}
				return c.JSON(status, map[string]string{"error": message})
			}
		}
	}
}
