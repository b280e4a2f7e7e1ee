package payguard

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire headers shared by the framework adapters.
const (
	// HeaderPayUsing names the ledger payments are expected on.
	HeaderPayUsing = "Pay-Using"
	// HeaderRequestID carries the invoice id, on 402 responses and as the
	// proof id on subsequent requests.
	HeaderRequestID = "X-402-Request-Id"
	// HeaderProof carries the transaction hash a client presents as proof.
	HeaderProof = "X-402-Proof"
	// HeaderRetryAfter tells the client when the invoice expires.
	HeaderRetryAfter = "Retry-After"
	// HeaderLink carries the payment URI with rel="payment".
	HeaderLink = "Link"
)

// DefaultLedgerName is used when no ledger name is configured.
const DefaultLedgerName = "nano"

// DenyBody is the JSON body of a 402 response.
type DenyBody struct {
	RequestID     string    `json:"request_id"`
	Account       string    `json:"account"`
	AmountBase    string    `json:"amount_base"`
	AmountDisplay string    `json:"amount_display"`
	ExpiresAt     time.Time `json:"expires_at"`
	Resource      string    `json:"resource"`
	PaymentURI    string    `json:"payment_uri"`
	Description   string    `json:"description,omitempty"`
	PaymentInfo   string    `json:"payment_info"`
	Error         string    `json:"error,omitempty"`
}

// PaymentURI builds the payment link for an invoice,
// e.g. "nano:nano_1abc...?amount=1000".
func PaymentURI(ledgerName, account, amountBase string) string {
	return fmt.Sprintf("%s:%s?amount=%s", ledgerName, account, amountBase)
}

// NewDenyBody assembles the 402 body for an invoice under a policy.
func NewDenyBody(inv *Invoice, policy Policy, ledgerName string, annotation *Error) DenyBody {
	if ledgerName == "" {
		ledgerName = DefaultLedgerName
	}
	body := DenyBody{
		RequestID:     inv.ID,
		Account:       inv.Address,
		AmountBase:    inv.AmountBase,
		AmountDisplay: inv.AmountDisplay,
		ExpiresAt:     inv.ExpiresAt,
		Resource:      inv.Resource,
		PaymentURI:    PaymentURI(ledgerName, inv.Address, inv.AmountBase),
		Description:   inv.Description,
		PaymentInfo:   PaymentInfo(policy),
	}
	if annotation != nil {
		body.Error = annotation.Message
	}
	return body
}

// DenyHeaders returns the headers for a 402 response. Retry-After is the
// time until the invoice expires, clamped to zero.
func DenyHeaders(inv *Invoice, ledgerName string, now time.Time) map[string]string {
	if ledgerName == "" {
		ledgerName = DefaultLedgerName
	}
	retryAfter := int(inv.ExpiresAt.Sub(now).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	return map[string]string{
		HeaderPayUsing:   ledgerName,
		HeaderRequestID:  inv.ID,
		HeaderRetryAfter: strconv.Itoa(retryAfter),
		HeaderLink:       fmt.Sprintf("<%s>; rel=\"payment\"", PaymentURI(ledgerName, inv.Address, inv.AmountBase)),
	}
}

// PaymentInfo renders a human-readable summary of the access the payment
// buys, derived purely from the policy.
func PaymentInfo(policy Policy) string {
	var parts []string
	switch {
	case policy.Public:
		parts = append(parts, "one payment unlocks this resource for everyone")
	case policy.TrackOrigin:
		parts = append(parts, "payment grants access to the paying client")
	default:
		parts = append(parts, "payment grants access to this resource")
	}
	if policy.SessionDuration > 0 {
		parts = append(parts, fmt.Sprintf("access lasts %s after payment", policy.SessionDuration))
	} else {
		parts = append(parts, "access lasts until the invoice expires")
	}
	if policy.MaxUsage == 1 {
		parts = append(parts, "valid for a single request")
	} else if policy.MaxUsage > 1 {
		parts = append(parts, fmt.Sprintf("valid for up to %d requests", policy.MaxUsage))
	}
	return strings.Join(parts, "; ")
}
