package payguard

import (
	"math/big"
	"time"
)

// Status is the lifecycle state of an invoice.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusUsed      Status = "used"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusUsed, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// CanTransition reports whether the forward transition s -> to is allowed.
// Transitions are monotonic: pending -> {paid, expired, cancelled},
// paid -> {used, refunded}, used -> refunded. A transition to the same
// status is allowed so repeated writes stay idempotent.
func (s Status) CanTransition(to Status) bool {
	if s == to {
		return true
	}
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return to == StatusPaid || to == StatusExpired || to == StatusCancelled
	case StatusPaid:
		return to == StatusUsed || to == StatusRefunded
	case StatusUsed:
		return to == StatusRefunded
	}
	return false
}

// Paid reports whether a payment has been recorded for this status.
// PaidAt is set if and only if Paid returns true.
func (s Status) Paid() bool {
	return s == StatusPaid || s == StatusUsed || s == StatusRefunded
}

// Invoice is the unit of payment tracking: a request for a specific amount
// to a derived address within a deadline, in exchange for access to a
// resource.
type Invoice struct {
	ID             string     `json:"id"`
	Index          uint32     `json:"index"`
	Resource       string     `json:"resource"`
	Address        string     `json:"address"`
	AmountBase     string     `json:"amount_base"`
	AmountDisplay  string     `json:"amount_display"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	ProofExpiresAt *time.Time `json:"proof_expires_at,omitempty"`
	Status         Status     `json:"status"`
	TxHash         string     `json:"tx_hash,omitempty"`
	PaidAt         *time.Time `json:"paid_at,omitempty"`
	SenderAddress  string     `json:"sender_address,omitempty"`
	ClientOrigin   string     `json:"client_origin,omitempty"`
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	Description    string     `json:"description,omitempty"`
}

// Expired reports whether the payment window has closed at the given instant.
func (inv *Invoice) Expired(now time.Time) bool {
	return now.After(inv.ExpiresAt)
}

// ProofExpired reports whether a payment proof is no longer acceptable.
// The proof window is separate from, and usually longer than, the payment
// window; when unset it never expires.
func (inv *Invoice) ProofExpired(now time.Time) bool {
	return inv.ProofExpiresAt != nil && now.After(*inv.ProofExpiresAt)
}

// AmountBaseInt parses the required amount in base units.
func (inv *Invoice) AmountBaseInt() (*big.Int, error) {
	n, ok := new(big.Int).SetString(inv.AmountBase, 10)
	if !ok || n.Sign() < 0 {
		return nil, Errorf(CodeInvalidAmount, "malformed base amount %q on invoice %s", inv.AmountBase, inv.ID)
	}
	return n, nil
}

// Clone returns a deep copy so store internals never alias caller state.
func (inv *Invoice) Clone() *Invoice {
	cp := *inv
	if inv.ProofExpiresAt != nil {
		t := *inv.ProofExpiresAt
		cp.ProofExpiresAt = &t
	}
	if inv.PaidAt != nil {
		t := *inv.PaidAt
		cp.PaidAt = &t
	}
	if inv.LastAccessedAt != nil {
		t := *inv.LastAccessedAt
		cp.LastAccessedAt = &t
	}
	return &cp
}

// InvoiceUpdate describes a partial update to an invoice. Nil fields are
// left untouched. Status ordering is the caller's contract: the store
// persists whatever is given, so callers must check CanTransition before
// requesting a status change.
type InvoiceUpdate struct {
	Status         *Status
	TxHash         *string
	PaidAt         *time.Time
	SenderAddress  *string
	ExpiresAt      *time.Time
	ClientOrigin   *string
	AccessCount    *int
	LastAccessedAt *time.Time

	// ExpectStatus, when set, makes the update conditional: if the stored
	// status differs the update fails with ErrConcurrentModification.
	ExpectStatus *Status
}

// Policy configures how a route is gated.
type Policy struct {
	// Amount is the required payment in display units, e.g. "0.00001".
	Amount string

	// TTLSeconds bounds the payment window. Zero means DefaultInvoiceTTL.
	TTLSeconds int

	// ProofExpirationSeconds bounds how long a payment proof stays
	// acceptable after creation. Zero means the proof never expires.
	ProofExpirationSeconds int

	// SessionDuration is the post-payment window during which access is
	// granted without re-verification. Zero falls back to the invoice's
	// payment window.
	SessionDuration time.Duration

	// TrackOrigin keys invoices by (client origin, resource) so a payer
	// keeps access without re-presenting proof headers.
	TrackOrigin bool

	// MaxUsage caps the number of grants per invoice. Zero means unlimited.
	MaxUsage int

	// Public unlocks the resource for everyone once any payment for it
	// has been verified.
	Public bool

	// Description is echoed in the 402 response body.
	Description string

	// Verify controls how payments are matched on the ledger.
	Verify VerifyPolicy
}

// VerifyPolicy controls how ledger transactions are reconciled against an
// invoice.
type VerifyPolicy struct {
	// AcceptPending accepts transactions observed but not yet confirmed
	// by the network.
	AcceptPending bool

	// VerifySender requires the paying account to be in AllowedSenders
	// when the list is non-empty.
	VerifySender   bool
	AllowedSenders []string

	// VerifyTimestamp rejects transactions older than the invoice,
	// defeating replays of payments that predate it.
	VerifyTimestamp bool
}

// DefaultVerifyPolicy returns the default matching rules: pending
// transactions accepted, timestamps verified, senders unchecked.
func DefaultVerifyPolicy() VerifyPolicy {
	return VerifyPolicy{AcceptPending: true, VerifyTimestamp: true}
}

func (p VerifyPolicy) senderAllowed(sender string) bool {
	if !p.VerifySender || len(p.AllowedSenders) == 0 {
		return true
	}
	for _, s := range p.AllowedSenders {
		if s == sender {
			return true
		}
	}
	return false
}

// DefaultInvoiceTTL is the payment window applied when a policy does not
// set one.
const DefaultInvoiceTTL = 3600 * time.Second

// TTL returns the policy's payment window.
func (p Policy) TTL() time.Duration {
	if p.TTLSeconds > 0 {
		return time.Duration(p.TTLSeconds) * time.Second
	}
	return DefaultInvoiceTTL
}

// DecisionKind tags the outcome of a guard evaluation.
type DecisionKind int

const (
	// DecisionGrant allows the request through.
	DecisionGrant DecisionKind = iota
	// DecisionDeny withholds the resource and carries the invoice the
	// caller should pay.
	DecisionDeny
	// DecisionError means the evaluation itself failed; no statement is
	// made about payment state.
	DecisionError
)

// GuardDecision is the transient result of evaluating one request.
// It is never persisted.
type GuardDecision struct {
	Kind DecisionKind

	// InvoiceID identifies the granting invoice on DecisionGrant.
	InvoiceID string

	// Invoice carries the invoice to pay on DecisionDeny.
	Invoice *Invoice

	// Err annotates a deny (e.g. proof rejected, usage exceeded) or
	// classifies an error decision.
	Err *Error
}

// Granted reports whether the decision allows the request.
func (d GuardDecision) Granted() bool { return d.Kind == DecisionGrant }
