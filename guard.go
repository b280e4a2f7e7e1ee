package payguard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Request describes one inbound request to a protected resource,
// independent of any HTTP framework.
type Request struct {
	// Resource is the path or key being accessed.
	Resource string

	// ProofID and ProofHash are the explicit proof headers
	// (X-402-Request-Id / X-402-Proof) when the client presents them.
	ProofID   string
	ProofHash string

	// ClientOrigin identifies the caller, typically its IP.
	ClientOrigin string
}

func (r Request) hasProof() bool { return r.ProofID != "" && r.ProofHash != "" }

// Guard orchestrates the invoice store and payment verifier under a
// per-route policy to answer grant / deny-with-invoice / error for an
// inbound request.
type Guard struct {
	store    InvoiceStore
	verifier *Verifier
	derive   AddressDeriver
	logger   *slog.Logger
	now      func() time.Time
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger used for best-effort bookkeeping
// failures. Defaults to slog.Default().
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithGuardClock overrides the time source, for tests.
func WithGuardClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a Guard. The deriver maps allocated indices to payment
// addresses; wire address.NewDeriver(seed) here.
func NewGuard(store InvoiceStore, verifier *Verifier, derive AddressDeriver, opts ...GuardOption) *Guard {
	g := &Guard{
		store:    store,
		verifier: verifier,
		derive:   derive,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the access decision state machine for one request:
//
//  1. public mode: any verified payment for the resource unlocks it
//  2. origin-tracked mode: payment keyed by (client origin, resource)
//  3. explicit-proof mode: verify against the referenced invoice
//  4. fallback: fetch-or-create the pending invoice and deny with it
//
// Ledger RPC failures never produce a grant or a permanent denial; they
// surface as a DecisionError that maps to 503.
func (g *Guard) Evaluate(ctx context.Context, req Request, policy Policy) GuardDecision {
	if policy.Public {
		if dec, done := g.tryUnlock(ctx, req, policy, g.byResource(ctx, req.Resource)); done {
			return dec
		}
	} else if policy.TrackOrigin && !req.hasProof() && req.ClientOrigin != "" {
		inv, err := g.store.ByClientOrigin(ctx, req.ClientOrigin, req.Resource)
		if dec, done := g.tryUnlock(ctx, req, policy, lookup{inv, err}); done {
			return dec
		}
	}

	if req.hasProof() {
		return g.evaluateProof(ctx, req, policy)
	}

	return g.fallback(ctx, req, policy)
}

type lookup struct {
	inv *Invoice
	err error
}

func (g *Guard) byResource(ctx context.Context, resource string) lookup {
	inv, err := g.store.ByResource(ctx, resource)
	return lookup{inv, err}
}

// tryUnlock handles the shared shape of public and origin-tracked modes:
// grant when the looked-up invoice is paid and within policy, force-verify
// a pending one, otherwise signal fall-through.
func (g *Guard) tryUnlock(ctx context.Context, req Request, policy Policy, l lookup) (GuardDecision, bool) {
	if l.err != nil {
		if errors.Is(l.err, ErrNotFound) {
			return GuardDecision{}, false
		}
		return g.errorDecision(l.err), true
	}
	inv := l.inv
	now := g.now()

	if inv.Status.Paid() && g.sessionAndUsageOK(inv, policy, now) {
		return g.grant(ctx, inv), true
	}
	if inv.Status == StatusPending {
		ok, err := g.verifier.ForceVerify(ctx, inv, "", policy.Verify)
		if err != nil && isRpcFailure(err) {
			return g.errorDecision(err), true
		}
		if ok && g.sessionAndUsageOK(inv, policy, g.now()) {
			return g.grant(ctx, inv), true
		}
	}
	return GuardDecision{}, false
}

// evaluateProof verifies directly against the invoice named by the proof
// headers. A verification failure here is final: it never falls through to
// invoice creation, so a client presenting a bad proof learns that rather
// than receiving a fresh invoice.
func (g *Guard) evaluateProof(ctx context.Context, req Request, policy Policy) GuardDecision {
	inv, err := g.store.ByID(ctx, req.ProofID)
	if err != nil {
		return g.errorDecision(err)
	}

	ok, err := g.verifier.Verify(ctx, inv, req.ProofHash, policy.Verify)
	if err != nil && isRpcFailure(err) {
		return g.errorDecision(err)
	}
	if !ok {
		annotation, _ := err.(*Error)
		if annotation == nil {
			annotation = Errorf(CodeNotPaid, "no matching payment for invoice %s", inv.ID)
		}
		return GuardDecision{Kind: DecisionDeny, Invoice: inv.Clone(), Err: annotation}
	}

	now := g.now()
	if !g.usageOK(inv, policy) {
		return GuardDecision{Kind: DecisionDeny, Invoice: inv.Clone(), Err: Errorf(CodeUsageExceeded, "invoice %s reached its usage cap", inv.ID)}
	}
	if !g.sessionValid(inv, policy, now) {
		return GuardDecision{Kind: DecisionDeny, Invoice: inv.Clone(), Err: Errorf(CodeExpired, "payment session for invoice %s has ended", inv.ID)}
	}
	return g.grant(ctx, inv)
}

// fallback fetches or creates the pending invoice for the resource. An
// existing paid invoice within session and usage still grants; anything
// else denies with the (possibly fresh) invoice to pay.
func (g *Guard) fallback(ctx context.Context, req Request, policy Policy) GuardDecision {
	existing, err := g.store.ByResource(ctx, req.Resource)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return g.errorDecision(err)
	}
	// Under origin tracking a payment belongs to the origin that made it,
	// so a paid invoice for the resource alone never grants here.
	if existing != nil && !policy.TrackOrigin && existing.Status.Paid() && g.sessionAndUsageOK(existing, policy, g.now()) {
		return g.grant(ctx, existing)
	}

	pending, err := g.store.FindOrCreatePending(ctx, req.Resource, g.invoiceFactory(req, policy))
	if err != nil {
		return g.errorDecision(err)
	}
	return GuardDecision{Kind: DecisionDeny, Invoice: pending}
}

// invoiceFactory builds the invoice creation closure passed to the store.
// It runs inside the store's per-resource critical section.
func (g *Guard) invoiceFactory(req Request, policy Policy) InvoiceFactory {
	return func(index uint32) (*Invoice, error) {
		base, err := ToBaseUnits(policy.Amount)
		if err != nil {
			return nil, err
		}
		addr, err := g.derive(index)
		if err != nil {
			return nil, err
		}
		now := g.now()
		inv := &Invoice{
			ID:            uuid.NewString(),
			Index:         index,
			Resource:      req.Resource,
			Address:       addr,
			AmountBase:    base.String(),
			AmountDisplay: policy.Amount,
			CreatedAt:     now,
			ExpiresAt:     now.Add(policy.TTL()),
			Status:        StatusPending,
			Description:   policy.Description,
		}
		if policy.TrackOrigin {
			inv.ClientOrigin = req.ClientOrigin
		}
		if policy.ProofExpirationSeconds > 0 {
			pe := now.Add(time.Duration(policy.ProofExpirationSeconds) * time.Second)
			inv.ProofExpiresAt = &pe
		}
		return inv, nil
	}
}

// grant produces the grant decision and applies its side effects: bump the
// access counter, then mark a paid invoice used. Both are best-effort
// bookkeeping; failures are logged and never revoke the grant.
func (g *Guard) grant(ctx context.Context, inv *Invoice) GuardDecision {
	if err := g.store.IncrementAccess(ctx, inv.ID); err != nil {
		g.logger.Warn("access count increment failed", "invoice", inv.ID, "err", err)
	}
	if inv.Status == StatusPaid {
		used := StatusUsed
		if _, err := g.store.Update(ctx, inv.ID, InvoiceUpdate{Status: &used}); err != nil {
			g.logger.Warn("mark used failed", "invoice", inv.ID, "err", err)
		}
	}
	return GuardDecision{Kind: DecisionGrant, InvoiceID: inv.ID, Invoice: inv.Clone()}
}

// sessionValid implements the session gate: a payment must be recorded and
// the session window still open. Without an explicit session duration the
// invoice's own payment window bounds the session.
func (g *Guard) sessionValid(inv *Invoice, policy Policy, now time.Time) bool {
	if inv.PaidAt == nil {
		return false
	}
	if policy.SessionDuration == 0 {
		return now.Before(inv.ExpiresAt)
	}
	return now.Before(inv.PaidAt.Add(policy.SessionDuration))
}

func (g *Guard) usageOK(inv *Invoice, policy Policy) bool {
	return policy.MaxUsage == 0 || inv.AccessCount < policy.MaxUsage
}

func (g *Guard) sessionAndUsageOK(inv *Invoice, policy Policy, now time.Time) bool {
	return g.sessionValid(inv, policy, now) && g.usageOK(inv, policy)
}

func (g *Guard) errorDecision(err error) GuardDecision {
	var perr *Error
	if !errors.As(err, &perr) {
		perr = Errorf("internal", "%w", err)
	}
	return GuardDecision{Kind: DecisionError, Err: perr}
}

func isRpcFailure(err error) bool {
	return errors.Is(err, ErrRpcError) || errors.Is(err, ErrRpcTimeout)
}
