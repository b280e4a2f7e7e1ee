package payguard

import (
	"context"
	"errors"
	"time"
)

// Verifier decides whether an invoice is paid by reconciling ledger
// transactions against the invoice's required amount, sender and time
// window. It is stateless apart from the store writes that record a
// successful payment.
type Verifier struct {
	store  InvoiceStore
	ledger LedgerClient
	now    func() time.Time
	onPaid func(*Invoice)

	// historyCount bounds how many history entries are scanned per check.
	historyCount int
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source, for tests.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// WithPaymentHook registers a callback invoked after an invoice first
// transitions to paid. The callback runs on the verifying goroutine and
// must not block; wire webhook.Notifier.Hook() here for fire-and-forget
// delivery.
func WithPaymentHook(hook func(*Invoice)) VerifierOption {
	return func(v *Verifier) { v.onPaid = hook }
}

// WithHistoryCount sets how many confirmed history entries are examined
// per verification (default 20).
func WithHistoryCount(n int) VerifierOption {
	return func(v *Verifier) { v.historyCount = n }
}

// NewVerifier creates a Verifier over the given store and ledger client.
func NewVerifier(store InvoiceStore, ledger LedgerClient, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:        store,
		ledger:       ledger,
		now:          time.Now,
		historyCount: 20,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify reports whether the invoice is paid. Already-paid invoices return
// true without further ledger reads or mutation. A non-empty proofHash
// restricts matching to that exact transaction; a proof that names a real
// transaction failing the amount, sender or timestamp checks returns
// ErrProofRejected so callers can distinguish "proof rejected" from
// "nothing found".
func (v *Verifier) Verify(ctx context.Context, inv *Invoice, proofHash string, policy VerifyPolicy) (bool, error) {
	if inv == nil {
		return false, Errorf(CodeNotFound, "no invoice to verify")
	}
	if inv.Status == StatusPaid || inv.Status == StatusUsed {
		return true, nil
	}
	now := v.now()
	if inv.Expired(now) || inv.ProofExpired(now) {
		v.markExpired(ctx, inv)
		return false, nil
	}

	required, err := inv.AmountBaseInt()
	if err != nil {
		return false, err
	}

	// Track whether the named proof was seen but failed a check, so the
	// caller gets ErrProofRejected instead of a plain negative.
	proofSeen := false

	if policy.AcceptPending {
		pendings, err := v.ledger.PendingTransactions(ctx, inv.Address, v.historyCount)
		if err != nil {
			return false, err
		}
		for _, p := range pendings {
			if proofHash != "" && p.Hash != proofHash {
				continue
			}
			if p.Amount == nil || p.Amount.Cmp(required) < 0 || !policy.senderAllowed(p.Sender) {
				if proofHash != "" {
					proofSeen = true
				}
				continue
			}
			if err := v.markPaid(ctx, inv, p.Hash, p.Sender, now); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	history, err := v.ledger.History(ctx, inv.Address, v.historyCount)
	if err != nil {
		return false, err
	}
	for _, tx := range history {
		if tx.Type != TxTypeReceive {
			continue
		}
		if !tx.Confirmed && !policy.AcceptPending {
			continue
		}
		if proofHash != "" && tx.Hash != proofHash {
			continue
		}
		passes := tx.Amount != nil && tx.Amount.Cmp(required) >= 0 &&
			policy.senderAllowed(tx.Sender) &&
			(!policy.VerifyTimestamp || !tx.Timestamp.Before(inv.CreatedAt))
		if !passes {
			if proofHash != "" {
				proofSeen = true
			}
			continue
		}
		if err := v.markPaid(ctx, inv, tx.Hash, tx.Sender, now); err != nil {
			return false, err
		}
		return true, nil
	}

	if proofSeen {
		return false, Errorf(CodeProofRejected, "transaction %s does not satisfy invoice %s", proofHash, inv.ID)
	}
	return false, nil
}

// ForceVerify drops cached ledger reads for the invoice's address before
// verifying, so a payment that just landed is not masked by a stale
// negative.
func (v *Verifier) ForceVerify(ctx context.Context, inv *Invoice, proofHash string, policy VerifyPolicy) (bool, error) {
	if inv != nil {
		v.ledger.ClearCache(inv.Address)
	}
	return v.Verify(ctx, inv, proofHash, policy)
}

// markPaid persists the pending -> paid transition and fires the payment
// hook. The conditional update makes concurrent verifications of the same
// invoice settle on a single winner; the loser observes the winner's write
// and reports success without a second transition.
func (v *Verifier) markPaid(ctx context.Context, inv *Invoice, txHash, sender string, now time.Time) error {
	if !inv.Status.CanTransition(StatusPaid) {
		return Errorf(CodeNotPaid, "invoice %s cannot move from %s to paid", inv.ID, inv.Status)
	}
	paid := StatusPaid
	expect := inv.Status
	updated, err := v.store.Update(ctx, inv.ID, InvoiceUpdate{
		Status:        &paid,
		TxHash:        &txHash,
		PaidAt:        &now,
		SenderAddress: &sender,
		ExpectStatus:  &expect,
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			current, ferr := v.store.ByID(ctx, inv.ID)
			if ferr == nil && current.Status.Paid() {
				*inv = *current
				return nil
			}
		}
		return err
	}
	*inv = *updated
	if v.onPaid != nil {
		v.onPaid(updated.Clone())
	}
	return nil
}

// markExpired records passive expiry of a still-pending invoice. Best
// effort: a lost race here only means another reader already recorded it.
func (v *Verifier) markExpired(ctx context.Context, inv *Invoice) {
	if inv.Status != StatusPending {
		return
	}
	expired := StatusExpired
	expect := StatusPending
	if updated, err := v.store.Update(ctx, inv.ID, InvoiceUpdate{Status: &expired, ExpectStatus: &expect}); err == nil {
		*inv = *updated
	}
}
