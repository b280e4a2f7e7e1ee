// Package store provides invoice storage and durable payment-address index
// allocation.
//
// Two interchangeable InvoiceStore backends sit behind one contract: a
// process-local in-memory store (data is lost on restart unless paired with
// a recovery log) and a durable SQLite store. Both enforce the
// single-pending-unexpired-invoice-per-resource invariant and share one
// error taxonomy. Backend choice is always an explicit constructor call,
// never a runtime capability check.
package store

import (
	"sort"

	payguard "github.com/meshpay/payguard"
)

// IndexAllocator is a durable, monotonically increasing counter of
// payment-address indices. Index values are never reused, even across
// process restarts: every mutation is persisted before the call returns,
// so a crash between allocation and persistence cannot be observed by a
// caller.
type IndexAllocator interface {
	// NextIndex allocates and durably records a fresh, never-before-used
	// index, strictly greater than every previously allocated one.
	// Concurrent calls from the same process never return the same index.
	NextIndex() (uint32, error)

	// MarkUsed records an externally-known index as used. Idempotent.
	MarkUsed(index uint32) error

	// IsUsed reports whether the index has been issued or marked used.
	IsUsed(index uint32) (bool, error)

	// AllUsed returns every used index in ascending order.
	AllUsed() ([]uint32, error)

	// Highest returns the highest index ever issued, or zero when none
	// has been.
	Highest() (uint32, error)
}

// RecoveryLog persists denormalized invoice copies alongside the index
// record so an in-memory store can be rebuilt after a restart. The file
// allocator implements it.
type RecoveryLog interface {
	SaveInvoice(inv *payguard.Invoice) error
	DeleteInvoice(id string) error
	LoadInvoices() ([]*payguard.Invoice, error)
}

// MostRelevant picks the invoice a lookup should return when several
// historical rows exist for the same key: paid or used invoices rank above
// pending ones, which rank above the terminal states, and newer beats
// older within a rank. Both backends use this one rule.
func MostRelevant(invoices []*payguard.Invoice) *payguard.Invoice {
	if len(invoices) == 0 {
		return nil
	}
	ranked := make([]*payguard.Invoice, len(invoices))
	copy(ranked, invoices)
	sort.SliceStable(ranked, func(i, j int) bool {
		ri, rj := relevanceRank(ranked[i].Status), relevanceRank(ranked[j].Status)
		if ri != rj {
			return ri < rj
		}
		return ranked[i].CreatedAt.After(ranked[j].CreatedAt)
	})
	return ranked[0]
}

func relevanceRank(s payguard.Status) int {
	switch s {
	case payguard.StatusPaid, payguard.StatusUsed:
		return 0
	case payguard.StatusPending:
		return 1
	default:
		return 2
	}
}

// applyUpdate merges the non-nil fields of upd into inv. The caller holds
// the invoice's critical section.
func applyUpdate(inv *payguard.Invoice, upd payguard.InvoiceUpdate) {
	if upd.Status != nil {
		inv.Status = *upd.Status
	}
	if upd.TxHash != nil {
		inv.TxHash = *upd.TxHash
	}
	if upd.PaidAt != nil {
		t := *upd.PaidAt
		inv.PaidAt = &t
	}
	if upd.SenderAddress != nil {
		inv.SenderAddress = *upd.SenderAddress
	}
	if upd.ExpiresAt != nil {
		inv.ExpiresAt = *upd.ExpiresAt
	}
	if upd.ClientOrigin != nil {
		inv.ClientOrigin = *upd.ClientOrigin
	}
	if upd.AccessCount != nil {
		inv.AccessCount = *upd.AccessCount
	}
	if upd.LastAccessedAt != nil {
		t := *upd.LastAccessedAt
		inv.LastAccessedAt = &t
	}
}
