package payguard

import (
	"context"
	"math/big"
	"time"
)

// ============================================================================
// Ledger types (returned by LedgerClient implementations)
// ============================================================================

// Transaction is a confirmed-or-unconfirmed entry from an account's history.
type Transaction struct {
	Hash      string
	Type      string // "receive" or "send" relative to the queried account
	Amount    *big.Int
	Sender    string
	Timestamp time.Time
	Confirmed bool
}

// TxTypeReceive marks history entries that credit the queried account.
const TxTypeReceive = "receive"

// PendingTransaction is a transfer observed by the network but not yet
// confirmed.
type PendingTransaction struct {
	Hash   string
	Amount *big.Int
	Sender string
}

// AccountInfo is a summary of an account's ledger state.
type AccountInfo struct {
	Balance    *big.Int
	Pending    *big.Int
	BlockCount int
	Modified   time.Time
}

// ============================================================================
// Component interfaces (implemented by the rpc and store subpackages)
// ============================================================================

// LedgerClient reads ledger state for payment verification. Implementations
// must surface failures as ErrRpcError / ErrRpcTimeout; both are recoverable
// and are treated by callers as "payment not yet confirmed", never as a
// fatal condition for an invoice.
type LedgerClient interface {
	// History returns up to count entries of the account's transaction
	// history, newest first.
	History(ctx context.Context, address string, count int) ([]Transaction, error)

	// PendingTransactions returns transfers to the address that are not
	// yet confirmed.
	PendingTransactions(ctx context.Context, address string, count int) ([]PendingTransaction, error)

	// AccountInfo returns the account summary, or ErrNotFound for an
	// account the ledger has never seen.
	AccountInfo(ctx context.Context, address string) (*AccountInfo, error)

	// ClearCache drops any cached reads for the address so the next call
	// hits the node. Verifiers call it after detecting a plausible
	// payment to avoid a stale negative on the immediate re-check.
	ClearCache(address string)
}

// InvoiceFactory builds a new invoice for a freshly allocated address index.
// It runs inside the store's per-resource critical section.
type InvoiceFactory func(index uint32) (*Invoice, error)

// ListFilter narrows and pages List results. A nil Status matches all.
type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
}

// InvoiceStore owns invoice records. Operations fail with ErrNotFound when
// the id or resource does not resolve. Implementations must enforce the
// single-pending-unexpired-invoice-per-resource invariant and must not
// return internal pointers to callers.
type InvoiceStore interface {
	// FindOrCreatePending atomically returns the existing unexpired
	// pending invoice for the resource, or allocates a fresh index,
	// builds a new invoice via factory, persists it and returns it.
	// Concurrent calls for the same resource create exactly one invoice.
	FindOrCreatePending(ctx context.Context, resource string, factory InvoiceFactory) (*Invoice, error)

	// ByID returns the invoice with the given id.
	ByID(ctx context.Context, id string) (*Invoice, error)

	// ByResource returns the most relevant invoice for a resource:
	// paid/used ranks above pending, newest first within a rank.
	ByResource(ctx context.Context, resource string) (*Invoice, error)

	// ByClientOrigin returns the most relevant invoice created for the
	// client origin, optionally narrowed to one resource ("" matches all).
	ByClientOrigin(ctx context.Context, origin, resource string) (*Invoice, error)

	// Update merges the non-nil fields into the stored invoice and
	// returns the result.
	Update(ctx context.Context, id string, upd InvoiceUpdate) (*Invoice, error)

	// IncrementAccess bumps the access counter and stamps the access time.
	IncrementAccess(ctx context.Context, id string) error

	// List returns invoices matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]*Invoice, error)

	// Delete removes the invoice. Administrative use only; invoices are
	// otherwise never physically deleted.
	Delete(ctx context.Context, id string) error
}

// AddressDeriver deterministically derives the payment address for an
// allocated index. See the address package for the blake2b implementation.
type AddressDeriver func(index uint32) (string, error)
