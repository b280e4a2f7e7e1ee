package store

import (
	"context"
	"sort"
	"sync"
	"time"

	payguard "github.com/meshpay/payguard"
)

// MemoryStore is a process-local InvoiceStore. It offers no cross-process
// safety and its contents are lost on restart unless paired with a
// RecoveryLog (typically the FileAllocator, which then also makes index
// allocation crash-safe).
type MemoryStore struct {
	mu       sync.RWMutex
	invoices map[string]*payguard.Invoice
	sections *keyedMutex
	alloc    IndexAllocator
	recovery RecoveryLog
	now      func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithRecoveryLog persists a denormalized invoice copy on every mutation
// and seeds the store from the log on construction.
func WithRecoveryLog(log RecoveryLog) MemoryOption {
	return func(s *MemoryStore) { s.recovery = log }
}

// WithMemoryClock overrides the time source, for tests.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an in-memory invoice store over the given index
// allocator.
func NewMemoryStore(alloc IndexAllocator, opts ...MemoryOption) (*MemoryStore, error) {
	s := &MemoryStore{
		invoices: make(map[string]*payguard.Invoice),
		sections: newKeyedMutex(),
		alloc:    alloc,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.recovery != nil {
		recovered, err := s.recovery.LoadInvoices()
		if err != nil {
			return nil, err
		}
		for _, inv := range recovered {
			s.invoices[inv.ID] = inv
		}
	}
	return s, nil
}

var _ payguard.InvoiceStore = (*MemoryStore)(nil)

// FindOrCreatePending returns the resource's unexpired pending invoice or
// creates one. The per-resource critical section makes concurrent calls
// for the same resource settle on a single invoice: the loser of the race
// observes the winner's invoice inside the lock.
func (s *MemoryStore) FindOrCreatePending(ctx context.Context, resource string, factory payguard.InvoiceFactory) (*payguard.Invoice, error) {
	s.sections.Lock("create:" + resource)
	defer s.sections.Unlock("create:" + resource)

	if existing := s.findPending(resource); existing != nil {
		return existing, nil
	}

	index, err := s.alloc.NextIndex()
	if err != nil {
		return nil, err
	}
	inv, err := factory(index)
	if err != nil {
		return nil, err
	}
	if err := s.persist(inv); err != nil {
		return nil, err
	}
	return inv.Clone(), nil
}

// findPending re-checks existence inside the critical section, expiring
// stale pending invoices on the way.
func (s *MemoryStore) findPending(resource string) *payguard.Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, inv := range s.invoices {
		if inv.Resource != resource || inv.Status != payguard.StatusPending {
			continue
		}
		if inv.Expired(now) {
			s.invoices[id] = expiredCopy(inv)
			continue
		}
		return inv.Clone()
	}
	return nil
}

// expiredCopy builds the replacement entry for a pending invoice whose
// payment window closed. Map entries are never mutated in place: a reader
// holding the old pointer keeps a consistent snapshot.
func expiredCopy(inv *payguard.Invoice) *payguard.Invoice {
	cp := inv.Clone()
	cp.Status = payguard.StatusExpired
	return cp
}

func (s *MemoryStore) persist(inv *payguard.Invoice) error {
	if s.recovery != nil {
		if err := s.recovery.SaveInvoice(inv); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.invoices[inv.ID] = inv.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ByID(ctx context.Context, id string) (*payguard.Invoice, error) {
	s.expireStale()

	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	return inv.Clone(), nil
}

func (s *MemoryStore) ByResource(ctx context.Context, resource string) (*payguard.Invoice, error) {
	s.expireStale()

	s.mu.RLock()
	var candidates []*payguard.Invoice
	for _, inv := range s.invoices {
		if inv.Resource == resource {
			candidates = append(candidates, inv.Clone())
		}
	}
	s.mu.RUnlock()

	best := MostRelevant(candidates)
	if best == nil {
		return nil, payguard.Errorf(payguard.CodeNotFound, "no invoice for resource %s", resource)
	}
	return best, nil
}

func (s *MemoryStore) ByClientOrigin(ctx context.Context, origin, resource string) (*payguard.Invoice, error) {
	s.expireStale()

	s.mu.RLock()
	var candidates []*payguard.Invoice
	for _, inv := range s.invoices {
		if inv.ClientOrigin != origin {
			continue
		}
		if resource != "" && inv.Resource != resource {
			continue
		}
		candidates = append(candidates, inv.Clone())
	}
	s.mu.RUnlock()

	best := MostRelevant(candidates)
	if best == nil {
		return nil, payguard.Errorf(payguard.CodeNotFound, "no invoice for origin %s", origin)
	}
	return best, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, upd payguard.InvoiceUpdate) (*payguard.Invoice, error) {
	s.sections.Lock("update:" + id)
	defer s.sections.Unlock("update:" + id)

	// Precondition check, update and map write happen under one lock hold
	// so a concurrent expiry sweep can neither invalidate the check nor be
	// overwritten by a stale clone.
	s.mu.Lock()
	inv, ok := s.invoices[id]
	if !ok {
		s.mu.Unlock()
		return nil, payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	if upd.ExpectStatus != nil && inv.Status != *upd.ExpectStatus {
		s.mu.Unlock()
		return nil, payguard.Errorf(payguard.CodeConcurrentModification,
			"invoice %s is %s, expected %s", id, inv.Status, *upd.ExpectStatus)
	}
	updated := inv.Clone()
	applyUpdate(updated, upd)
	s.invoices[id] = updated
	s.mu.Unlock()

	if err := s.logInvoice(updated); err != nil {
		s.rollback(id, inv)
		return nil, err
	}
	return updated.Clone(), nil
}

func (s *MemoryStore) IncrementAccess(ctx context.Context, id string) error {
	s.sections.Lock("update:" + id)
	defer s.sections.Unlock("update:" + id)

	s.mu.Lock()
	inv, ok := s.invoices[id]
	if !ok {
		s.mu.Unlock()
		return payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	updated := inv.Clone()
	updated.AccessCount++
	now := s.now()
	updated.LastAccessedAt = &now
	s.invoices[id] = updated
	s.mu.Unlock()

	if err := s.logInvoice(updated); err != nil {
		s.rollback(id, inv)
		return err
	}
	return nil
}

func (s *MemoryStore) logInvoice(inv *payguard.Invoice) error {
	if s.recovery == nil {
		return nil
	}
	return s.recovery.SaveInvoice(inv)
}

// rollback restores the previous entry after a failed recovery-log write,
// so memory and log never diverge on an errored mutation.
func (s *MemoryStore) rollback(id string, prev *payguard.Invoice) {
	s.mu.Lock()
	s.invoices[id] = prev
	s.mu.Unlock()
}

func (s *MemoryStore) List(ctx context.Context, filter payguard.ListFilter) ([]*payguard.Invoice, error) {
	s.expireStale()

	s.mu.RLock()
	var out []*payguard.Invoice
	for _, inv := range s.invoices {
		if filter.Status != nil && inv.Status != *filter.Status {
			continue
		}
		out = append(out, inv.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.sections.Lock("delete:" + id)
	defer s.sections.Unlock("delete:" + id)

	s.mu.Lock()
	_, ok := s.invoices[id]
	if ok {
		delete(s.invoices, id)
	}
	s.mu.Unlock()

	if !ok {
		return payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	if s.recovery != nil {
		return s.recovery.DeleteInvoice(id)
	}
	return nil
}

// expireStale flips pending invoices whose payment window has closed to
// expired, so reads never observe a stale pending state. Stale entries are
// replaced rather than mutated; see expiredCopy.
func (s *MemoryStore) expireStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, inv := range s.invoices {
		if inv.Status == payguard.StatusPending && inv.Expired(now) {
			s.invoices[id] = expiredCopy(inv)
		}
	}
}
