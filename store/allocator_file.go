package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	payguard "github.com/meshpay/payguard"
)

// indexDocument is the persisted form of the allocator state: the set of
// used indices, the highest index ever issued, and (optionally) a
// denormalized copy of each invoice for crash recovery.
type indexDocument struct {
	Highest  uint32                       `json:"highest"`
	Used     []uint32                     `json:"used"`
	Invoices map[string]*payguard.Invoice `json:"invoices,omitempty"`
}

// FileAllocator is an IndexAllocator persisted as a single JSON document
// with replace-on-write discipline: each mutation writes a new version to
// a temporary file and atomically renames it over the previous one before
// the mutating call returns. It doubles as a RecoveryLog for the in-memory
// invoice store.
//
// Single-process only; cross-process safety needs the SQLite allocator.
type FileAllocator struct {
	mu       sync.Mutex
	path     string
	highest  uint32
	issued   bool // false until the first index is issued or marked
	used     map[uint32]bool
	invoices map[string]*payguard.Invoice
}

// NewFileAllocator opens (or creates) the allocator document at path.
// Existing state is loaded eagerly so a restarted process resumes after
// the highest previously issued index.
func NewFileAllocator(path string) (*FileAllocator, error) {
	a := &FileAllocator{
		path:     path,
		used:     make(map[uint32]bool),
		invoices: make(map[string]*payguard.Invoice),
	}
	if err := a.load(); err != nil {
		return nil, err
	}
	return a, nil
}

var (
	_ IndexAllocator = (*FileAllocator)(nil)
	_ RecoveryLog    = (*FileAllocator)(nil)
)

func (a *FileAllocator) load() error {
	data, err := os.ReadFile(a.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index file: %w", err)
	}
	var doc indexDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse index file %s: %w", a.path, err)
	}
	a.highest = doc.Highest
	for _, i := range doc.Used {
		a.used[i] = true
	}
	a.issued = len(doc.Used) > 0
	if doc.Invoices != nil {
		a.invoices = doc.Invoices
	}
	return nil
}

// persistLocked writes the current state via write-new-then-rename so a
// crash mid-write leaves the previous version intact.
func (a *FileAllocator) persistLocked() error {
	doc := indexDocument{Highest: a.highest, Used: a.sortedUsedLocked()}
	if len(a.invoices) > 0 {
		doc.Invoices = a.invoices
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode index file: %w", err)
	}

	tmp := a.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index file: %w", err)
	}
	if err := os.Rename(tmp, a.path); err != nil {
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

func (a *FileAllocator) sortedUsedLocked() []uint32 {
	out := make([]uint32, 0, len(a.used))
	for i := range a.used {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// NextIndex allocates the next never-used index. The scan forward from
// highest+1 defends against a document seeded with externally-known
// indices above the watermark.
func (a *FileAllocator) NextIndex() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := a.highest
	if a.issued {
		next = a.highest + 1
	}
	for a.used[next] {
		next++
	}

	a.used[next] = true
	prevHighest, prevIssued := a.highest, a.issued
	if next > a.highest || !a.issued {
		a.highest = next
	}
	a.issued = true

	if err := a.persistLocked(); err != nil {
		// Roll back so an unpersisted index is never observed as issued.
		delete(a.used, next)
		a.highest, a.issued = prevHighest, prevIssued
		return 0, err
	}
	return next, nil
}

// MarkUsed records an externally-known index as used. Idempotent.
func (a *FileAllocator) MarkUsed(index uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.used[index] {
		return nil
	}
	a.used[index] = true
	prevHighest, prevIssued := a.highest, a.issued
	if index > a.highest || !a.issued {
		a.highest = index
	}
	a.issued = true

	if err := a.persistLocked(); err != nil {
		delete(a.used, index)
		a.highest, a.issued = prevHighest, prevIssued
		return err
	}
	return nil
}

func (a *FileAllocator) IsUsed(index uint32) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used[index], nil
}

func (a *FileAllocator) AllUsed() ([]uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sortedUsedLocked(), nil
}

func (a *FileAllocator) Highest() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.issued {
		return 0, nil
	}
	return a.highest, nil
}

// SaveInvoice persists a denormalized invoice copy into the document.
func (a *FileAllocator) SaveInvoice(inv *payguard.Invoice) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.invoices[inv.ID] = inv.Clone()
	if err := a.persistLocked(); err != nil {
		delete(a.invoices, inv.ID)
		return err
	}
	return nil
}

// DeleteInvoice removes an invoice copy from the document.
func (a *FileAllocator) DeleteInvoice(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.invoices[id]
	if !ok {
		return nil
	}
	delete(a.invoices, id)
	if err := a.persistLocked(); err != nil {
		a.invoices[id] = prev
		return err
	}
	return nil
}

// LoadInvoices returns the persisted invoice copies.
func (a *FileAllocator) LoadInvoices() ([]*payguard.Invoice, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*payguard.Invoice, 0, len(a.invoices))
	for _, inv := range a.invoices {
		out = append(out, inv.Clone())
	}
	return out, nil
}
