package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	payguard "github.com/meshpay/payguard"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.Unix(1700000000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func pendingFactory(clock *testClock, id, resource string) payguard.InvoiceFactory {
	return func(index uint32) (*payguard.Invoice, error) {
		now := clock.Now()
		return &payguard.Invoice{
			ID:         id,
			Index:      index,
			Resource:   resource,
			Address:    fmt.Sprintf("nano_test%d", index),
			AmountBase: "1000",
			CreatedAt:  now,
			ExpiresAt:  now.Add(time.Hour),
			Status:     payguard.StatusPending,
		}, nil
	}
}

func newMemoryStore(t *testing.T, clock *testClock, opts ...MemoryOption) *MemoryStore {
	t.Helper()
	alloc, _ := tempAllocator(t)
	opts = append(opts, WithMemoryClock(clock.Now))
	s, err := NewMemoryStore(alloc, opts...)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func TestMemoryFindOrCreatePending(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	created, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-1", "/a"))
	if err != nil {
		t.Fatal(err)
	}
	if created.Index != 0 {
		t.Errorf("first invoice index = %d, want 0", created.Index)
	}

	// A second call finds the existing pending invoice; the factory id
	// would differ if it ran.
	again, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-2", "/a"))
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != "inv-1" {
		t.Errorf("second call created a new invoice %q", again.ID)
	}

	// A different resource gets its own invoice and index.
	other, err := s.FindOrCreatePending(ctx, "/b", pendingFactory(clock, "inv-3", "/b"))
	if err != nil {
		t.Fatal(err)
	}
	if other.ID != "inv-3" || other.Index != 1 {
		t.Errorf("other resource invoice = %+v", other)
	}
}

func TestMemoryFindOrCreatePendingConcurrent(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	const n = 16
	results := make([]*payguard.Invoice, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			inv, err := s.FindOrCreatePending(ctx, "/race", pendingFactory(clock, fmt.Sprintf("inv-%d", slot), "/race"))
			if err != nil {
				t.Errorf("FindOrCreatePending: %v", err)
				return
			}
			results[slot] = inv
		}(i)
	}
	wg.Wait()

	first := results[0]
	for _, inv := range results {
		if inv == nil || inv.ID != first.ID {
			t.Fatalf("concurrent calls produced different invoices: %v vs %v", first, inv)
		}
	}
}

func TestMemoryExpiredPendingIsReplaced(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	created, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-1", "/a"))
	if err != nil {
		t.Fatal(err)
	}

	clock.Advance(2 * time.Hour)

	// The stale pending invoice reads back as expired.
	stale, err := s.ByID(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stale.Status != payguard.StatusExpired {
		t.Errorf("stale invoice status = %s, want expired", stale.Status)
	}

	// And a fresh request yields a new invoice with a new index.
	fresh, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-2", "/a"))
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID != "inv-2" {
		t.Errorf("expired invoice was reused: %+v", fresh)
	}
	if fresh.Index == created.Index {
		t.Errorf("index %d reused for replacement invoice", fresh.Index)
	}
}

func TestMemoryByResourceRanking(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	first, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-old", "/a"))
	if err != nil {
		t.Fatal(err)
	}
	paid := payguard.StatusPaid
	now := clock.Now()
	if _, err := s.Update(ctx, first.ID, payguard.InvoiceUpdate{Status: &paid, PaidAt: &now}); err != nil {
		t.Fatal(err)
	}

	clock.Advance(time.Minute)
	if _, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-new", "/a")); err != nil {
		t.Fatal(err)
	}

	// The paid invoice outranks the newer pending one.
	best, err := s.ByResource(ctx, "/a")
	if err != nil {
		t.Fatal(err)
	}
	if best.ID != "inv-old" {
		t.Errorf("ByResource = %q, want the paid invoice", best.ID)
	}

	if _, err := s.ByResource(ctx, "/nope"); !errors.Is(err, payguard.ErrNotFound) {
		t.Errorf("unknown resource err = %v, want ErrNotFound", err)
	}
}

func TestMemoryByClientOrigin(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	factory := func(id, origin string) payguard.InvoiceFactory {
		base := pendingFactory(clock, id, "/a")
		return func(index uint32) (*payguard.Invoice, error) {
			inv, err := base(index)
			if err != nil {
				return nil, err
			}
			inv.ClientOrigin = origin
			return inv, nil
		}
	}

	if _, err := s.FindOrCreatePending(ctx, "/a", factory("inv-a", "10.0.0.1")); err != nil {
		t.Fatal(err)
	}

	got, err := s.ByClientOrigin(ctx, "10.0.0.1", "/a")
	if err != nil || got.ID != "inv-a" {
		t.Fatalf("ByClientOrigin = %v, %v", got, err)
	}
	if _, err := s.ByClientOrigin(ctx, "10.0.0.2", "/a"); !errors.Is(err, payguard.ErrNotFound) {
		t.Errorf("unknown origin err = %v, want ErrNotFound", err)
	}
	if _, err := s.ByClientOrigin(ctx, "10.0.0.1", "/other"); !errors.Is(err, payguard.ErrNotFound) {
		t.Errorf("wrong resource err = %v, want ErrNotFound", err)
	}
}

func TestMemoryUpdateExpectStatus(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	inv, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-1", "/a"))
	if err != nil {
		t.Fatal(err)
	}

	paid := payguard.StatusPaid
	pending := payguard.StatusPending
	txHash := "TX1"
	updated, err := s.Update(ctx, inv.ID, payguard.InvoiceUpdate{
		Status:       &paid,
		TxHash:       &txHash,
		ExpectStatus: &pending,
	})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != payguard.StatusPaid || updated.TxHash != "TX1" {
		t.Errorf("updated = %+v", updated)
	}

	// A second conditional transition from pending loses.
	_, err = s.Update(ctx, inv.ID, payguard.InvoiceUpdate{Status: &paid, ExpectStatus: &pending})
	if !errors.Is(err, payguard.ErrConcurrentModification) {
		t.Errorf("conflicting update err = %v, want ErrConcurrentModification", err)
	}

	if _, err := s.Update(ctx, "missing", payguard.InvoiceUpdate{Status: &paid}); !errors.Is(err, payguard.ErrNotFound) {
		t.Errorf("missing invoice err = %v, want ErrNotFound", err)
	}
}

func TestMemoryIncrementAccess(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	inv, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-1", "/a"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.IncrementAccess(ctx, inv.ID); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := s.ByID(ctx, inv.ID)
	if got.AccessCount != 3 {
		t.Errorf("access count = %d, want 3", got.AccessCount)
	}
	if got.LastAccessedAt == nil || !got.LastAccessedAt.Equal(clock.Now()) {
		t.Errorf("last_accessed_at = %v", got.LastAccessedAt)
	}
}

func TestMemoryList(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		resource := fmt.Sprintf("/r%d", i)
		if _, err := s.FindOrCreatePending(ctx, resource, pendingFactory(clock, fmt.Sprintf("inv-%d", i), resource)); err != nil {
			t.Fatal(err)
		}
		clock.Advance(time.Minute)
	}
	paid := payguard.StatusPaid
	if _, err := s.Update(ctx, "inv-0", payguard.InvoiceUpdate{Status: &paid}); err != nil {
		t.Fatal(err)
	}

	all, err := s.List(ctx, payguard.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d invoices, want 4", len(all))
	}
	// Newest first.
	if all[0].ID != "inv-3" || all[3].ID != "inv-0" {
		t.Errorf("list order wrong: %s .. %s", all[0].ID, all[3].ID)
	}

	pending := payguard.StatusPending
	filtered, err := s.List(ctx, payguard.ListFilter{Status: &pending})
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 3 {
		t.Errorf("pending invoices = %d, want 3", len(filtered))
	}

	page, err := s.List(ctx, payguard.ListFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].ID != "inv-2" {
		t.Errorf("page = %+v", page)
	}
}

func TestMemoryDelete(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	inv, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-1", "/a"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ByID(ctx, inv.ID); !errors.Is(err, payguard.ErrNotFound) {
		t.Errorf("deleted invoice err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(ctx, inv.ID); !errors.Is(err, payguard.ErrNotFound) {
		t.Errorf("double delete err = %v, want ErrNotFound", err)
	}
}

func TestMemoryConcurrentReadsDuringExpiry(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	// Readers rank and clone invoices while the clock keeps pushing
	// pending ones over their expiry, so lookups race the sweep that
	// rewrites map entries. Run with -race.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s.ByResource(ctx, "/race")
				s.ByClientOrigin(ctx, "10.0.0.1", "/race")
			}
		}()
	}

	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("inv-%d", i)
		inv, err := s.FindOrCreatePending(ctx, "/race", func(index uint32) (*payguard.Invoice, error) {
			now := clock.Now()
			return &payguard.Invoice{
				ID:           id,
				Index:        index,
				Resource:     "/race",
				Address:      fmt.Sprintf("nano_test%d", index),
				AmountBase:   "1000",
				ClientOrigin: "10.0.0.1",
				CreatedAt:    now,
				ExpiresAt:    now.Add(time.Minute),
				Status:       payguard.StatusPending,
			}, nil
		})
		if err != nil {
			t.Fatalf("FindOrCreatePending: %v", err)
		}
		s.IncrementAccess(ctx, inv.ID)
		// Push the pending invoice past its window so the next iteration
		// sweeps it and creates a replacement.
		clock.Advance(2 * time.Minute)
	}
	close(stop)
	wg.Wait()

	// Every swept invoice reads back expired, never a torn state.
	all, err := s.List(ctx, payguard.ListFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 50 {
		t.Fatalf("got %d invoices, want 50", len(all))
	}
	for _, inv := range all {
		if inv.Status != payguard.StatusExpired {
			t.Errorf("invoice %s status = %s, want expired", inv.ID, inv.Status)
		}
	}
}

func TestMemoryUpdateDoesNotOverwriteExpirySweep(t *testing.T) {
	clock := newTestClock()
	s := newMemoryStore(t, clock)
	ctx := context.Background()

	inv, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-1", "/a"))
	if err != nil {
		t.Fatal(err)
	}

	// The sweep flips the invoice to expired before the conditional
	// update lands; the update must observe that, not clobber it.
	clock.Advance(2 * time.Hour)
	if _, err := s.ByID(ctx, inv.ID); err != nil {
		t.Fatal(err)
	}

	paid := payguard.StatusPaid
	pending := payguard.StatusPending
	_, err = s.Update(ctx, inv.ID, payguard.InvoiceUpdate{Status: &paid, ExpectStatus: &pending})
	if !errors.Is(err, payguard.ErrConcurrentModification) {
		t.Fatalf("update after sweep err = %v, want ErrConcurrentModification", err)
	}
	got, _ := s.ByID(ctx, inv.ID)
	if got.Status != payguard.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
}

func TestMemoryRecoversFromLog(t *testing.T) {
	clock := newTestClock()
	alloc, _ := tempAllocator(t)
	ctx := context.Background()

	s, err := NewMemoryStore(alloc, WithMemoryClock(clock.Now), WithRecoveryLog(alloc))
	if err != nil {
		t.Fatal(err)
	}
	inv, err := s.FindOrCreatePending(ctx, "/a", pendingFactory(clock, "inv-1", "/a"))
	if err != nil {
		t.Fatal(err)
	}
	paid := payguard.StatusPaid
	if _, err := s.Update(ctx, inv.ID, payguard.InvoiceUpdate{Status: &paid}); err != nil {
		t.Fatal(err)
	}

	// A fresh store over the same log sees the paid invoice.
	restarted, err := NewMemoryStore(alloc, WithMemoryClock(clock.Now), WithRecoveryLog(alloc))
	if err != nil {
		t.Fatal(err)
	}
	got, err := restarted.ByID(ctx, inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != payguard.StatusPaid {
		t.Errorf("recovered status = %s, want paid", got.Status)
	}
}
