package payguard_test

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	payguard "github.com/meshpay/payguard"
	"github.com/meshpay/payguard/store"
)

// fakeLedger implements payguard.LedgerClient from canned data.
type fakeLedger struct {
	mu      sync.Mutex
	pending map[string][]payguard.PendingTransaction
	history map[string][]payguard.Transaction
	err     error
	cleared []string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		pending: make(map[string][]payguard.PendingTransaction),
		history: make(map[string][]payguard.Transaction),
	}
}

func (f *fakeLedger) PendingTransactions(_ context.Context, address string, _ int) ([]payguard.PendingTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.pending[address], nil
}

func (f *fakeLedger) History(_ context.Context, address string, _ int) ([]payguard.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.history[address], nil
}

func (f *fakeLedger) AccountInfo(_ context.Context, address string) (*payguard.AccountInfo, error) {
	return &payguard.AccountInfo{Balance: big.NewInt(0), Pending: big.NewInt(0)}, nil
}

func (f *fakeLedger) ClearCache(address string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, address)
}

func (f *fakeLedger) addPending(address string, tx payguard.PendingTransaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[address] = append(f.pending[address], tx)
}

func (f *fakeLedger) addHistory(address string, tx payguard.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[address] = append(f.history[address], tx)
}

func (f *fakeLedger) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// fakeClock is a mutable time source for boundary tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T, clock *fakeClock) *store.MemoryStore {
	t.Helper()
	alloc, err := store.NewFileAllocator(filepath.Join(t.TempDir(), "indices.json"))
	if err != nil {
		t.Fatalf("create allocator: %v", err)
	}
	s, err := store.NewMemoryStore(alloc, store.WithMemoryClock(clock.Now))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func createPending(t *testing.T, s payguard.InvoiceStore, clock *fakeClock, resource, address string) *payguard.Invoice {
	t.Helper()
	inv, err := s.FindOrCreatePending(context.Background(), resource, func(index uint32) (*payguard.Invoice, error) {
		now := clock.Now()
		return &payguard.Invoice{
			ID:            resource + "-inv",
			Index:         index,
			Resource:      resource,
			Address:       address,
			AmountBase:    "1000",
			AmountDisplay: "0.000000000000000000000000001",
			CreatedAt:     now,
			ExpiresAt:     now.Add(time.Hour),
			Status:        payguard.StatusPending,
		}, nil
	})
	if err != nil {
		t.Fatalf("create pending invoice: %v", err)
	}
	return inv
}

func TestVerifyAcceptsPendingTransaction(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H1", Amount: big.NewInt(1000), Sender: "payer"})

	ok, err := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy())
	if err != nil || !ok {
		t.Fatalf("Verify = %v, %v; want true", ok, err)
	}

	stored, err := s.ByID(context.Background(), inv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != payguard.StatusPaid {
		t.Errorf("status = %s, want paid", stored.Status)
	}
	if stored.TxHash != "H1" || stored.SenderAddress != "payer" {
		t.Errorf("payment details not persisted: %+v", stored)
	}
	if stored.PaidAt == nil || !stored.PaidAt.Equal(clock.Now()) {
		t.Errorf("paid_at = %v, want %v", stored.PaidAt, clock.Now())
	}
}

func TestVerifyIdempotentOnPaidInvoice(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H1", Amount: big.NewInt(1000), Sender: "payer"})

	if ok, err := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy()); !ok || err != nil {
		t.Fatalf("first Verify = %v, %v", ok, err)
	}
	first, _ := s.ByID(context.Background(), inv.ID)

	clock.Advance(time.Minute)
	if ok, err := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy()); !ok || err != nil {
		t.Fatalf("second Verify = %v, %v", ok, err)
	}
	second, _ := s.ByID(context.Background(), inv.ID)

	if !first.PaidAt.Equal(*second.PaidAt) {
		t.Errorf("paid_at mutated by idempotent re-verification: %v -> %v", first.PaidAt, second.PaidAt)
	}
}

func TestVerifyRejectsInsufficientAmount(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H1", Amount: big.NewInt(999), Sender: "payer"})

	ok, err := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy())
	if ok || err != nil {
		t.Fatalf("Verify = %v, %v; want false, nil", ok, err)
	}

	stored, _ := s.ByID(context.Background(), inv.ID)
	if stored.Status != payguard.StatusPending {
		t.Errorf("failed verification must not mutate the invoice, status = %s", stored.Status)
	}
}

func TestVerifyProofHashGating(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	// A satisfying transaction exists, but the presented proof names a
	// different, insufficient one.
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "GOOD", Amount: big.NewInt(5000), Sender: "payer"})
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "SMALL", Amount: big.NewInt(1), Sender: "payer"})

	ok, err := v.Verify(context.Background(), inv, "SMALL", payguard.DefaultVerifyPolicy())
	if ok {
		t.Fatal("proof naming an insufficient transaction must not verify")
	}
	if !errors.Is(err, payguard.ErrProofRejected) {
		t.Errorf("err = %v, want ErrProofRejected", err)
	}

	// An unknown proof hash is a plain negative, not a rejection.
	ok, err = v.Verify(context.Background(), inv, "MISSING", payguard.DefaultVerifyPolicy())
	if ok || err != nil {
		t.Errorf("unknown proof: Verify = %v, %v; want false, nil", ok, err)
	}

	// The correct proof verifies.
	ok, err = v.Verify(context.Background(), inv, "GOOD", payguard.DefaultVerifyPolicy())
	if !ok || err != nil {
		t.Errorf("matching proof: Verify = %v, %v; want true, nil", ok, err)
	}
}

func TestVerifyConfirmedHistory(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addHistory("addr_a", payguard.Transaction{
		Hash:      "H2",
		Type:      payguard.TxTypeReceive,
		Amount:    big.NewInt(1500),
		Sender:    "payer",
		Timestamp: clock.Now().Add(time.Minute),
		Confirmed: true,
	})

	policy := payguard.DefaultVerifyPolicy()
	policy.AcceptPending = false

	ok, err := v.Verify(context.Background(), inv, "", policy)
	if !ok || err != nil {
		t.Fatalf("Verify = %v, %v; want true", ok, err)
	}
}

func TestVerifyTimestampRejectsReplay(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	// Payment predates the invoice: a replayed old transaction.
	ledger.addHistory("addr_a", payguard.Transaction{
		Hash:      "OLD",
		Type:      payguard.TxTypeReceive,
		Amount:    big.NewInt(5000),
		Sender:    "payer",
		Timestamp: clock.Now().Add(-time.Hour),
		Confirmed: true,
	})

	policy := payguard.DefaultVerifyPolicy()
	policy.AcceptPending = false

	ok, err := v.Verify(context.Background(), inv, "", policy)
	if ok || err != nil {
		t.Fatalf("replayed payment verified: %v, %v", ok, err)
	}

	policy.VerifyTimestamp = false
	ok, err = v.Verify(context.Background(), inv, "", policy)
	if !ok || err != nil {
		t.Fatalf("with timestamp check off: Verify = %v, %v; want true", ok, err)
	}
}

func TestVerifySenderAllowList(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H1", Amount: big.NewInt(1000), Sender: "stranger"})

	policy := payguard.DefaultVerifyPolicy()
	policy.VerifySender = true
	policy.AllowedSenders = []string{"friend"}

	ok, err := v.Verify(context.Background(), inv, "", policy)
	if ok || err != nil {
		t.Fatalf("unlisted sender verified: %v, %v", ok, err)
	}

	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H2", Amount: big.NewInt(1000), Sender: "friend"})
	ok, err = v.Verify(context.Background(), inv, "", policy)
	if !ok || err != nil {
		t.Fatalf("allowed sender rejected: %v, %v", ok, err)
	}
}

func TestVerifyMarksExpired(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H1", Amount: big.NewInt(1000), Sender: "payer"})

	clock.Advance(2 * time.Hour)

	ok, err := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy())
	if ok || err != nil {
		t.Fatalf("expired invoice verified: %v, %v", ok, err)
	}
	if inv.Status != payguard.StatusExpired {
		t.Errorf("status = %s, want expired", inv.Status)
	}
}

func TestVerifySurfacesRpcFailures(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.fail(payguard.Errorf(payguard.CodeRpcTimeout, "node unreachable"))

	ok, err := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy())
	if ok {
		t.Fatal("rpc failure must never verify")
	}
	if !errors.Is(err, payguard.ErrRpcTimeout) {
		t.Errorf("err = %v, want ErrRpcTimeout", err)
	}
}

func TestVerifyPaymentHook(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()

	var hooked []*payguard.Invoice
	v := payguard.NewVerifier(s, ledger,
		payguard.WithVerifierClock(clock.Now),
		payguard.WithPaymentHook(func(inv *payguard.Invoice) { hooked = append(hooked, inv) }))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H1", Amount: big.NewInt(1000), Sender: "payer"})

	if ok, err := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy()); !ok || err != nil {
		t.Fatalf("Verify = %v, %v", ok, err)
	}
	if len(hooked) != 1 || hooked[0].ID != inv.ID {
		t.Fatalf("payment hook fired %d times, want once for %s", len(hooked), inv.ID)
	}

	// Re-verification of a paid invoice must not re-fire the hook.
	if ok, _ := v.Verify(context.Background(), inv, "", payguard.DefaultVerifyPolicy()); !ok {
		t.Fatal("re-verification failed")
	}
	if len(hooked) != 1 {
		t.Errorf("hook fired again on idempotent verification")
	}
}

func TestForceVerifyClearsCache(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(t, clock)
	ledger := newFakeLedger()
	v := payguard.NewVerifier(s, ledger, payguard.WithVerifierClock(clock.Now))

	inv := createPending(t, s, clock, "/a", "addr_a")
	ledger.addPending("addr_a", payguard.PendingTransaction{Hash: "H1", Amount: big.NewInt(1000), Sender: "payer"})

	if ok, err := v.ForceVerify(context.Background(), inv, "", payguard.DefaultVerifyPolicy()); !ok || err != nil {
		t.Fatalf("ForceVerify = %v, %v", ok, err)
	}
	if len(ledger.cleared) != 1 || ledger.cleared[0] != "addr_a" {
		t.Errorf("cache clears = %v, want [addr_a]", ledger.cleared)
	}
}
