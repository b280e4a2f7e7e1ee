package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	payguard "github.com/meshpay/payguard"
)

// SQLiteStore is a durable InvoiceStore backed by an embedded SQLite
// database in WAL mode. The database may be shared by multiple processes;
// cross-process safety comes from SQLite's transactional guarantees and
// the unique constraints, while the in-process keyed sections keep
// same-resource callers from racing through the find-or-create window.
type SQLiteStore struct {
	db       *sql.DB
	alloc    *SQLiteAllocator
	sections *keyedMutex
	now      func() time.Time
}

// OpenSQLiteStore opens (or creates) the invoice database at path and
// runs migrations. The embedded index allocator shares the same database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open invoice db: %w", err)
	}
	if err := migrateInvoices(db); err != nil {
		db.Close()
		return nil, err
	}
	alloc, err := NewSQLiteAllocator(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{
		db:       db,
		alloc:    alloc,
		sections: newKeyedMutex(),
		now:      time.Now,
	}, nil
}

var _ payguard.InvoiceStore = (*SQLiteStore)(nil)

func migrateInvoices(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
			id TEXT PRIMARY KEY,
			idx INTEGER NOT NULL UNIQUE,
			resource TEXT NOT NULL,
			address TEXT NOT NULL,
			amount_base TEXT NOT NULL,
			amount_display TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			proof_expires_at INTEGER,
			status TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			paid_at INTEGER,
			sender_address TEXT NOT NULL DEFAULT '',
			client_origin TEXT NOT NULL DEFAULT '',
			access_count INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_resource ON invoices(resource)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_origin ON invoices(client_origin)`,
		// One live pending invoice per resource, enforced by the database
		// itself so the invariant holds across processes sharing the file.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_invoices_pending_resource
			ON invoices(resource) WHERE status = 'pending'`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate invoices: %w", err)
		}
	}
	return nil
}

// Allocator exposes the store's embedded index allocator, e.g. for
// importing externally-known indices via MarkUsed.
func (s *SQLiteStore) Allocator() IndexAllocator { return s.alloc }

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const invoiceColumns = `id, idx, resource, address, amount_base, amount_display,
	created_at, expires_at, proof_expires_at, status, tx_hash, paid_at,
	sender_address, client_origin, access_count, last_accessed_at, description`

func (s *SQLiteStore) FindOrCreatePending(ctx context.Context, resource string, factory payguard.InvoiceFactory) (*payguard.Invoice, error) {
	s.sections.Lock("create:" + resource)
	defer s.sections.Unlock("create:" + resource)

	if err := s.expireStale(ctx, resource); err != nil {
		return nil, err
	}

	// The keyed section serializes same-process callers; the partial
	// unique index on pending resources catches the cross-process race.
	// A losing insert retries and picks up the winner's row, like the
	// allocator does on an index collision.
	const attempts = 5
	var lastErr error
	for i := 0; i < attempts; i++ {
		row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices
			WHERE resource = ? AND status = ? AND expires_at > ?
			ORDER BY created_at DESC LIMIT 1`,
			resource, payguard.StatusPending, s.now().Unix())
		existing, err := scanInvoice(row)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		index, err := s.alloc.NextIndex()
		if err != nil {
			return nil, err
		}
		inv, err := factory(index)
		if err != nil {
			return nil, err
		}
		err = s.insert(ctx, inv)
		if err == nil {
			return inv.Clone(), nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("find-or-create for %s kept colliding: %w", resource, lastErr)
}

func (s *SQLiteStore) insert(ctx context.Context, inv *payguard.Invoice) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Index, inv.Resource, inv.Address, inv.AmountBase, inv.AmountDisplay,
		inv.CreatedAt.Unix(), inv.ExpiresAt.Unix(), nullableUnix(inv.ProofExpiresAt),
		string(inv.Status), inv.TxHash, nullableUnix(inv.PaidAt),
		inv.SenderAddress, inv.ClientOrigin, inv.AccessCount,
		nullableUnix(inv.LastAccessedAt), inv.Description)
	if err != nil {
		return fmt.Errorf("insert invoice %s: %w", inv.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ByID(ctx context.Context, id string) (*payguard.Invoice, error) {
	if err := s.expireStale(ctx, ""); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	return inv, err
}

func (s *SQLiteStore) ByResource(ctx context.Context, resource string) (*payguard.Invoice, error) {
	return s.mostRelevantWhere(ctx, `resource = ?`, resource)
}

func (s *SQLiteStore) ByClientOrigin(ctx context.Context, origin, resource string) (*payguard.Invoice, error) {
	if resource != "" {
		return s.mostRelevantWhere(ctx, `client_origin = ? AND resource = ?`, origin, resource)
	}
	return s.mostRelevantWhere(ctx, `client_origin = ?`, origin)
}

// mostRelevantWhere fetches the matching rows and ranks them with the
// shared MostRelevant helper, so both backends return identical answers.
func (s *SQLiteStore) mostRelevantWhere(ctx context.Context, where string, args ...any) (*payguard.Invoice, error) {
	if err := s.expireStale(ctx, ""); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []*payguard.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	best := MostRelevant(candidates)
	if best == nil {
		return nil, payguard.Errorf(payguard.CodeNotFound, "no matching invoice")
	}
	return best, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, upd payguard.InvoiceUpdate) (*payguard.Invoice, error) {
	s.sections.Lock("update:" + id)
	defer s.sections.Unlock("update:" + id)

	set := make([]string, 0, 8)
	args := make([]any, 0, 9)
	add := func(col string, v any) {
		set = append(set, col+" = ?")
		args = append(args, v)
	}
	if upd.Status != nil {
		add("status", string(*upd.Status))
	}
	if upd.TxHash != nil {
		add("tx_hash", *upd.TxHash)
	}
	if upd.PaidAt != nil {
		add("paid_at", upd.PaidAt.Unix())
	}
	if upd.SenderAddress != nil {
		add("sender_address", *upd.SenderAddress)
	}
	if upd.ExpiresAt != nil {
		add("expires_at", upd.ExpiresAt.Unix())
	}
	if upd.ClientOrigin != nil {
		add("client_origin", *upd.ClientOrigin)
	}
	if upd.AccessCount != nil {
		add("access_count", *upd.AccessCount)
	}
	if upd.LastAccessedAt != nil {
		add("last_accessed_at", upd.LastAccessedAt.Unix())
	}
	if len(set) == 0 {
		return s.ByID(ctx, id)
	}

	query := `UPDATE invoices SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if upd.ExpectStatus != nil {
		query += ` AND status = ?`
		args = append(args, string(*upd.ExpectStatus))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update invoice %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish a missing row from a failed status precondition.
		if upd.ExpectStatus != nil {
			var count int
			if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invoices WHERE id = ?`, id).Scan(&count); err == nil && count > 0 {
				return nil, payguard.Errorf(payguard.CodeConcurrentModification,
					"invoice %s no longer %s", id, *upd.ExpectStatus)
			}
		}
		return nil, payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	return s.ByID(ctx, id)
}

func (s *SQLiteStore) IncrementAccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`,
		s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("increment access for %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter payguard.ListFilter) ([]*payguard.Invoice, error) {
	if err := s.expireStale(ctx, ""); err != nil {
		return nil, err
	}

	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var args []any
	if filter.Status != nil {
		query += ` WHERE status = ?`
		args = append(args, string(*filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*payguard.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.sections.Lock("delete:" + id)
	defer s.sections.Unlock("delete:" + id)

	res, err := s.db.ExecContext(ctx, `DELETE FROM invoices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete invoice %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return payguard.Errorf(payguard.CodeNotFound, "invoice %s not found", id)
	}
	return nil
}

// expireStale flips stale pending rows to expired; resource narrows the
// sweep, "" sweeps everything.
func (s *SQLiteStore) expireStale(ctx context.Context, resource string) error {
	query := `UPDATE invoices SET status = ? WHERE status = ? AND expires_at <= ?`
	args := []any{payguard.StatusExpired, payguard.StatusPending, s.now().Unix()}
	if resource != "" {
		query += ` AND resource = ?`
		args = append(args, resource)
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInvoice(sc scanner) (*payguard.Invoice, error) {
	var (
		inv                              payguard.Invoice
		createdAt, expiresAt             int64
		proofExpiresAt, paidAt, accessed sql.NullInt64
		status                           string
	)
	err := sc.Scan(&inv.ID, &inv.Index, &inv.Resource, &inv.Address,
		&inv.AmountBase, &inv.AmountDisplay, &createdAt, &expiresAt,
		&proofExpiresAt, &status, &inv.TxHash, &paidAt,
		&inv.SenderAddress, &inv.ClientOrigin, &inv.AccessCount,
		&accessed, &inv.Description)
	if err != nil {
		return nil, err
	}
	inv.CreatedAt = time.Unix(createdAt, 0)
	inv.ExpiresAt = time.Unix(expiresAt, 0)
	inv.Status = payguard.Status(status)
	if !inv.Status.Valid() {
		return nil, fmt.Errorf("invoice %s has unknown status %q", inv.ID, status)
	}
	if proofExpiresAt.Valid {
		t := time.Unix(proofExpiresAt.Int64, 0)
		inv.ProofExpiresAt = &t
	}
	if paidAt.Valid {
		t := time.Unix(paidAt.Int64, 0)
		inv.PaidAt = &t
	}
	if accessed.Valid {
		t := time.Unix(accessed.Int64, 0)
		inv.LastAccessedAt = &t
	}
	return &inv, nil
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
