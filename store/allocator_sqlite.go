package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// SQLiteAllocator is an IndexAllocator backed by a transactional table.
// Allocation computes MAX(idx)+1 and inserts inside one transaction; the
// primary-key constraint rejects duplicates, which is what makes the
// allocator safe when the database is shared by multiple processes.
type SQLiteAllocator struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteAllocator creates the allocator over an open database handle,
// creating its table if needed. The handle may be shared with SQLiteStore.
func NewSQLiteAllocator(db *sql.DB) (*SQLiteAllocator, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS payment_indices (idx INTEGER PRIMARY KEY)`)
	if err != nil {
		return nil, fmt.Errorf("create payment_indices table: %w", err)
	}
	return &SQLiteAllocator{db: db}, nil
}

var _ IndexAllocator = (*SQLiteAllocator)(nil)

// NextIndex allocates MAX+1 inside a transaction. On a cross-process
// collision the unique constraint fires and the allocation is retried.
func (a *SQLiteAllocator) NextIndex() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	const attempts = 5
	var lastErr error
	for i := 0; i < attempts; i++ {
		next, err := a.tryNext()
		if err == nil {
			return next, nil
		}
		if !isUniqueViolation(err) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("index allocation kept colliding: %w", lastErr)
}

func (a *SQLiteAllocator) tryNext() (uint32, error) {
	tx, err := a.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin index allocation: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRow(`SELECT COALESCE(MAX(idx), -1) + 1 FROM payment_indices`).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("compute next index: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO payment_indices (idx) VALUES (?)`, next); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint32(next), nil
}

// MarkUsed records an externally-known index. Idempotent via INSERT OR
// IGNORE.
func (a *SQLiteAllocator) MarkUsed(index uint32) error {
	_, err := a.db.Exec(`INSERT OR IGNORE INTO payment_indices (idx) VALUES (?)`, index)
	return err
}

func (a *SQLiteAllocator) IsUsed(index uint32) (bool, error) {
	var count int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM payment_indices WHERE idx = ?`, index).Scan(&count)
	return count > 0, err
}

func (a *SQLiteAllocator) AllUsed() ([]uint32, error) {
	rows, err := a.db.Query(`SELECT idx FROM payment_indices ORDER BY idx`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint32
	for rows.Next() {
		var i int64
		if err := rows.Scan(&i); err != nil {
			return nil, err
		}
		out = append(out, uint32(i))
	}
	return out, rows.Err()
}

func (a *SQLiteAllocator) Highest() (uint32, error) {
	var highest sql.NullInt64
	if err := a.db.QueryRow(`SELECT MAX(idx) FROM payment_indices`).Scan(&highest); err != nil {
		return 0, err
	}
	if !highest.Valid {
		return 0, nil
	}
	return uint32(highest.Int64), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
