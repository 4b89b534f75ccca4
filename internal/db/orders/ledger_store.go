package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cafeorders/internal/orders"
)

// LedgerStore persists loyalty ledger entries, one per order.
type LedgerStore struct {
	db *sql.DB
}

// NewLedgerStore constructs a LedgerStore backed by Postgres.
func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// NewLedgerStoreWithSchema initializes the schema then returns the store.
func NewLedgerStoreWithSchema(ctx context.Context, db *sql.DB) (*LedgerStore, error) {
	store := NewLedgerStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the loyalty_ledger table if it does not exist.
func (s *LedgerStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS loyalty_ledger (
			order_id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			points_delta BIGINT NOT NULL,
			amount_delta NUMERIC(12, 2) NOT NULL,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			applied_at TIMESTAMPTZ
		)
	`)
	return err
}

// CreateIfAbsent inserts the entry unless one exists for the order.
func (s *LedgerStore) CreateIfAbsent(ctx context.Context, entry orders.LedgerEntry) (orders.LedgerEntry, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_ledger (order_id, customer_id, points_delta, amount_delta)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		entry.OrderID, entry.CustomerID, entry.PointsDelta, entry.AmountDelta,
	)
	if err != nil {
		return orders.LedgerEntry{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return orders.LedgerEntry{}, false, err
	}
	if affected == 1 {
		entry.Applied = false
		entry.AppliedAt = time.Time{}
		return entry, true, nil
	}

	existing, err := s.get(ctx, entry.OrderID)
	return existing, false, err
}

// MarkApplied flags the entry applied. A second call keeps the first timestamp.
func (s *LedgerStore) MarkApplied(ctx context.Context, orderID string, at time.Time) (orders.LedgerEntry, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE loyalty_ledger
		SET applied = TRUE, applied_at = $2
		WHERE order_id = $1 AND applied = FALSE`,
		orderID, at.UTC(),
	); err != nil {
		return orders.LedgerEntry{}, err
	}
	return s.get(ctx, orderID)
}

func (s *LedgerStore) get(ctx context.Context, orderID string) (orders.LedgerEntry, error) {
	var (
		entry     orders.LedgerEntry
		appliedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT order_id, customer_id, points_delta, amount_delta, applied, applied_at
		FROM loyalty_ledger
		WHERE order_id = $1`,
		orderID,
	).Scan(&entry.OrderID, &entry.CustomerID, &entry.PointsDelta, &entry.AmountDelta, &entry.Applied, &appliedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.LedgerEntry{}, &orders.NotFoundError{Kind: "ledger entry", ID: orderID}
	}
	if err != nil {
		return orders.LedgerEntry{}, err
	}
	entry.AppliedAt = appliedAt.Time
	return entry, nil
}
