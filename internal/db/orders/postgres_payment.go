package ordersdb

import (
	"context"
	"database/sql"
	"errors"

	"cafeorders/internal/orders"
)

// PaymentStore persists one payment record per order in Postgres.
type PaymentStore struct {
	db *sql.DB
}

// NewPaymentStore constructs a PaymentStore backed by Postgres.
func NewPaymentStore(db *sql.DB) *PaymentStore {
	return &PaymentStore{db: db}
}

// NewPaymentStoreWithSchema initializes the schema then returns the store.
func NewPaymentStoreWithSchema(ctx context.Context, db *sql.DB) (*PaymentStore, error) {
	store := NewPaymentStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the payments table if it does not exist.
func (p *PaymentStore) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			order_id TEXT PRIMARY KEY,
			amount NUMERIC(12, 2) NOT NULL,
			method TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// CreateIfAbsent inserts rec unless the order already has a record, then returns the stored one.
func (p *PaymentStore) CreateIfAbsent(ctx context.Context, rec orders.PaymentRecord) (orders.PaymentRecord, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payments (order_id, amount, method, status, transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id) DO NOTHING`,
		rec.OrderID, rec.Amount, rec.Method, string(rec.Status), nullString(rec.TransactionID),
		rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return orders.PaymentRecord{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return orders.PaymentRecord{}, false, err
	}
	if affected == 1 {
		return rec, true, nil
	}

	existing, err := p.Get(ctx, rec.OrderID)
	return existing, false, err
}

// Get loads the payment record of an order.
func (p *PaymentStore) Get(ctx context.Context, orderID string) (orders.PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT order_id, amount, method, status, transaction_id, created_at, updated_at
		FROM payments
		WHERE order_id = $1`,
		orderID,
	)
	rec, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return orders.PaymentRecord{}, orders.ErrPaymentNotFound
	}
	return rec, err
}

// UpdateStatus moves the record from one status to another.
func (p *PaymentStore) UpdateStatus(ctx context.Context, orderID string, from, to orders.PaymentStatus, transactionID string) (orders.PaymentRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE payments
		SET status = $3, transaction_id = COALESCE($4, transaction_id), updated_at = NOW()
		WHERE order_id = $1 AND status = $2
		RETURNING order_id, amount, method, status, transaction_id, created_at, updated_at`,
		orderID, string(from), string(to), nullString(transactionID),
	)
	rec, err := scanPayment(row)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return orders.PaymentRecord{}, err
	}

	current, getErr := p.Get(ctx, orderID)
	if getErr != nil {
		return orders.PaymentRecord{}, getErr
	}
	return current, orders.ErrStaleStatus
}

func scanPayment(row *sql.Row) (orders.PaymentRecord, error) {
	var (
		rec    orders.PaymentRecord
		status string
		txn    sql.NullString
	)
	if err := row.Scan(&rec.OrderID, &rec.Amount, &rec.Method, &status, &txn, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return orders.PaymentRecord{}, err
	}
	rec.Status = orders.PaymentStatus(status)
	rec.TransactionID = txn.String
	return rec, nil
}
