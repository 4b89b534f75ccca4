package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cafeorders/internal/orders"
)

// OrderStore persists orders in Postgres. Line items are kept as JSONB on the row.
type OrderStore struct {
	db *sql.DB
}

// NewOrderStore constructs an OrderStore backed by Postgres.
func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// NewOrderStoreWithSchema initializes the schema then returns the store.
func NewOrderStoreWithSchema(ctx context.Context, db *sql.DB) (*OrderStore, error) {
	store := NewOrderStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the orders table if it does not exist.
func (s *OrderStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL,
			items JSONB NOT NULL,
			total_amount NUMERIC(12, 2) NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT UNIQUE NOT NULL,
			failure_reason TEXT,
			degraded BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Create inserts a new order. An existing id returns orders.ErrOrderExists.
func (s *OrderStore) Create(ctx context.Context, order orders.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, items, total_amount, status, idempotency_key, failure_reason, degraded, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT DO NOTHING`,
		order.ID, order.CustomerID, items, order.TotalAmount, string(order.Status),
		order.IdempotencyKey, nullString(order.FailureReason), order.Degraded,
		order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return orders.ErrOrderExists
	}
	return nil
}

// Get loads an order by id.
func (s *OrderStore) Get(ctx context.Context, orderID string) (orders.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, items, total_amount, status, idempotency_key, failure_reason, degraded, created_at, updated_at
		FROM orders
		WHERE id = $1`,
		orderID,
	)

	var (
		order  orders.Order
		items  []byte
		status string
		reason sql.NullString
	)
	if err := row.Scan(&order.ID, &order.CustomerID, &items, &order.TotalAmount, &status,
		&order.IdempotencyKey, &reason, &order.Degraded, &order.CreatedAt, &order.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return orders.Order{}, &orders.NotFoundError{Kind: "order", ID: orderID}
		}
		return orders.Order{}, err
	}
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return orders.Order{}, fmt.Errorf("order %s items: %w", orderID, err)
	}
	order.Status = orders.Status(status)
	order.FailureReason = reason.String
	return order, nil
}

// UpdateStatus applies the update only when the stored status equals u.From.
func (s *OrderStore) UpdateStatus(ctx context.Context, u orders.StatusUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $3, failure_reason = $4, degraded = $5, updated_at = $6
		WHERE id = $1 AND status = $2`,
		u.OrderID, string(u.From), string(u.To), nullString(u.FailureReason), u.Degraded, u.At.UTC(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, u.OrderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return &orders.NotFoundError{Kind: "order", ID: u.OrderID}
	}
	return orders.ErrStaleStatus
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
