package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"cafeorders/internal/orders"
)

// ReconciliationStore keeps sagas that need an operator in Postgres.
type ReconciliationStore struct {
	db *sql.DB
}

// NewReconciliationStore constructs a ReconciliationStore backed by Postgres.
func NewReconciliationStore(db *sql.DB) *ReconciliationStore {
	return &ReconciliationStore{db: db}
}

// NewReconciliationStoreWithSchema initializes the schema then returns the store.
func NewReconciliationStoreWithSchema(ctx context.Context, db *sql.DB) (*ReconciliationStore, error) {
	store := NewReconciliationStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga_reconciliation table if it does not exist.
func (s *ReconciliationStore) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS saga_reconciliation (
			id BIGSERIAL PRIMARY KEY,
			order_id TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			step TEXT NOT NULL,
			reason TEXT NOT NULL,
			state JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Record appends a reconciliation row.
func (s *ReconciliationStore) Record(ctx context.Context, rec orders.ReconciliationRecord) error {
	state, err := json.Marshal(rec.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_reconciliation (order_id, idempotency_key, step, reason, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.OrderID, rec.IdempotencyKey, rec.Step, rec.Reason, state, rec.CreatedAt.UTC(),
	)
	return err
}
