package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"cafeorders/internal/orders/saga"
)

// SagaStore persists saga checkpoints per idempotency key, plus an append-only
// history of step results.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			idempotency_key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			next_step TEXT NOT NULL,
			status TEXT NOT NULL,
			state JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			idempotency_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step TEXT NOT NULL,
			outcome TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (idempotency_key, seq),
			FOREIGN KEY (idempotency_key) REFERENCES order_sagas(idempotency_key) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Checkpoint upserts the state and appends any step results not yet recorded.
func (s *SagaStore) Checkpoint(ctx context.Context, key string, state saga.State) (err error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO order_sagas (idempotency_key, order_id, customer_id, fingerprint, next_step, status, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET next_step = EXCLUDED.next_step, status = EXCLUDED.status, state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		key, state.OrderID, state.CustomerID, state.Fingerprint, string(state.Next), state.Status,
		payload, state.UpdatedAt.UTC(),
	); err != nil {
		return err
	}

	for i, result := range state.Results {
		if _, err = tx.ExecContext(ctx, `
			INSERT INTO order_saga_steps (idempotency_key, seq, step, outcome, detail, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (idempotency_key, seq) DO NOTHING`,
			key, i+1, string(result.Step), result.Outcome, nullString(result.Detail), result.At.UTC(),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Resume loads the last checkpoint for key.
func (s *SagaStore) Resume(ctx context.Context, key string) (saga.State, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT state
		FROM order_sagas
		WHERE idempotency_key = $1`,
		key,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.State{}, false, nil
	}
	if err != nil {
		return saga.State{}, false, err
	}

	var state saga.State
	if err := json.Unmarshal(payload, &state); err != nil {
		return saga.State{}, false, fmt.Errorf("saga %s checkpoint: %w", key, err)
	}
	return state, true, nil
}
