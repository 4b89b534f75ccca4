package ordersdb

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cafeorders/internal/orders"
	"cafeorders/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_saga_steps").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewSagaStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func sampleState() saga.State {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	state := saga.State{
		Key:         "key-1",
		OrderID:     "order-1",
		CustomerID:  "cust-1",
		Fingerprint: "fp",
		Next:        saga.StepAccrue,
		Status:      "PAYMENT_COMPLETED",
		UpdatedAt:   at,
	}
	state = state.Record(saga.StepReserve, saga.OutcomeSucceeded, "", at)
	return state.Record(saga.StepCharge, saga.OutcomeSucceeded, "txn-1", at)
}

func TestSagaStore_Checkpoint(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO order_sagas").
		WithArgs("key-1", "order-1", "cust-1", "fp", "accrue", "PAYMENT_COMPLETED", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WithArgs("key-1", 1, "reserve", "succeeded", nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WithArgs("key-1", 2, "charge", "succeeded", "txn-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	if err := NewSagaStore(db).Checkpoint(context.Background(), "key-1", sampleState()); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
}

func TestSagaStore_Checkpoint_RollsBackOnError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	mock.ExpectClose()

	if err := NewSagaStore(db).Checkpoint(context.Background(), "key-1", sampleState()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSagaStore_Resume(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	want := sampleState()
	payload, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mock.ExpectQuery("SELECT state FROM order_sagas").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"state"}).AddRow(payload))
	mock.ExpectClose()

	got, ok, err := NewSagaStore(db).Resume(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !ok {
		t.Fatalf("expected checkpoint")
	}
	if got.Next != saga.StepAccrue || len(got.Results) != 2 || got.Results[1].Detail != "txn-1" {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestSagaStore_Resume_Missing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT state FROM order_sagas").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"state"}))
	mock.ExpectClose()

	_, ok, err := NewSagaStore(db).Resume(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ok {
		t.Fatalf("expected no checkpoint")
	}
}

func TestReconciliationStore_Record(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS saga_reconciliation").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO saga_reconciliation").
		WithArgs("order-1", "key-1", "refund", "gateway down", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()

	store, err := NewReconciliationStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("WithSchema: %v", err)
	}
	err = store.Record(context.Background(), orders.ReconciliationRecord{
		OrderID:        "order-1",
		IdempotencyKey: "key-1",
		Step:           "refund",
		Reason:         "gateway down",
		State:          sampleState(),
		CreatedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
}
