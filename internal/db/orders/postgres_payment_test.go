package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"cafeorders/internal/orders"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

var paymentColumns = []string{"order_id", "amount", "method", "status", "transaction_id", "created_at", "updated_at"}

func TestPaymentStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := NewPaymentStore(db).InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
}

func TestPaymentStore_WithSchemaError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS payments").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	store, err := NewPaymentStoreWithSchema(context.Background(), db)
	if err == nil {
		t.Fatalf("expected error")
	}
	if store != nil {
		t.Fatalf("expected nil store on error")
	}
}

func TestPaymentStore_CreateIfAbsent_New(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO payments").
		WithArgs("order-1", "13", "card", "PENDING", nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	now := time.Now()
	rec := orders.PaymentRecord{
		OrderID:   "order-1",
		Amount:    decimal.NewFromInt(13),
		Method:    "card",
		Status:    orders.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	got, created, err := NewPaymentStore(db).CreateIfAbsent(context.Background(), rec)
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if !created {
		t.Fatalf("expected record to be created")
	}
	if got.OrderID != "order-1" || got.Status != orders.PaymentPending {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestPaymentStore_CreateIfAbsent_ReturnsExisting(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now()
	mock.ExpectExec("INSERT INTO payments").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, amount, method, status, transaction_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("order-1", "13", "card", "COMPLETED", "txn-1", now, now))
	mock.ExpectClose()

	got, created, err := NewPaymentStore(db).CreateIfAbsent(context.Background(), orders.PaymentRecord{
		OrderID: "order-1",
		Amount:  decimal.NewFromInt(13),
		Method:  "card",
		Status:  orders.PaymentPending,
	})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	if created {
		t.Fatalf("expected existing record")
	}
	if got.Status != orders.PaymentCompleted || got.TransactionID != "txn-1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.Amount.Equal(decimal.NewFromInt(13)) {
		t.Fatalf("amount = %s", got.Amount)
	}
}

func TestPaymentStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, amount, method, status, transaction_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectClose()

	if _, err := NewPaymentStore(db).Get(context.Background(), "missing"); !errors.Is(err, orders.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}

func TestPaymentStore_UpdateStatus(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now()
	mock.ExpectQuery("UPDATE payments").
		WithArgs("order-1", "PENDING", "COMPLETED", "txn-1").
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("order-1", "13", "card", "COMPLETED", "txn-1", now, now))
	mock.ExpectClose()

	got, err := NewPaymentStore(db).UpdateStatus(context.Background(), "order-1", orders.PaymentPending, orders.PaymentCompleted, "txn-1")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got.Status != orders.PaymentCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestPaymentStore_UpdateStatus_Stale(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	now := time.Now()
	mock.ExpectQuery("UPDATE payments").
		WithArgs("order-1", "PENDING", "COMPLETED", "txn-2").
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectQuery("SELECT order_id, amount, method, status, transaction_id").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows(paymentColumns).
			AddRow("order-1", "13", "card", "COMPLETED", "txn-1", now, now))
	mock.ExpectClose()

	got, err := NewPaymentStore(db).UpdateStatus(context.Background(), "order-1", orders.PaymentPending, orders.PaymentCompleted, "txn-2")
	if !errors.Is(err, orders.ErrStaleStatus) {
		t.Fatalf("expected ErrStaleStatus, got %v", err)
	}
	if got.TransactionID != "txn-1" {
		t.Fatalf("expected stored record, got %+v", got)
	}
}

func TestPaymentStore_UpdateStatus_Missing(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("UPDATE payments").
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectQuery("SELECT order_id, amount, method, status, transaction_id").
		WillReturnRows(sqlmock.NewRows(paymentColumns))
	mock.ExpectClose()

	_, err := NewPaymentStore(db).UpdateStatus(context.Background(), "order-9", orders.PaymentCompleted, orders.PaymentRefunded, "")
	if !errors.Is(err, orders.ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}
