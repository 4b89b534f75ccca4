package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPaymentNotFound signals no payment record exists for the order.
var ErrPaymentNotFound = errors.New("payment record not found")

// DefaultPaymentMethod is used when the caller does not name one.
const DefaultPaymentMethod = "card"

// PaymentRecordStore persists one payment record per order.
type PaymentRecordStore interface {
	// CreateIfAbsent inserts rec unless a record for the order exists. It returns the
	// stored record and whether this call created it.
	CreateIfAbsent(ctx context.Context, rec PaymentRecord) (PaymentRecord, bool, error)
	Get(ctx context.Context, orderID string) (PaymentRecord, error)
	// UpdateStatus moves the record from one status to another, returning ErrStaleStatus
	// when the stored status differs from from.
	UpdateStatus(ctx context.Context, orderID string, from, to PaymentStatus, transactionID string) (PaymentRecord, error)
}

// PaymentGateway is the external processor. Charges are keyed by order id so that a
// repeated charge for the same order never moves money twice.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal, method string) (string, error)
	Refund(ctx context.Context, orderID, transactionID string, amount decimal.Decimal) error
}

// PaymentService implements PaymentClient over a record store and a gateway.
type PaymentService struct {
	records PaymentRecordStore
	gateway PaymentGateway
	now     func() time.Time
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(records PaymentRecordStore, gateway PaymentGateway) *PaymentService {
	return &PaymentService{records: records, gateway: gateway, now: time.Now}
}

// Charge returns the existing outcome for the order or performs the single charge.
func (s *PaymentService) Charge(ctx context.Context, orderID string, amount decimal.Decimal, method string) (PaymentRecord, error) {
	if strings.TrimSpace(orderID) == "" {
		return PaymentRecord{}, &ValidationError{Field: "orderId", Reason: "required"}
	}
	if !amount.IsPositive() {
		return PaymentRecord{}, &ValidationError{Field: "amount", Reason: "must be > 0"}
	}
	if method == "" {
		method = DefaultPaymentMethod
	}

	now := s.now().UTC()
	rec, _, err := s.records.CreateIfAbsent(ctx, PaymentRecord{
		OrderID:   orderID,
		Amount:    amount,
		Method:    method,
		Status:    PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return PaymentRecord{}, Transient("payment store", err)
	}

	switch rec.Status {
	case PaymentCompleted, PaymentRefunded:
		return rec, nil
	case PaymentFailed:
		return rec, fmt.Errorf("order %s: %w", orderID, ErrPaymentDeclined)
	}

	// PENDING: either just created or left behind by an interrupted attempt.
	txnID, chargeErr := s.gateway.Charge(ctx, orderID, rec.Amount, rec.Method)
	if chargeErr != nil {
		if !errors.Is(chargeErr, ErrPaymentDeclined) {
			return rec, chargeErr
		}
		failed, err := s.records.UpdateStatus(ctx, orderID, PaymentPending, PaymentFailed, "")
		if err != nil {
			return s.settled(ctx, rec, err)
		}
		return failed, chargeErr
	}

	completed, err := s.records.UpdateStatus(ctx, orderID, PaymentPending, PaymentCompleted, txnID)
	if err != nil {
		return s.settled(ctx, rec, err)
	}
	return completed, nil
}

// settled resolves a lost status race by reporting what the record now says.
func (s *PaymentService) settled(ctx context.Context, rec PaymentRecord, updateErr error) (PaymentRecord, error) {
	if !errors.Is(updateErr, ErrStaleStatus) {
		return rec, Transient("payment store", updateErr)
	}
	current, err := s.records.Get(ctx, rec.OrderID)
	if err != nil {
		return rec, Transient("payment store", err)
	}
	switch current.Status {
	case PaymentFailed:
		return current, fmt.Errorf("order %s: %w", rec.OrderID, ErrPaymentDeclined)
	case PaymentPending:
		return current, Transient("payment store", updateErr)
	}
	return current, nil
}

// Refund reverses a completed payment. Any other status is left untouched.
func (s *PaymentService) Refund(ctx context.Context, orderID string) (PaymentRecord, error) {
	rec, err := s.records.Get(ctx, orderID)
	if errors.Is(err, ErrPaymentNotFound) {
		return PaymentRecord{OrderID: orderID}, nil
	}
	if err != nil {
		return PaymentRecord{}, Transient("payment store", err)
	}
	if rec.Status != PaymentCompleted {
		return rec, nil
	}

	if err := s.gateway.Refund(ctx, orderID, rec.TransactionID, rec.Amount); err != nil {
		return rec, err
	}

	refunded, err := s.records.UpdateStatus(ctx, orderID, PaymentCompleted, PaymentRefunded, rec.TransactionID)
	if errors.Is(err, ErrStaleStatus) {
		return s.records.Get(ctx, orderID)
	}
	if err != nil {
		return rec, Transient("payment store", err)
	}
	return refunded, nil
}
