package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle position of an order within its saga.
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusInventoryReserved Status = "INVENTORY_RESERVED"
	StatusPaymentCompleted  Status = "PAYMENT_COMPLETED"
	StatusLoyaltyApplied    Status = "LOYALTY_APPLIED"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
	StatusCompensating      Status = "COMPENSATING"
	StatusCompensated       Status = "COMPENSATED"
)

var transitions = map[Status][]Status{
	StatusPending:           {StatusInventoryReserved, StatusFailed},
	StatusInventoryReserved: {StatusPaymentCompleted, StatusCompensating},
	// PAYMENT_COMPLETED -> COMPLETED is a completion with degraded loyalty.
	StatusPaymentCompleted: {StatusLoyaltyApplied, StatusCompleted, StatusCompensating},
	StatusLoyaltyApplied:   {StatusCompleted},
	StatusCompensating:     {StatusCompensated},
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	}
	return false
}

// CanTransition reports whether the graph allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LineItem is one ordered catalog item with its price snapshotted at submission.
type LineItem struct {
	ItemID    string          `json:"itemId"`
	Name      string          `json:"name,omitempty"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Subtotal is quantity times unit price.
func (l LineItem) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Order is the durable record of one customer order.
type Order struct {
	ID             string          `json:"orderId"`
	CustomerID     string          `json:"customerId"`
	Items          []LineItem      `json:"items"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Status         Status          `json:"status"`
	IdempotencyKey string          `json:"idempotencyKey"`
	FailureReason  string          `json:"failureReason,omitempty"`
	Degraded       bool            `json:"degraded,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewOrder builds a PENDING order whose total is fixed from the line subtotals.
func NewOrder(id, customerID, idempotencyKey string, items []LineItem, now time.Time) (Order, error) {
	if strings.TrimSpace(id) == "" {
		return Order{}, &ValidationError{Field: "orderId", Reason: "required"}
	}
	if strings.TrimSpace(customerID) == "" {
		return Order{}, &ValidationError{Field: "customerId", Reason: "required"}
	}
	if len(items) == 0 {
		return Order{}, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}

	total := decimal.Zero
	lines := make([]LineItem, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return Order{}, &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be > 0"}
		}
		if item.UnitPrice.IsNegative() {
			return Order{}, &ValidationError{Field: fmt.Sprintf("items[%d].unitPrice", i), Reason: "must be >= 0"}
		}
		lines[i] = item
		total = total.Add(item.Subtotal())
	}

	return Order{
		ID:             id,
		CustomerID:     customerID,
		Items:          lines,
		TotalAmount:    total,
		Status:         StatusPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Transition moves the order along the graph, recording reason when non-empty.
func (o *Order) Transition(next Status, reason string, now time.Time) error {
	if !o.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	if reason != "" {
		o.FailureReason = reason
	}
	o.UpdatedAt = now
	return nil
}

// ReservationItems collapses the line items into per-item quantities, keeping first-seen order.
func (o Order) ReservationItems() []ReservationItem {
	items := make([]ReservationItem, 0, len(o.Items))
	for _, line := range o.Items {
		items = append(items, ReservationItem{ItemID: line.ItemID, Quantity: line.Quantity})
	}
	return MergeReservationItems(items)
}

// StatusUpdate is a conditional write of an order's status.
type StatusUpdate struct {
	OrderID       string
	From          Status
	To            Status
	FailureReason string
	Degraded      bool
	At            time.Time
}

// OrderStore is the durable order record.
type OrderStore interface {
	// Create stores a new order. An existing id returns ErrOrderExists.
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, orderID string) (Order, error)
	// UpdateStatus applies the update only when the stored status equals From,
	// otherwise it returns ErrStaleStatus.
	UpdateStatus(ctx context.Context, update StatusUpdate) error
}
