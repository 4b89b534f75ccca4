package orders

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// LedgerStore persists at most one loyalty entry per order.
type LedgerStore interface {
	CreateIfAbsent(ctx context.Context, entry LedgerEntry) (LedgerEntry, bool, error)
	MarkApplied(ctx context.Context, orderID string, at time.Time) (LedgerEntry, error)
}

// LoyaltyService implements LoyaltyClient: points = floor(amount * rate).
type LoyaltyService struct {
	ledger    LedgerStore
	customers CustomerDirectory
	rate      decimal.Decimal
	now       func() time.Time
}

// NewLoyaltyService constructs a LoyaltyService accruing rate points per currency unit.
func NewLoyaltyService(ledger LedgerStore, customers CustomerDirectory, rate decimal.Decimal) *LoyaltyService {
	return &LoyaltyService{ledger: ledger, customers: customers, rate: rate, now: time.Now}
}

// Points returns the credit earned for amount.
func (s *LoyaltyService) Points(amount decimal.Decimal) int64 {
	return amount.Mul(s.rate).Floor().IntPart()
}

// Accrue records and applies the order's credit once. A retry after an interrupted
// apply re-sends the same deltas to the customer store.
func (s *LoyaltyService) Accrue(ctx context.Context, customerID, orderID string, amount decimal.Decimal) (LedgerEntry, error) {
	if strings.TrimSpace(customerID) == "" {
		return LedgerEntry{}, &ValidationError{Field: "customerId", Reason: "required"}
	}
	if strings.TrimSpace(orderID) == "" {
		return LedgerEntry{}, &ValidationError{Field: "orderId", Reason: "required"}
	}

	entry, _, err := s.ledger.CreateIfAbsent(ctx, LedgerEntry{
		CustomerID:  customerID,
		OrderID:     orderID,
		PointsDelta: s.Points(amount),
		AmountDelta: amount,
	})
	if err != nil {
		return LedgerEntry{}, Transient("loyalty ledger", err)
	}
	if entry.Applied {
		return entry, nil
	}

	if err := s.customers.ApplyLoyalty(ctx, entry.CustomerID, entry.PointsDelta, entry.AmountDelta); err != nil {
		return entry, err
	}

	applied, err := s.ledger.MarkApplied(ctx, orderID, s.now().UTC())
	if err != nil {
		return entry, Transient("loyalty ledger", err)
	}
	return applied, nil
}
