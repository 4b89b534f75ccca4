package orders

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNewOrder_TotalsLineItems(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	order, err := NewOrder("order-1", "cust-1", "key-1", []LineItem{
		{ItemID: "itemA", Quantity: 2, UnitPrice: decimal.NewFromInt(5)},
		{ItemID: "itemB", Quantity: 1, UnitPrice: decimal.RequireFromString("3.25")},
	}, now)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("13.25")) {
		t.Fatalf("unexpected total %s", order.TotalAmount)
	}
	if order.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", order.Status)
	}
	if !order.CreatedAt.Equal(now) || !order.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected timestamps: %v %v", order.CreatedAt, order.UpdatedAt)
	}
}

func TestNewOrder_Validation(t *testing.T) {
	cases := []struct {
		name  string
		id    string
		cust  string
		items []LineItem
	}{
		{name: "missing id", cust: "c", items: []LineItem{{ItemID: "a", Quantity: 1}}},
		{name: "missing customer", id: "o", items: []LineItem{{ItemID: "a", Quantity: 1}}},
		{name: "no items", id: "o", cust: "c"},
		{name: "zero quantity", id: "o", cust: "c", items: []LineItem{{ItemID: "a"}}},
		{name: "negative price", id: "o", cust: "c", items: []LineItem{{ItemID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(-1)}}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewOrder(tc.id, tc.cust, "k", tc.items, time.Now())
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestStatus_TransitionGraph(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusInventoryReserved},
		{StatusPending, StatusFailed},
		{StatusInventoryReserved, StatusPaymentCompleted},
		{StatusInventoryReserved, StatusCompensating},
		{StatusPaymentCompleted, StatusLoyaltyApplied},
		{StatusPaymentCompleted, StatusCompleted},
		{StatusPaymentCompleted, StatusCompensating},
		{StatusLoyaltyApplied, StatusCompleted},
		{StatusCompensating, StatusCompensated},
	}
	for _, tc := range allowed {
		if !tc.from.CanTransition(tc.to) {
			t.Fatalf("expected %s -> %s to be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusCompleted},
		{StatusPending, StatusCompensating},
		{StatusLoyaltyApplied, StatusCompensating},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusCompensated, StatusCompensating},
	}
	for _, tc := range denied {
		if tc.from.CanTransition(tc.to) {
			t.Fatalf("expected %s -> %s to be denied", tc.from, tc.to)
		}
	}

	for _, s := range []Status{StatusCompleted, StatusFailed, StatusCompensated} {
		if !s.Terminal() {
			t.Fatalf("expected %s terminal", s)
		}
	}
	if StatusCompensating.Terminal() {
		t.Fatalf("COMPENSATING is not terminal")
	}
}

func TestOrder_TransitionKeepsTotal(t *testing.T) {
	order, err := NewOrder("order-1", "cust-1", "key-1", []LineItem{
		{ItemID: "itemA", Quantity: 1, UnitPrice: decimal.NewFromInt(4)},
	}, time.Now())
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := order.Transition(StatusFailed, "out of stock", later); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if order.FailureReason != "out of stock" || !order.UpdatedAt.Equal(later) {
		t.Fatalf("unexpected order after transition: %+v", order)
	}
	if err := order.Transition(StatusPending, "", later); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if !order.TotalAmount.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("total changed: %s", order.TotalAmount)
	}
}

func TestOrder_ReservationItemsMergesDuplicates(t *testing.T) {
	order := Order{Items: []LineItem{
		{ItemID: "itemA", Quantity: 1},
		{ItemID: "itemB", Quantity: 2},
		{ItemID: "itemA", Quantity: 3},
	}}
	got := order.ReservationItems()
	if len(got) != 2 || got[0] != (ReservationItem{ItemID: "itemA", Quantity: 4}) || got[1] != (ReservationItem{ItemID: "itemB", Quantity: 2}) {
		t.Fatalf("unexpected reservation items: %+v", got)
	}
}

func TestMemoryOrderStore_ConditionalUpdate(t *testing.T) {
	store := NewMemoryOrderStore()
	order, _ := NewOrder("order-1", "cust-1", "key-1", []LineItem{{ItemID: "a", Quantity: 1}}, time.Now())
	ctx := t.Context()

	if err := store.Create(ctx, order); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, order); !errors.Is(err, ErrOrderExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	if err := store.UpdateStatus(ctx, StatusUpdate{OrderID: "order-1", From: StatusInventoryReserved, To: StatusPaymentCompleted}); !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("expected stale status, got %v", err)
	}
	if err := store.UpdateStatus(ctx, StatusUpdate{OrderID: "order-1", From: StatusPending, To: StatusFailed, FailureReason: "x"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := store.Get(ctx, "order-1")
	if err != nil || got.Status != StatusFailed || got.FailureReason != "x" {
		t.Fatalf("unexpected order %+v err %v", got, err)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
