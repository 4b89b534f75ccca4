package orders

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"cafeorders/internal/orders/saga"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transient", err: Transient("catalog", errors.New("503")), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "circuit open", err: ErrCircuitOpen, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "validation", err: &ValidationError{Field: "items", Reason: "required"}, want: false},
		{name: "not found", err: &NotFoundError{Kind: "item", ID: "x"}, want: false},
		{name: "stock", err: &InsufficientStockError{}, want: false},
		{name: "declined", err: fmt.Errorf("charge: %w", ErrPaymentDeclined), want: false},
		{name: "declined behind transient", err: Transient("gateway", ErrPaymentDeclined), want: false},
		{name: "exhausted", err: &RetriesExhaustedError{Err: Transient("inventory", errors.New("503"))}, want: false},
		{name: "unknown", err: errors.New("boom"), want: false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestKindOfAndReplay(t *testing.T) {
	cases := []struct {
		err      error
		kind     FailureKind
		sentinel error
	}{
		{err: &InsufficientStockError{Shortages: []Shortage{{ItemID: "a", Available: 1, Requested: 2}}}, kind: FailureInsufficientStock, sentinel: ErrInsufficientStock},
		{err: fmt.Errorf("x: %w", ErrPaymentDeclined), kind: FailurePaymentDeclined, sentinel: ErrPaymentDeclined},
		{err: &NotFoundError{Kind: "customer", ID: "c"}, kind: FailureNotFound, sentinel: ErrNotFound},
		{err: &CompensationFailedError{OrderID: "o", Step: "release", Err: errors.New("down")}, kind: FailureCompensation, sentinel: ErrCompensationFailed},
		{err: fmt.Errorf("%w: by request", ErrOrderCancelled), kind: FailureCancelled, sentinel: ErrOrderCancelled},
		{err: Transient("inventory", errors.New("503")), kind: FailureExhausted, sentinel: ErrRetriesExhausted},
		{err: &RetriesExhaustedError{Err: context.DeadlineExceeded}, kind: FailureExhausted, sentinel: ErrRetriesExhausted},
	}
	for _, tc := range cases {
		kind := KindOf(tc.err)
		if kind != tc.kind {
			t.Fatalf("KindOf(%v) = %s, want %s", tc.err, kind, tc.kind)
		}
		replayed := replayError(saga.State{FailureKind: string(kind), FailureReason: tc.err.Error()})
		if !errors.Is(replayed, tc.sentinel) {
			t.Fatalf("replay of %s lost sentinel: %v", kind, replayed)
		}
		if !errors.Is(terminalError(tc.err), tc.sentinel) {
			t.Fatalf("terminal error of %s lost sentinel", kind)
		}
		if IsRetryable(replayed) != IsRetryable(terminalError(tc.err)) {
			t.Fatalf("%s: live and replayed errors disagree on retryability", kind)
		}
	}

	if KindOf(errors.New("boom")) != FailureInternal {
		t.Fatalf("expected internal kind")
	}
	if replayError(saga.State{FailureReason: "degraded"}) != nil {
		t.Fatalf("expected nil replay for success")
	}
}

func TestTerminalError_ExhaustionIsNotRetryable(t *testing.T) {
	cause := Transient("inventory", errors.New("503"))
	live := terminalError(cause)

	if IsRetryable(live) {
		t.Fatalf("exhausted saga reported as retryable: %v", live)
	}
	if !errors.Is(live, ErrTransient) {
		t.Fatalf("live error lost its cause: %v", live)
	}
	replayed := replayError(saga.State{FailureKind: string(FailureExhausted), FailureReason: cause.Error()})
	if live.Error() != replayed.Error() {
		t.Fatalf("live %q and replayed %q differ", live, replayed)
	}
	if terminalError(live) != live {
		t.Fatalf("exhaustion wrapped twice")
	}
}

func TestReplayError_KeepsShortages(t *testing.T) {
	cause := fmt.Errorf("reserve: %w", &InsufficientStockError{Shortages: []Shortage{{ItemID: "a", Available: 1, Requested: 2}}})
	state := saga.State{
		FailureKind:   string(KindOf(cause)),
		FailureReason: cause.Error(),
		Shortages:     checkpointShortages(cause),
	}

	var stock *InsufficientStockError
	if !errors.As(replayError(state), &stock) {
		t.Fatalf("replay lost the shortage detail")
	}
	if len(stock.Shortages) != 1 || stock.Shortages[0] != (Shortage{ItemID: "a", Available: 1, Requested: 2}) {
		t.Fatalf("unexpected shortages %+v", stock.Shortages)
	}

	state.Shortages = nil
	if err := replayError(state); !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("checkpoint without shortages lost sentinel: %v", err)
	}
}

func TestInsufficientStockError_Message(t *testing.T) {
	err := &InsufficientStockError{Shortages: []Shortage{
		{ItemID: "itemA", Available: 2, Requested: 3},
		{ItemID: "itemB", Available: 0, Requested: 1},
	}}
	want := "insufficient stock: itemA (available 2, requested 3), itemB (available 0, requested 1)"
	if err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
