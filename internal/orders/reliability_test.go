package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type stubGateway struct {
	errs    []error
	charges int
	refunds int
}

func (s *stubGateway) Charge(ctx context.Context, orderID string, amount decimal.Decimal, method string) (string, error) {
	s.charges++
	if s.charges <= len(s.errs) {
		return "", s.errs[s.charges-1]
	}
	return "txn_" + orderID, nil
}

func (s *stubGateway) Refund(ctx context.Context, orderID, transactionID string, amount decimal.Decimal) error {
	s.refunds++
	return nil
}

func TestRetryPolicy_RetriesWithBackoff(t *testing.T) {
	attempts := 0
	var delays []time.Duration

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    50 * time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return true },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("fail")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != 10*time.Millisecond || delays[1] != 20*time.Millisecond {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryPolicy_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	var delays []time.Duration
	expected := errors.New("nope")

	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
		ShouldRetry: func(error) bool { return false },
	}

	err := policy.Do(context.Background(), func() error {
		attempts++
		return expected
	})
	if err != expected {
		t.Fatalf("expected %v, got %v", expected, err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no delay, got %v", delays)
	}
}

func TestCircuitBreaker_OpensAndResets(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	calls := 0

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})

	fail := func() error {
		calls++
		return errors.New("fail")
	}

	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}
	if err := breaker.Execute(fail); err == nil {
		t.Fatalf("expected failure")
	}

	if err := breaker.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}

	now = now.Add(2 * time.Second)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to allow trial, got %v", err)
	}
	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to close, got %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 failed calls, got %d", calls)
	}
}

func TestRateLimiter_WaitsWhenExhausted(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration

	limiter := NewRateLimiter(100*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(waits) != 1 || waits[0] != 100*time.Millisecond {
		t.Fatalf("expected one wait of 100ms, got %v", waits)
	}
}

func TestRateLimiter_OnWaitObservesWaits(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var observed []time.Duration

	limiter := NewRateLimiter(40*time.Millisecond, 1).OnWait(func(d time.Duration) {
		observed = append(observed, d)
	})
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(observed) != 2 || observed[0] != 40*time.Millisecond || observed[1] != 40*time.Millisecond {
		t.Fatalf("expected two observed waits of 40ms, got %v", observed)
	}
}

func TestRetryPolicy_OnRetryReportsAttempts(t *testing.T) {
	var seen []int
	policy := RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Jitter:      func(d time.Duration) time.Duration { return d },
		Sleep:       func(context.Context, time.Duration) error { return nil },
		ShouldRetry: IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			seen = append(seen, attempt)
		},
	}

	err := policy.Do(context.Background(), func() error {
		return Transient("inventory", errors.New("timeout"))
	})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("unexpected retry callbacks: %v", seen)
	}
}

func TestGuard_DeclineDoesNotTripBreaker(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	base := &stubGateway{errs: []error{ErrPaymentDeclined, ErrPaymentDeclined}}
	gateway := NewGuardedGateway(base, NewGuard(nil, breaker))

	for i := 0; i < 2; i++ {
		if _, err := gateway.Charge(context.Background(), "order-1", decimal.NewFromInt(5), "card"); !errors.Is(err, ErrPaymentDeclined) {
			t.Fatalf("expected decline, got %v", err)
		}
	}
	if base.charges != 2 {
		t.Fatalf("expected both charges to reach the gateway, got %d", base.charges)
	}
}

func TestGuard_TransientFailuresOpenBreaker(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          func() time.Time { return now },
	})
	base := &stubGateway{errs: []error{Transient("gateway", errors.New("503"))}}
	gateway := NewGuardedGateway(base, NewGuard(nil, breaker))

	if _, err := gateway.Charge(context.Background(), "order-1", decimal.NewFromInt(5), "card"); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	_, err := gateway.Charge(context.Background(), "order-1", decimal.NewFromInt(5), "card")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if !IsRetryable(err) {
		t.Fatalf("expected open circuit to be retryable")
	}
	if base.charges != 1 {
		t.Fatalf("expected 1 call, got %d", base.charges)
	}
}

func TestGuardedCustomers_RateLimited(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var waits []time.Duration
	limiter := NewRateLimiter(50*time.Millisecond, 1)
	limiter.now = func() time.Time { return now }
	limiter.last = now
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		now = now.Add(d)
		return nil
	}

	customers := NewGuardedCustomers(NewMemoryCustomers(Customer{ID: "cust-1"}), NewGuard(limiter, nil))
	for i := 0; i < 2; i++ {
		ok, err := customers.Exists(context.Background(), "cust-1")
		if err != nil || !ok {
			t.Fatalf("exists: %v %v", ok, err)
		}
	}
	if len(waits) != 1 {
		t.Fatalf("expected one wait, got %v", waits)
	}
}

func TestGuard_NilPassesThrough(t *testing.T) {
	var g *Guard
	calls := 0
	if err := g.Do(context.Background(), func() error { calls++; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
