package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"cafeorders/internal/orders/saga"
)

// OrderEvent describes one status change of an order.
type OrderEvent struct {
	OrderID       string    `json:"orderId"`
	CustomerID    string    `json:"customerId"`
	From          Status    `json:"from,omitempty"`
	To            Status    `json:"to"`
	FailureReason string    `json:"failureReason,omitempty"`
	Degraded      bool      `json:"degraded,omitempty"`
	At            time.Time `json:"at"`
}

// EventPublisher receives order status changes. Publish failures never fail a saga.
type EventPublisher interface {
	Publish(ctx context.Context, event OrderEvent) error
}

// SagaObserver receives step timings and final outcomes.
type SagaObserver interface {
	ObserveStep(step string, elapsed time.Duration, err error)
	ObserveOutcome(status string, degraded bool)
}

// ReconciliationRecord is what an operator needs to finish a saga by hand.
type ReconciliationRecord struct {
	OrderID        string     `json:"orderId"`
	IdempotencyKey string     `json:"idempotencyKey"`
	Step           string     `json:"step"`
	Reason         string     `json:"reason"`
	State          saga.State `json:"state"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// ReconciliationStore keeps sagas that automation could not finish.
type ReconciliationStore interface {
	Record(ctx context.Context, rec ReconciliationRecord) error
}

// MemoryReconciliation keeps reconciliation records in memory.
type MemoryReconciliation struct {
	mu      sync.Mutex
	records []ReconciliationRecord
}

// NewMemoryReconciliation constructs an empty MemoryReconciliation.
func NewMemoryReconciliation() *MemoryReconciliation {
	return &MemoryReconciliation{}
}

func (m *MemoryReconciliation) Record(_ context.Context, rec ReconciliationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Records returns the stored records ordered by order id then time.
func (m *MemoryReconciliation) Records() []ReconciliationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]ReconciliationRecord(nil), m.records...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].OrderID != out[j].OrderID {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

type nopObserver struct{}

func (nopObserver) ObserveStep(string, time.Duration, error) {}
func (nopObserver) ObserveOutcome(string, bool)              {}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, OrderEvent) error { return nil }
