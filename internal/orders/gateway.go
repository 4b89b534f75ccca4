package orders

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ApprovingGateway approves every charge and remembers it per order.
type ApprovingGateway struct {
	mu      sync.Mutex
	charges map[string]string
	refunds map[string]bool
}

// NewApprovingGateway constructs a gateway that never declines.
func NewApprovingGateway() *ApprovingGateway {
	return &ApprovingGateway{
		charges: make(map[string]string),
		refunds: make(map[string]bool),
	}
}

func (g *ApprovingGateway) Charge(_ context.Context, orderID string, _ decimal.Decimal, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if txn, ok := g.charges[orderID]; ok {
		return txn, nil
	}
	txn := "txn_" + uuid.NewString()
	g.charges[orderID] = txn
	return txn, nil
}

func (g *ApprovingGateway) Refund(_ context.Context, orderID, _ string, _ decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.charges[orderID]; !ok {
		return errors.New("refund without charge")
	}
	g.refunds[orderID] = true
	return nil
}

// Charges returns how many distinct orders were charged.
func (g *ApprovingGateway) Charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.charges)
}

// WasRefunded reports whether an order was refunded (for testing/inspection).
func (g *ApprovingGateway) WasRefunded(orderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunds[orderID]
}

// SimulatedGateway approves a fraction of charges at random, the way the legacy payment
// service did. Outcomes are remembered per order so retries see the same result.
type SimulatedGateway struct {
	mu          sync.Mutex
	successRate float64
	rand        func() float64
	outcomes    map[string]string
}

// NewSimulatedGateway constructs a gateway approving successRate (0..1) of charges.
func NewSimulatedGateway(successRate float64) *SimulatedGateway {
	return &SimulatedGateway{
		successRate: successRate,
		rand:        rand.Float64,
		outcomes:    make(map[string]string),
	}
}

func (g *SimulatedGateway) Charge(_ context.Context, orderID string, amount decimal.Decimal, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	txn, seen := g.outcomes[orderID]
	if !seen {
		if g.rand() < g.successRate {
			txn = "txn_" + uuid.NewString()
		}
		g.outcomes[orderID] = txn
	}
	if txn == "" {
		return "", fmt.Errorf("charge of %s for order %s: %w", amount, orderID, ErrPaymentDeclined)
	}
	return txn, nil
}

func (g *SimulatedGateway) Refund(_ context.Context, orderID, transactionID string, _ decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if txn := g.outcomes[orderID]; txn == "" || txn != transactionID {
		return fmt.Errorf("refund for order %s: unknown transaction %q", orderID, transactionID)
	}
	return nil
}
