package orders

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrOrderExists signals Create was called for an id that is already stored.
var ErrOrderExists = errors.New("order already exists")

// CatalogItem is the catalog's view of a sellable item.
type CatalogItem struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Price          decimal.Decimal `json:"price"`
	AvailableStock int64           `json:"stock"`
}

// Catalog resolves items and their current price.
type Catalog interface {
	GetItem(ctx context.Context, itemID string) (CatalogItem, error)
}

// CustomerDirectory is the customer store of record.
type CustomerDirectory interface {
	Exists(ctx context.Context, customerID string) (bool, error)
	ApplyLoyalty(ctx context.Context, customerID string, points int64, amount decimal.Decimal) error
}

// ReservationState is the lifecycle of an inventory reservation.
type ReservationState string

const (
	ReservationReserved  ReservationState = "RESERVED"
	ReservationCommitted ReservationState = "COMMITTED"
	ReservationReleased  ReservationState = "RELEASED"
)

// ReservationItem is a quantity of one item held for an order.
type ReservationItem struct {
	ItemID   string `json:"itemId"`
	Quantity int64  `json:"quantity"`
}

// Reservation is the inventory held for one order.
type Reservation struct {
	OrderID string            `json:"orderId"`
	Items   []ReservationItem `json:"items"`
	State   ReservationState  `json:"state"`
}

// InventoryClient reserves stock atomically across items.
type InventoryClient interface {
	// Reserve holds every item or nothing. Shortages return *InsufficientStockError.
	Reserve(ctx context.Context, orderID string, items []ReservationItem) (Reservation, error)
	// Commit finalizes a RESERVED reservation. Repeated commits are no-ops.
	Commit(ctx context.Context, orderID string) (Reservation, error)
	// Release returns RESERVED stock. Releasing a RELEASED or COMMITTED reservation is a no-op.
	Release(ctx context.Context, orderID string) (Reservation, error)
}

// PaymentStatus is the lifecycle of a payment record.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// PaymentRecord is the single payment attempt for an order.
type PaymentRecord struct {
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	Method        string          `json:"method"`
	Status        PaymentStatus   `json:"status"`
	TransactionID string          `json:"transactionId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// PaymentClient charges a payment instrument for an order, at most once.
type PaymentClient interface {
	Charge(ctx context.Context, orderID string, amount decimal.Decimal, method string) (PaymentRecord, error)
	Refund(ctx context.Context, orderID string) (PaymentRecord, error)
}

// LedgerEntry is the loyalty credit granted for one order.
type LedgerEntry struct {
	CustomerID  string          `json:"customerId"`
	OrderID     string          `json:"orderId"`
	PointsDelta int64           `json:"pointsDelta"`
	AmountDelta decimal.Decimal `json:"amountDelta"`
	Applied     bool            `json:"applied"`
	AppliedAt   time.Time       `json:"appliedAt"`
}

// LoyaltyClient accrues loyalty credit, at most once per order.
type LoyaltyClient interface {
	Accrue(ctx context.Context, customerID, orderID string, amount decimal.Decimal) (LedgerEntry, error)
}
