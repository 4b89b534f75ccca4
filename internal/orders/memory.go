package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryOrderStore keeps orders in memory.
type MemoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]Order
}

// NewMemoryOrderStore constructs an empty MemoryOrderStore.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]Order)}
}

func (s *MemoryOrderStore) Create(_ context.Context, order Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return ErrOrderExists
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *MemoryOrderStore) Get(_ context.Context, orderID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, &NotFoundError{Kind: "order", ID: orderID}
	}
	return cloneOrder(order), nil
}

func (s *MemoryOrderStore) UpdateStatus(_ context.Context, u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[u.OrderID]
	if !ok {
		return &NotFoundError{Kind: "order", ID: u.OrderID}
	}
	if order.Status != u.From {
		return ErrStaleStatus
	}
	order.Status = u.To
	order.FailureReason = u.FailureReason
	order.Degraded = u.Degraded
	order.UpdatedAt = u.At
	s.orders[u.OrderID] = order
	return nil
}

func cloneOrder(o Order) Order {
	o.Items = append([]LineItem(nil), o.Items...)
	return o
}

// MemoryInventory holds per-item stock counters and reservations behind one mutex, so
// every check-then-decrement is atomic relative to every other mutation.
type MemoryInventory struct {
	mu           sync.Mutex
	stock        map[string]int64
	reservations map[string]Reservation
}

// NewMemoryInventory constructs an empty MemoryInventory.
func NewMemoryInventory() *MemoryInventory {
	return &MemoryInventory{
		stock:        make(map[string]int64),
		reservations: make(map[string]Reservation),
	}
}

// SetStock overwrites the available count of an item.
func (m *MemoryInventory) SetStock(itemID string, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[itemID] = qty
}

// Seed sets the available count only if the item has no counter yet.
func (m *MemoryInventory) Seed(_ context.Context, itemID string, qty int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stock[itemID]; !ok {
		m.stock[itemID] = qty
	}
	return nil
}

// Stock returns the available count of an item.
func (m *MemoryInventory) Stock(itemID string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[itemID]
}

// Reservation returns the reservation held for an order, if any.
func (m *MemoryInventory) Reservation(orderID string) (Reservation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.reservations[orderID]
	return cloneReservation(res), ok
}

func (m *MemoryInventory) Reserve(ctx context.Context, orderID string, items []ReservationItem) (Reservation, error) {
	if err := ctx.Err(); err != nil {
		return Reservation{}, err
	}
	if err := ValidateReservationItems(orderID, items); err != nil {
		return Reservation{}, err
	}
	wanted := MergeReservationItems(items)

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.reservations[orderID]; ok {
		return cloneReservation(existing), nil
	}

	var shortages []Shortage
	for _, item := range wanted {
		if available := m.stock[item.ItemID]; available < item.Quantity {
			shortages = append(shortages, Shortage{ItemID: item.ItemID, Available: available, Requested: item.Quantity})
		}
	}
	if len(shortages) > 0 {
		return Reservation{}, &InsufficientStockError{Shortages: shortages}
	}

	for _, item := range wanted {
		m.stock[item.ItemID] -= item.Quantity
	}
	res := Reservation{OrderID: orderID, Items: wanted, State: ReservationReserved}
	m.reservations[orderID] = res
	return cloneReservation(res), nil
}

func (m *MemoryInventory) Commit(_ context.Context, orderID string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[orderID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	switch res.State {
	case ReservationReleased:
		return cloneReservation(res), ErrReservationReleased
	case ReservationReserved:
		res.State = ReservationCommitted
		m.reservations[orderID] = res
	}
	return cloneReservation(res), nil
}

func (m *MemoryInventory) Release(_ context.Context, orderID string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[orderID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}
	if res.State != ReservationReserved {
		return cloneReservation(res), nil
	}
	for _, item := range res.Items {
		m.stock[item.ItemID] += item.Quantity
	}
	res.State = ReservationReleased
	m.reservations[orderID] = res
	return cloneReservation(res), nil
}

// ValidateReservationItems rejects empty orders, blank items and non-positive quantities.
func ValidateReservationItems(orderID string, items []ReservationItem) error {
	if orderID == "" {
		return &ValidationError{Field: "orderId", Reason: "required"}
	}
	if len(items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for _, item := range items {
		if item.ItemID == "" {
			return &ValidationError{Field: "itemId", Reason: "required"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: "quantity", Reason: "must be > 0"}
		}
	}
	return nil
}

// MergeReservationItems sums repeated items, keeping first-seen order.
func MergeReservationItems(items []ReservationItem) []ReservationItem {
	index := make(map[string]int, len(items))
	out := make([]ReservationItem, 0, len(items))
	for _, item := range items {
		if i, ok := index[item.ItemID]; ok {
			out[i].Quantity += item.Quantity
			continue
		}
		index[item.ItemID] = len(out)
		out = append(out, item)
	}
	return out
}

func cloneReservation(r Reservation) Reservation {
	r.Items = append([]ReservationItem(nil), r.Items...)
	return r
}

// MemoryPaymentStore keeps payment records in memory.
type MemoryPaymentStore struct {
	mu      sync.Mutex
	records map[string]PaymentRecord
	now     func() time.Time
}

// NewMemoryPaymentStore constructs an empty MemoryPaymentStore.
func NewMemoryPaymentStore() *MemoryPaymentStore {
	return &MemoryPaymentStore{records: make(map[string]PaymentRecord), now: time.Now}
}

func (s *MemoryPaymentStore) CreateIfAbsent(_ context.Context, rec PaymentRecord) (PaymentRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.OrderID]; ok {
		return existing, false, nil
	}
	s.records[rec.OrderID] = rec
	return rec, true, nil
}

func (s *MemoryPaymentStore) Get(_ context.Context, orderID string) (PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[orderID]
	if !ok {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return rec, nil
}

func (s *MemoryPaymentStore) UpdateStatus(_ context.Context, orderID string, from, to PaymentStatus, transactionID string) (PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[orderID]
	if !ok {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	if rec.Status != from {
		return rec, ErrStaleStatus
	}
	rec.Status = to
	if transactionID != "" {
		rec.TransactionID = transactionID
	}
	rec.UpdatedAt = s.now().UTC()
	s.records[orderID] = rec
	return rec, nil
}

// Records returns every stored payment record ordered by order id.
func (s *MemoryPaymentStore) Records() []PaymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PaymentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// MemoryLedgerStore keeps loyalty entries in memory.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	entries map[string]LedgerEntry
}

// NewMemoryLedgerStore constructs an empty MemoryLedgerStore.
func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{entries: make(map[string]LedgerEntry)}
}

func (s *MemoryLedgerStore) CreateIfAbsent(_ context.Context, entry LedgerEntry) (LedgerEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[entry.OrderID]; ok {
		return existing, false, nil
	}
	s.entries[entry.OrderID] = entry
	return entry, true, nil
}

func (s *MemoryLedgerStore) MarkApplied(_ context.Context, orderID string, at time.Time) (LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[orderID]
	if !ok {
		return LedgerEntry{}, &NotFoundError{Kind: "ledger entry", ID: orderID}
	}
	if !entry.Applied {
		entry.Applied = true
		entry.AppliedAt = at
		s.entries[orderID] = entry
	}
	return entry, nil
}

// Entry returns the ledger entry for an order, if any.
func (s *MemoryLedgerStore) Entry(orderID string) (LedgerEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[orderID]
	return entry, ok
}

// MemoryCatalog serves catalog items from memory.
type MemoryCatalog struct {
	mu    sync.RWMutex
	items map[string]CatalogItem
}

// NewMemoryCatalog constructs a catalog holding items.
func NewMemoryCatalog(items ...CatalogItem) *MemoryCatalog {
	c := &MemoryCatalog{items: make(map[string]CatalogItem, len(items))}
	for _, item := range items {
		c.items[item.ID] = item
	}
	return c
}

// Put adds or replaces an item.
func (c *MemoryCatalog) Put(item CatalogItem) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[item.ID] = item
}

func (c *MemoryCatalog) GetItem(_ context.Context, itemID string) (CatalogItem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[itemID]
	if !ok {
		return CatalogItem{}, &NotFoundError{Kind: "item", ID: itemID}
	}
	return item, nil
}

// Customer is the loyalty view of a customer record.
type Customer struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	LoyaltyPoints int64           `json:"loyaltyPoints"`
	TotalSpent    decimal.Decimal `json:"totalSpent"`
	OrderCount    int64           `json:"orderCount"`
	LastOrderDate time.Time       `json:"lastOrderDate"`
}

// MemoryCustomers is an in-memory CustomerDirectory.
type MemoryCustomers struct {
	mu        sync.Mutex
	customers map[string]Customer
	now       func() time.Time
}

// NewMemoryCustomers constructs a directory holding customers.
func NewMemoryCustomers(customers ...Customer) *MemoryCustomers {
	d := &MemoryCustomers{customers: make(map[string]Customer, len(customers)), now: time.Now}
	for _, c := range customers {
		d.customers[c.ID] = c
	}
	return d
}

// Add registers a customer.
func (d *MemoryCustomers) Add(c Customer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customers[c.ID] = c
}

// Customer returns a snapshot of a customer.
func (d *MemoryCustomers) Customer(id string) (Customer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.customers[id]
	return c, ok
}

func (d *MemoryCustomers) Exists(_ context.Context, customerID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.customers[customerID]
	return ok, nil
}

func (d *MemoryCustomers) ApplyLoyalty(_ context.Context, customerID string, points int64, amount decimal.Decimal) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.customers[customerID]
	if !ok {
		return &NotFoundError{Kind: "customer", ID: customerID}
	}
	c.LoyaltyPoints += points
	c.TotalSpent = c.TotalSpent.Add(amount)
	c.OrderCount++
	c.LastOrderDate = d.now().UTC()
	d.customers[customerID] = c
	return nil
}
