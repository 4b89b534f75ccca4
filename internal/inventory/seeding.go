package inventory

import (
	"context"
	"sync"

	"cafeorders/internal/orders"
)

// Store is an inventory whose counters can be initialized.
type Store interface {
	orders.InventoryClient
	Seed(ctx context.Context, itemID string, qty int64) error
}

// CatalogSeeded initializes missing stock counters from the catalog before the first
// reservation of each item. Counters that already exist are never overwritten.
type CatalogSeeded struct {
	Store
	catalog orders.Catalog

	mu     sync.Mutex
	seeded map[string]bool
}

// NewCatalogSeeded wraps store with catalog seeding.
func NewCatalogSeeded(store Store, catalog orders.Catalog) *CatalogSeeded {
	return &CatalogSeeded{Store: store, catalog: catalog, seeded: make(map[string]bool)}
}

// Reserve seeds unseen items, then reserves.
func (c *CatalogSeeded) Reserve(ctx context.Context, orderID string, items []orders.ReservationItem) (orders.Reservation, error) {
	for _, item := range items {
		if err := c.ensure(ctx, item.ItemID); err != nil {
			return orders.Reservation{}, err
		}
	}
	return c.Store.Reserve(ctx, orderID, items)
}

func (c *CatalogSeeded) ensure(ctx context.Context, itemID string) error {
	c.mu.Lock()
	done := c.seeded[itemID]
	c.mu.Unlock()
	if done {
		return nil
	}

	item, err := c.catalog.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if err := c.Store.Seed(ctx, itemID, item.AvailableStock); err != nil {
		return err
	}

	c.mu.Lock()
	c.seeded[itemID] = true
	c.mu.Unlock()
	return nil
}
