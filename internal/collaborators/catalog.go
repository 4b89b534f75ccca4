package collaborators

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cafeorders/internal/orders"

	"github.com/shopspring/decimal"
)

// CatalogClient reads menu items from the menu service.
type CatalogClient struct {
	client
}

// NewCatalogClient constructs a CatalogClient for baseURL. A nil hc uses a client
// bounded by timeout.
func NewCatalogClient(baseURL string, timeout time.Duration, hc *http.Client) *CatalogClient {
	return &CatalogClient{client: newClient(baseURL, timeout, hc)}
}

type menuItem struct {
	ID       string          `json:"id"`
	MongoID  string          `json:"_id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Stock    int64           `json:"stock"`
	Category string          `json:"category"`
}

// GetItem fetches GET /api/menu/{itemId}.
func (c *CatalogClient) GetItem(ctx context.Context, itemID string) (orders.CatalogItem, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return orders.CatalogItem{}, &orders.ValidationError{Field: "itemId", Reason: "required"}
	}

	var item menuItem
	if err := c.do(ctx, http.MethodGet, "/api/menu/"+url.PathEscape(itemID), nil, &item, "item", itemID); err != nil {
		return orders.CatalogItem{}, err
	}

	id := item.ID
	if id == "" {
		id = item.MongoID
	}
	if id == "" {
		id = itemID
	}
	return orders.CatalogItem{
		ID:             id,
		Name:           item.Name,
		Price:          item.Price,
		AvailableStock: item.Stock,
	}, nil
}
