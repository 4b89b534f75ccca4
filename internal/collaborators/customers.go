package collaborators

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cafeorders/internal/orders"

	"github.com/shopspring/decimal"
)

// CustomerClient talks to the customer service.
type CustomerClient struct {
	client
}

// NewCustomerClient constructs a CustomerClient for baseURL. A nil hc uses a client
// bounded by timeout.
func NewCustomerClient(baseURL string, timeout time.Duration, hc *http.Client) *CustomerClient {
	return &CustomerClient{client: newClient(baseURL, timeout, hc)}
}

// Exists fetches GET /api/customers/{id}; a 404 reports false.
func (c *CustomerClient) Exists(ctx context.Context, customerID string) (bool, error) {
	err := c.do(ctx, http.MethodGet, customerPath(customerID), nil, nil, "customer", customerID)
	if errors.Is(err, orders.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type pointsRequest struct {
	Points      int64           `json:"points"`
	OrderAmount decimal.Decimal `json:"orderAmount"`
}

// ApplyLoyalty posts {points, orderAmount} to /api/customers/{id}/points.
func (c *CustomerClient) ApplyLoyalty(ctx context.Context, customerID string, points int64, amount decimal.Decimal) error {
	return c.do(ctx, http.MethodPost, customerPath(customerID)+"/points",
		pointsRequest{Points: points, OrderAmount: amount}, nil, "customer", customerID)
}

func customerPath(customerID string) string {
	return "/api/customers/" + url.PathEscape(strings.TrimSpace(customerID))
}
