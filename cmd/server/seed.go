package main

import (
	"encoding/json"
	"fmt"
	"os"

	"cafeorders/internal/orders"
)

// seedData is the local-run fixture for the in-memory catalog and customer directory.
//
//	{"items": [{"id": "latte", "name": "Latte", "price": "4.50", "stock": 20}],
//	 "customers": [{"id": "c1", "name": "Ada"}]}
type seedData struct {
	Items     []orders.CatalogItem `json:"items"`
	Customers []orders.Customer    `json:"customers"`
}

func loadSeed(path string) (seedData, error) {
	var seed seedData
	if path == "" {
		return seed, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return seed, fmt.Errorf("read seed file: %w", err)
	}
	if err := json.Unmarshal(raw, &seed); err != nil {
		return seed, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	for i, item := range seed.Items {
		if item.ID == "" {
			return seed, fmt.Errorf("seed item %d: id is required", i)
		}
		if item.Price.IsNegative() || item.AvailableStock < 0 {
			return seed, fmt.Errorf("seed item %s: price and stock must be >= 0", item.ID)
		}
	}
	for i, c := range seed.Customers {
		if c.ID == "" {
			return seed, fmt.Errorf("seed customer %d: id is required", i)
		}
	}
	return seed, nil
}
