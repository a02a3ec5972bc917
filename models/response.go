package models

import "time"

// PriceStats summarises listing prices in minor currency units.
type PriceStats struct {
	Min   int64   `json:"min"`
	Max   int64   `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// StoreSummary is the per-store line of an aggregate response.
type StoreSummary struct {
	StoreID     string `json:"storeId"`
	DisplayName string `json:"displayName"`
	Count       int    `json:"count"`
	MinPrice    int64  `json:"minPrice"`
}

// AggregateResponse is what callers of the item lookup receive.
type AggregateResponse struct {
	ItemName    string         `json:"itemName"`
	Stores      []StoreSummary `json:"perStoreSummary"`
	PriceStats  PriceStats     `json:"priceStats"`
	Listings    []StoreResult  `json:"listings"`
	Timestamp   time.Time      `json:"timestamp"`
	StoreErrors []StoreError   `json:"storeErrors,omitempty"`
}
