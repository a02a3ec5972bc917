// Package models defines data structures shared by the scraper, cache and service layers.
package models

import (
	"strings"
	"time"
)

// Condition is the canonical wear grade of a listing.
type Condition string

const (
	ConditionNew          Condition = "new"
	ConditionLightPlay    Condition = "light-play"
	ConditionModeratePlay Condition = "moderate-play"
	ConditionHeavyPlay    Condition = "heavy-play"
	ConditionUnknown      Condition = "unknown"
)

// ParseCondition maps a canonical condition string back to its enum value.
func ParseCondition(s string) Condition {
	switch Condition(strings.ToLower(strings.TrimSpace(s))) {
	case ConditionNew:
		return ConditionNew
	case ConditionLightPlay:
		return ConditionLightPlay
	case ConditionModeratePlay:
		return ConditionModeratePlay
	case ConditionHeavyPlay:
		return ConditionHeavyPlay
	default:
		return ConditionUnknown
	}
}

// Listing is one priced, in-stock unit of an item produced by a store parser.
type Listing struct {
	Title           string    `csv:"title" json:"title"`
	Price           int64     `csv:"price" json:"price"` // minor currency units
	Currency        string    `csv:"currency" json:"currency"`
	Condition       Condition `csv:"condition" json:"condition"`
	ImageURL        string    `csv:"image_url" json:"imageUrl"`
	URL             string    `csv:"url" json:"url"`
	SetCode         string    `csv:"set_code" json:"setCode"`
	CollectorNumber string    `csv:"collector_number" json:"collectorNumber"`
	CatalogID       string    `csv:"catalog_id" json:"catalogId,omitempty"`
}

// StoreResult is a Listing tagged with the store that produced it.
type StoreResult struct {
	Listing
	StoreID string `csv:"store_id" json:"storeId"`
}

// StoreError reports a store-level scrape failure.
type StoreError struct {
	StoreID    string `json:"storeId"`
	Error      string `json:"error"`
	RetryCount int    `json:"retryCount,omitempty"`
	Exhausted  bool   `json:"exhausted,omitempty"`
}

// StoreCacheEntry is the cached outcome of scraping one store for one item.
type StoreCacheEntry struct {
	StoreID    string        `json:"storeId"`
	Results    []StoreResult `json:"results"`
	Timestamp  time.Time     `json:"timestamp"`
	Error      string        `json:"error,omitempty"`
	RetryCount int           `json:"retryCount,omitempty"`
}

// Failed reports whether the entry records a scrape error.
func (e *StoreCacheEntry) Failed() bool {
	return e != nil && e.Error != ""
}

// Retryable reports whether the entry failed and has not exhausted its retries.
func (e *StoreCacheEntry) Retryable(maxRetries int) bool {
	return e.Failed() && e.RetryCount < maxRetries
}
