package scraper

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// PageCache holds initial page text keyed by normalised URL. Entries expire
// after the TTL and are never served past it.
type PageCache struct {
	lru *expirable.LRU[string, string]
}

// NewPageCache returns a cache holding up to size pages for ttl.
func NewPageCache(size int, ttl time.Duration) *PageCache {
	if size <= 0 {
		size = 128
	}
	return &PageCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

// Get returns the cached page text for key.
func (c *PageCache) Get(key string) (string, bool) {
	return c.lru.Get(key)
}

// Add stores page text under key.
func (c *PageCache) Add(key, page string) {
	c.lru.Add(key, page)
}

// Purge drops every cached page.
func (c *PageCache) Purge() {
	c.lru.Purge()
}

// pageKey normalises an initial page URL so equivalent spellings share an entry.
func pageKey(store, raw string) string {
	normalized, err := purell.NormalizeURLString(raw,
		purell.FlagsSafe|
			purell.FlagsUsuallySafeNonGreedy|
			purell.FlagRemoveDirectoryIndex|
			purell.FlagRemoveFragment|
			purell.FlagSortQuery,
	)
	if err != nil {
		normalized = raw
	}
	return store + ":" + normalized
}

// HostLimiter applies a token bucket per upstream host.
type HostLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHostLimiter allows rps requests per second per host. rps <= 0 disables limiting.
func NewHostLimiter(rps float64, burst int) *HostLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to rawURL's host is allowed.
func (h *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	if h == nil || h.rps <= 0 {
		return nil
	}
	host := rawURL
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		host = parsed.Host
	}

	h.mu.Lock()
	limiter, ok := h.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(h.rps, h.burst)
		h.limiters[host] = limiter
	}
	h.mu.Unlock()

	return limiter.Wait(ctx)
}
