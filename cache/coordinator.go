package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
)

const (
	DefaultResultTTL   = 24 * time.Hour
	DefaultLockTTL     = 5 * time.Minute
	DefaultWaitTimeout = 60 * time.Second

	// SchedulerStatusKey holds the singleton bulk scrape status.
	SchedulerStatusKey = "scheduler:job-status"

	eventReadTimeout = 5 * time.Second
)

// ResultKey is the key of the cached entry for (item, store).
func ResultKey(item, store string) string {
	return "item:" + item + ":store:" + store
}

// LockKey is the key of the scrape lock for (item, store).
func LockKey(item, store string) string {
	return "scraping:" + item + ":store:" + store
}

// ResultPattern matches every store's result key for item.
func ResultPattern(item string) string {
	return "item:" + escapeGlob(item) + ":store:*"
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Options tune a Coordinator. Zero values fall back to the defaults.
type Options struct {
	ResultTTL time.Duration
	LockTTL   time.Duration
	Metrics   *Metrics
}

// Coordinator owns result entries, scrape locks and completion waits for all
// items. Waits for the same item share one backend subscription.
type Coordinator struct {
	backend   Backend
	resultTTL time.Duration
	lockTTL   time.Duration
	metrics   *Metrics

	mu      sync.Mutex
	watches map[string]*itemWatch
}

type waiter struct {
	pending  map[string]struct{}
	results  map[string]*models.StoreCacheEntry
	done     chan struct{}
	released bool
	lost     bool
}

type itemWatch struct {
	sub     Subscription
	waiters map[*waiter]struct{}
	ready   chan struct{}
	stop    chan struct{}
	err     error
	closed  bool
}

// NewCoordinator returns a Coordinator over backend.
func NewCoordinator(backend Backend, opts Options) *Coordinator {
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	return &Coordinator{
		backend:   backend,
		resultTTL: opts.ResultTTL,
		lockTTL:   opts.LockTTL,
		metrics:   opts.Metrics,
		watches:   make(map[string]*itemWatch),
	}
}

// Ping checks that the backend is reachable.
func (c *Coordinator) Ping(ctx context.Context) error {
	return c.backend.Ping(ctx)
}

// SetStoreResult writes the entry for (item, store). A zero ts means now.
func (c *Coordinator) SetStoreResult(ctx context.Context, item, store string, results []models.StoreResult, errMsg string, retryCount int, ts time.Time) error {
	if ts.IsZero() {
		ts = time.Now()
	}
	if results == nil {
		results = []models.StoreResult{}
	}
	entry := models.StoreCacheEntry{
		StoreID:    store,
		Results:    results,
		Timestamp:  ts.UTC(),
		Error:      errMsg,
		RetryCount: retryCount,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	key := ResultKey(parser.NormalizeItemName(item), store)
	if err := c.backend.Set(ctx, key, raw, c.resultTTL); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetStoreResult returns the entry for (item, store), or nil if absent.
func (c *Coordinator) GetStoreResult(ctx context.Context, item, store string) (*models.StoreCacheEntry, error) {
	key := ResultKey(parser.NormalizeItemName(item), store)
	entry, err := c.readEntry(ctx, key)
	if err != nil {
		return nil, err
	}
	c.metrics.read(entry != nil)
	return entry, nil
}

// GetStoreResults reads several stores in one round trip. Absent stores are
// missing from the map.
func (c *Coordinator) GetStoreResults(ctx context.Context, item string, stores []string) (map[string]*models.StoreCacheEntry, error) {
	return c.getEntries(ctx, parser.NormalizeItemName(item), stores)
}

func (c *Coordinator) getEntries(ctx context.Context, norm string, stores []string) (map[string]*models.StoreCacheEntry, error) {
	out := make(map[string]*models.StoreCacheEntry, len(stores))
	if len(stores) == 0 {
		return out, nil
	}
	keys := make([]string, len(stores))
	for i, s := range stores {
		keys[i] = ResultKey(norm, s)
	}
	vals, err := c.backend.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("mget %s: %w", norm, err)
	}
	for i, raw := range vals {
		if raw == nil {
			c.metrics.read(false)
			continue
		}
		entry, err := decodeEntry(keys[i], raw)
		if err != nil {
			c.metrics.read(false)
			continue
		}
		c.metrics.read(true)
		out[stores[i]] = entry
	}
	return out, nil
}

func (c *Coordinator) readEntry(ctx context.Context, key string) (*models.StoreCacheEntry, error) {
	raw, err := c.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	entry, err := decodeEntry(key, raw)
	if err != nil {
		return nil, nil
	}
	return entry, nil
}

func decodeEntry(key string, raw []byte) (*models.StoreCacheEntry, error) {
	var entry models.StoreCacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		slog.Warn("discarding unreadable cache entry", slog.String("key", key), slog.Any("error", err))
		return nil, err
	}
	return &entry, nil
}

// TryAcquireScrapeLock atomically takes the lock for (item, store). It
// returns false when another token holds it.
func (c *Coordinator) TryAcquireScrapeLock(ctx context.Context, item, store, token string) (bool, error) {
	key := LockKey(parser.NormalizeItemName(item), store)
	ok, err := c.backend.SetNX(ctx, key, []byte(token), c.lockTTL)
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	if ok {
		c.metrics.lock("acquired")
	} else {
		c.metrics.lock("contended")
	}
	return ok, nil
}

// ReleaseScrapeLock deletes the lock if token still holds it.
func (c *Coordinator) ReleaseScrapeLock(ctx context.Context, item, store, token string) error {
	key := LockKey(parser.NormalizeItemName(item), store)
	ok, err := c.backend.CompareAndDelete(ctx, key, []byte(token))
	if err != nil {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	if !ok {
		slog.Debug("scrape lock already gone or taken over", slog.String("key", key))
	}
	return nil
}

// IsScraping reports whether a lock is held for (item, store).
func (c *Coordinator) IsScraping(ctx context.Context, item, store string) (bool, error) {
	return c.backend.Exists(ctx, LockKey(parser.NormalizeItemName(item), store))
}

// ClaimStores locks every free store for token in one atomic step and
// returns the stores it took, sorted. Stores another request holds are left
// to it, so a concurrent caller never observes a partly claimed set: each
// store is either locked until its result is written or already settled.
func (c *Coordinator) ClaimStores(ctx context.Context, item string, stores []string, token string) ([]string, error) {
	norm := parser.NormalizeItemName(item)
	sorted := slices.Clone(stores)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)
	if len(sorted) == 0 {
		return nil, nil
	}

	keys := make([]string, len(sorted))
	for i, store := range sorted {
		keys[i] = LockKey(norm, store)
	}
	taken, err := c.backend.SetNXMany(ctx, keys, []byte(token), c.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", norm, err)
	}

	var acquired []string
	for i, store := range sorted {
		if taken[i] {
			c.metrics.lock("acquired")
			acquired = append(acquired, store)
		} else {
			c.metrics.lock("contended")
		}
	}
	return acquired, nil
}

// WaitForCompletion blocks until every store in stores has a result written
// at or after since, or has no scrape in flight. It returns the entries seen
// so far when timeout elapses, and empty results if the backend connection
// drops. Only a backend failure before waiting starts is returned as an error;
// a cancelled ctx returns the partial results with ctx.Err().
func (c *Coordinator) WaitForCompletion(ctx context.Context, item string, stores []string, since time.Time, timeout time.Duration) (map[string]*models.StoreCacheEntry, error) {
	norm := parser.NormalizeItemName(item)
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	w := &waiter{
		pending: make(map[string]struct{}, len(stores)),
		results: make(map[string]*models.StoreCacheEntry, len(stores)),
		done:    make(chan struct{}),
	}
	for _, s := range stores {
		w.pending[s] = struct{}{}
	}
	if len(w.pending) == 0 {
		return w.results, nil
	}

	watch, err := c.attach(ctx, norm, w)
	if err != nil {
		return nil, err
	}
	c.metrics.waiters(1)
	defer func() {
		c.metrics.waiters(-1)
		c.detach(norm, watch, w)
	}()

	if err := c.settleFromCache(ctx, norm, watch, w, since); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		c.mu.Lock()
		lost := w.lost
		c.mu.Unlock()
		if lost {
			c.metrics.wait("conn_lost")
		} else {
			c.metrics.wait("completed")
		}
	case <-timer.C:
		c.metrics.wait("timeout")
		slog.Warn("wait for scrape completion timed out",
			slog.String("item", norm),
			slog.Duration("timeout", timeout),
			slog.Int("pending", c.pendingCount(w)),
		)
	case <-ctx.Done():
		c.metrics.wait("cancelled")
		return c.snapshot(w), ctx.Err()
	}
	return c.snapshot(w), nil
}

// settleFromCache runs after the subscription is live. Lock state is read
// before the entries so a worker that wrote and unlocked in between is seen
// through its fresh entry.
func (c *Coordinator) settleFromCache(ctx context.Context, norm string, watch *itemWatch, w *waiter, since time.Time) error {
	c.mu.Lock()
	stores := make([]string, 0, len(w.pending))
	for s := range w.pending {
		stores = append(stores, s)
	}
	c.mu.Unlock()

	locked := make(map[string]bool, len(stores))
	for _, s := range stores {
		held, err := c.backend.Exists(ctx, LockKey(norm, s))
		if err != nil {
			return fmt.Errorf("check lock %s/%s: %w", norm, s, err)
		}
		locked[s] = held
	}
	entries, err := c.getEntries(ctx, norm, stores)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range stores {
		entry := entries[s]
		fresh := entry != nil && !entry.Timestamp.Before(since)
		if fresh || !locked[s] {
			c.settleLocked(watch, w, s, entry)
		}
	}
	return nil
}

func (c *Coordinator) attach(ctx context.Context, norm string, w *waiter) (*itemWatch, error) {
	c.mu.Lock()
	if watch, ok := c.watches[norm]; ok {
		watch.waiters[w] = struct{}{}
		c.mu.Unlock()

		select {
		case <-watch.ready:
		case <-ctx.Done():
			c.detach(norm, watch, w)
			return nil, ctx.Err()
		}
		c.mu.Lock()
		err := watch.err
		c.mu.Unlock()
		if err != nil {
			c.detach(norm, watch, w)
			return nil, err
		}
		return watch, nil
	}

	watch := &itemWatch{
		waiters: map[*waiter]struct{}{w: {}},
		ready:   make(chan struct{}),
		stop:    make(chan struct{}),
	}
	c.watches[norm] = watch
	c.mu.Unlock()

	sub, err := c.backend.Subscribe(ctx, ResultPattern(norm))

	c.mu.Lock()
	if err != nil {
		watch.err = fmt.Errorf("subscribe %s: %w", norm, err)
		c.closeWatchLocked(norm, watch)
		close(watch.ready)
		c.mu.Unlock()
		return nil, watch.err
	}
	watch.sub = sub
	c.metrics.subscriptions(1)
	close(watch.ready)
	c.mu.Unlock()

	go c.run(norm, watch)
	return watch, nil
}

func (c *Coordinator) detach(norm string, watch *itemWatch, w *waiter) {
	c.mu.Lock()
	delete(watch.waiters, w)
	var sub Subscription
	if len(watch.waiters) == 0 {
		sub = c.closeWatchLocked(norm, watch)
	}
	c.mu.Unlock()

	if sub != nil {
		if err := sub.Close(); err != nil {
			slog.Debug("close subscription", slog.String("item", norm), slog.Any("error", err))
		}
	}
}

// closeWatchLocked retires watch and returns its subscription for closing
// outside the lock. It is a no-op for an already retired watch.
func (c *Coordinator) closeWatchLocked(norm string, watch *itemWatch) Subscription {
	if watch.closed {
		return nil
	}
	watch.closed = true
	if c.watches[norm] == watch {
		delete(c.watches, norm)
	}
	close(watch.stop)
	if watch.sub != nil {
		c.metrics.subscriptions(-1)
	}
	return watch.sub
}

func (c *Coordinator) run(norm string, watch *itemWatch) {
	prefix := ResultKey(norm, "")
	events := watch.sub.Events()
	for {
		select {
		case <-watch.stop:
			return
		case ev, ok := <-events:
			if !ok || ev.Op == OpConnLost {
				c.connLost(norm, watch)
				return
			}
			if ev.Op != OpSet {
				continue
			}
			store, found := strings.CutPrefix(ev.Key, prefix)
			if !found || store == "" {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), eventReadTimeout)
			entry, err := c.readEntry(ctx, ev.Key)
			cancel()
			if err != nil {
				slog.Warn("cannot read notified entry", slog.String("key", ev.Key), slog.Any("error", err))
				continue
			}

			c.mu.Lock()
			for w := range watch.waiters {
				c.settleLocked(watch, w, store, entry)
			}
			c.mu.Unlock()
		}
	}
}

// connLost releases every waiter of watch with empty results. Waiters that
// arrive later open a fresh subscription.
func (c *Coordinator) connLost(norm string, watch *itemWatch) {
	c.mu.Lock()
	released := len(watch.waiters)
	for w := range watch.waiters {
		w.results = make(map[string]*models.StoreCacheEntry)
		w.lost = true
		release(w)
		delete(watch.waiters, w)
	}
	sub := c.closeWatchLocked(norm, watch)
	c.mu.Unlock()

	slog.Warn("coordination connection lost, releasing waiters",
		slog.String("item", norm),
		slog.Int("waiters", released),
	)
	if sub != nil {
		sub.Close()
	}
}

func (c *Coordinator) settleLocked(watch *itemWatch, w *waiter, store string, entry *models.StoreCacheEntry) {
	if _, ok := w.pending[store]; !ok {
		return
	}
	delete(w.pending, store)
	if entry != nil {
		w.results[store] = entry
	}
	if len(w.pending) == 0 {
		release(w)
		delete(watch.waiters, w)
	}
}

func release(w *waiter) {
	if w.released {
		return
	}
	w.released = true
	close(w.done)
}

func (c *Coordinator) snapshot(w *waiter) map[string]*models.StoreCacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*models.StoreCacheEntry, len(w.results))
	for k, v := range w.results {
		out[k] = v
	}
	return out
}

func (c *Coordinator) pendingCount(w *waiter) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(w.pending)
}

// SchedulerJobStatus returns the last recorded bulk scrape status, or nil.
func (c *Coordinator) SchedulerJobStatus(ctx context.Context) (*models.SchedulerJobStatus, error) {
	raw, err := c.backend.Get(ctx, SchedulerStatusKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduler status: %w", err)
	}
	var status models.SchedulerJobStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("decode scheduler status: %w", err)
	}
	return &status, nil
}

// SetSchedulerJobStatus overwrites the bulk scrape status. It never expires.
func (c *Coordinator) SetSchedulerJobStatus(ctx context.Context, status models.SchedulerJobStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode scheduler status: %w", err)
	}
	return c.backend.Set(ctx, SchedulerStatusKey, raw, 0)
}
