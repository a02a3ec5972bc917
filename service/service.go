// Package service answers item lookups from the shared cache, starting or
// joining a scrape when stores are missing or due for a retry.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
	"github.com/aluiziolira/go-price-scout/pipeline"
)

var tracer = otel.Tracer("github.com/aluiziolira/go-price-scout/service")

var (
	ErrEmptyItem = errors.New("service: item name is empty")
	ErrNoStores  = errors.New("service: no active stores")

	// ErrAlreadyScraping is returned by Rescrape when another job holds the item.
	ErrAlreadyScraping = errors.New("service: item is already being scraped")
)

const (
	DefaultMaxStoreRetries = 2
	DefaultWaitTimeout     = 60 * time.Second
)

// Coordinator is the part of the cache layer the orchestrator needs.
type Coordinator interface {
	GetStoreResults(ctx context.Context, item string, stores []string) (map[string]*models.StoreCacheEntry, error)
	ClaimStores(ctx context.Context, item string, stores []string, token string) ([]string, error)
	ReleaseScrapeLock(ctx context.Context, item, store, token string) error
	WaitForCompletion(ctx context.Context, item string, stores []string, since time.Time, timeout time.Duration) (map[string]*models.StoreCacheEntry, error)
}

// Enqueuer submits scrape jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.ScrapeJob) (*pipeline.Handle, error)
}

// Directory lists the active stores.
type Directory interface {
	ActiveStores(ctx context.Context) ([]models.Store, error)
}

// Options tune a Service.
type Options struct {
	MaxStoreRetries int
	WaitTimeout     time.Duration
	Metrics         *Metrics
}

// Service is the read-through orchestrator.
type Service struct {
	dir         Directory
	coord       Coordinator
	jobs        Enqueuer
	maxRetries  int
	waitTimeout time.Duration
	metrics     *Metrics
	now         func() time.Time
}

// New wires a Service. A negative MaxStoreRetries disables automatic retries.
func New(dir Directory, coord Coordinator, jobs Enqueuer, opts Options) *Service {
	if opts.MaxStoreRetries == 0 {
		opts.MaxStoreRetries = DefaultMaxStoreRetries
	}
	if opts.MaxStoreRetries < 0 {
		opts.MaxStoreRetries = 0
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
	return &Service{
		dir:         dir,
		coord:       coord,
		jobs:        jobs,
		maxRetries:  opts.MaxStoreRetries,
		waitTimeout: opts.WaitTimeout,
		metrics:     opts.Metrics,
		now:         time.Now,
	}
}

// GetItem returns the aggregated listings for name. Store failures are
// reported inside the response; only directory or cache failures are errors.
func (s *Service) GetItem(ctx context.Context, name string) (*models.AggregateResponse, error) {
	ctx, span := tracer.Start(ctx, "service.GetItem")
	defer span.End()

	resp, outcome, err := s.getItem(ctx, name)
	span.SetAttributes(attribute.String("item", name), attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if outcome == "" {
			outcome = "error"
		}
	}
	s.metrics.request(outcome)
	return resp, err
}

func (s *Service) getItem(ctx context.Context, name string) (*models.AggregateResponse, string, error) {
	norm := parser.NormalizeItemName(name)
	if norm == "" {
		return nil, "invalid", ErrEmptyItem
	}

	stores, err := s.dir.ActiveStores(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("list stores: %w", err)
	}
	if len(stores) == 0 {
		return nil, "", ErrNoStores
	}
	ids := storeIDs(stores)

	// since is taken before the cache read so any write we then wait for is
	// newer than it.
	since := s.now()
	entries, err := s.coord.GetStoreResults(ctx, norm, ids)
	if err != nil {
		return nil, "", fmt.Errorf("read cache: %w", err)
	}

	targets, retry := s.targets(ids, entries)
	if len(targets) == 0 {
		return s.buildResponse(name, stores, entries), "hit", nil
	}

	outcome, err := s.scrapeAndWait(ctx, norm, targets, retry, since)
	if err != nil {
		return nil, "", err
	}

	entries, err = s.coord.GetStoreResults(ctx, norm, ids)
	if err != nil {
		return nil, "", fmt.Errorf("re-read cache: %w", err)
	}
	return s.buildResponse(name, stores, entries), outcome, nil
}

// targets returns the stores that need a scrape: those never scraped and
// those whose last error still has retries left.
func (s *Service) targets(ids []string, entries map[string]*models.StoreCacheEntry) ([]string, map[string]models.RetryContext) {
	var (
		targets []string
		retry   map[string]models.RetryContext
	)
	for _, id := range ids {
		entry, ok := entries[id]
		switch {
		case !ok:
			targets = append(targets, id)
		case entry.Retryable(s.maxRetries):
			if retry == nil {
				retry = make(map[string]models.RetryContext)
			}
			retry[id] = models.RetryContext{Error: entry.Error, RetryCount: entry.RetryCount}
			targets = append(targets, id)
		}
	}
	return targets, retry
}

func (s *Service) scrapeAndWait(ctx context.Context, norm string, targets []string, retry map[string]models.RetryContext, since time.Time) (string, error) {
	token := uuid.NewString()
	claimed, err := s.coord.ClaimStores(ctx, norm, targets, token)
	if err != nil {
		return "", fmt.Errorf("claim stores: %w", err)
	}

	outcome := "joined"
	if len(claimed) > 0 {
		outcome = "scraped"
		job := models.ScrapeJob{
			Item:           norm,
			NormalizedItem: norm,
			Priority:       models.PriorityHigh,
			RequestID:      uuid.NewString(),
			LockToken:      token,
			Stores:         claimed,
			Retry:          subset(retry, claimed),
		}
		if _, err := s.jobs.Enqueue(ctx, job); err != nil {
			s.release(norm, claimed, token)
			return "", fmt.Errorf("enqueue scrape: %w", err)
		}
		slog.Info("scrape enqueued",
			slog.String("item", norm),
			slog.String("request", job.RequestID),
			slog.Any("stores", claimed),
			slog.Int("retrying", len(job.Retry)),
		)
	} else {
		slog.Debug("joining in-flight scrape", slog.String("item", norm), slog.Any("stores", targets))
	}

	if _, err := s.coord.WaitForCompletion(ctx, norm, targets, since, s.waitTimeout); err != nil {
		return "", fmt.Errorf("wait for scrape: %w", err)
	}
	return outcome, nil
}

// Rescrape claims the idle active stores for name and submits a job without
// waiting for it. Stores already being scraped are left to their owner;
// ErrAlreadyScraping is returned only when none could be claimed. The caller
// may ignore the returned handle.
func (s *Service) Rescrape(ctx context.Context, name string, priority models.Priority) (*pipeline.Handle, error) {
	norm := parser.NormalizeItemName(name)
	if norm == "" {
		return nil, ErrEmptyItem
	}
	stores, err := s.dir.ActiveStores(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	if len(stores) == 0 {
		return nil, ErrNoStores
	}

	token := uuid.NewString()
	claimed, err := s.coord.ClaimStores(ctx, norm, storeIDs(stores), token)
	if err != nil {
		return nil, fmt.Errorf("claim stores: %w", err)
	}
	if len(claimed) == 0 {
		return nil, ErrAlreadyScraping
	}

	h, err := s.jobs.Enqueue(ctx, models.ScrapeJob{
		Item:           norm,
		NormalizedItem: norm,
		Priority:       priority,
		RequestID:      uuid.NewString(),
		LockToken:      token,
		Stores:         claimed,
	})
	if err != nil {
		s.release(norm, claimed, token)
		return nil, fmt.Errorf("enqueue scrape: %w", err)
	}
	s.metrics.request("rescrape")
	return h, nil
}

func (s *Service) release(norm string, stores []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, store := range stores {
		if err := s.coord.ReleaseScrapeLock(ctx, norm, store, token); err != nil {
			slog.Warn("release scrape lock", slog.String("item", norm), slog.String("store", store), slog.Any("error", err))
		}
	}
}

func (s *Service) buildResponse(name string, stores []models.Store, entries map[string]*models.StoreCacheEntry) *models.AggregateResponse {
	resp := &models.AggregateResponse{
		ItemName:  strings.TrimSpace(name),
		Listings:  []models.StoreResult{},
		Stores:    []models.StoreSummary{},
		Timestamp: s.now().UTC(),
	}

	for _, store := range stores {
		entry, ok := entries[store.ID]
		if !ok {
			continue
		}
		resp.Listings = append(resp.Listings, entry.Results...)
		if summary, ok := summarize(store, entry.Results); ok {
			resp.Stores = append(resp.Stores, summary)
		}
		if entry.Failed() {
			resp.StoreErrors = append(resp.StoreErrors, models.StoreError{
				StoreID:    store.ID,
				Error:      entry.Error,
				RetryCount: entry.RetryCount,
				Exhausted:  !entry.Retryable(s.maxRetries),
			})
		}
	}

	sort.SliceStable(resp.Listings, func(i, j int) bool {
		return resp.Listings[i].Price < resp.Listings[j].Price
	})
	sort.Slice(resp.Stores, func(i, j int) bool {
		a, b := resp.Stores[i], resp.Stores[j]
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.StoreID < b.StoreID
	})
	sort.Slice(resp.StoreErrors, func(i, j int) bool {
		return resp.StoreErrors[i].StoreID < resp.StoreErrors[j].StoreID
	})
	resp.PriceStats = PriceStats(resp.Listings)
	return resp
}

func summarize(store models.Store, results []models.StoreResult) (models.StoreSummary, bool) {
	if len(results) == 0 {
		return models.StoreSummary{}, false
	}
	lowest := results[0].Price
	for _, r := range results[1:] {
		if r.Price < lowest {
			lowest = r.Price
		}
	}
	display := store.DisplayName
	if display == "" {
		display = store.ID
	}
	return models.StoreSummary{
		StoreID:     store.ID,
		DisplayName: display,
		Count:       len(results),
		MinPrice:    lowest,
	}, true
}

// PriceStats computes min, max and mean price. No listings yields all zeros.
func PriceStats(listings []models.StoreResult) models.PriceStats {
	if len(listings) == 0 {
		return models.PriceStats{}
	}
	stats := models.PriceStats{Min: listings[0].Price, Max: listings[0].Price, Count: len(listings)}
	var sum int64
	for _, l := range listings {
		if l.Price < stats.Min {
			stats.Min = l.Price
		}
		if l.Price > stats.Max {
			stats.Max = l.Price
		}
		sum += l.Price
	}
	stats.Avg = float64(sum) / float64(len(listings))
	return stats
}

func storeIDs(stores []models.Store) []string {
	ids := make([]string, len(stores))
	for i, s := range stores {
		ids[i] = s.ID
	}
	sort.Strings(ids)
	return ids
}

func subset(retry map[string]models.RetryContext, stores []string) map[string]models.RetryContext {
	if len(retry) == 0 {
		return nil
	}
	out := make(map[string]models.RetryContext)
	for _, s := range stores {
		if rc, ok := retry[s]; ok {
			out[s] = rc
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
