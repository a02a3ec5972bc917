// Package aggregate fans a search out to every store and merges the results.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
)

// Searcher returns one store's parsed listings for a term.
type Searcher interface {
	Search(ctx context.Context, term string) ([]models.Listing, error)
}

// Source supplies the searchers for the currently active stores.
type Source interface {
	Searchers(ctx context.Context) (map[string]Searcher, error)
}

// Static is a fixed Source.
type Static map[string]Searcher

func (s Static) Searchers(context.Context) (map[string]Searcher, error) {
	return s, nil
}

// Result is the merged outcome of one fan-out.
type Result struct {
	// Results holds every store's surviving listings sorted ascending by price.
	Results     []models.StoreResult
	StoreErrors []models.StoreError
	// ByStore has an entry for every attempted store, including ones that failed.
	ByStore map[string][]models.StoreResult
}

// Failed returns the error message recorded for store, if any.
func (r *Result) Failed(store string) (string, bool) {
	for _, e := range r.StoreErrors {
		if e.StoreID == store {
			return e.Error, true
		}
	}
	return "", false
}

// Aggregator queries stores concurrently. A failing store never affects the others.
type Aggregator struct {
	source Source
}

// New returns an Aggregator over source.
func New(source Source) *Aggregator {
	return &Aggregator{source: source}
}

type storeOutcome struct {
	store    string
	listings []models.StoreResult
	err      error
}

// SearchCard searches the given stores, or every active store when stores is
// empty. The returned error is set only when the store list itself could not
// be loaded; per-store failures are reported in Result.StoreErrors.
func (a *Aggregator) SearchCard(ctx context.Context, term string, stores []string) (*Result, error) {
	searchers, err := a.source.Searchers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load stores: %w", err)
	}

	targets := stores
	if len(targets) == 0 {
		targets = make([]string, 0, len(searchers))
		for id := range searchers {
			targets = append(targets, id)
		}
	}
	targets = slices.Clone(targets)
	sort.Strings(targets)
	targets = slices.Compact(targets)

	outcomes := make([]storeOutcome, len(targets))
	wg := sync.WaitGroup{}
	for i, store := range targets {
		outcomes[i].store = store
		searcher, ok := searchers[store]
		if !ok {
			outcomes[i].err = fmt.Errorf("store %s is not configured", store)
			continue
		}

		wg.Add(1)
		go func(i int, store string, searcher Searcher) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i].err = fmt.Errorf("store %s panicked: %v", store, r)
				}
			}()

			start := time.Now()
			listings, err := searcher.Search(ctx, term)
			if err != nil {
				outcomes[i].err = err
				return
			}
			outcomes[i].listings = filterListings(store, term, listings)
			slog.Debug("store search finished",
				slog.String("store", store),
				slog.Int("raw", len(listings)),
				slog.Int("matched", len(outcomes[i].listings)),
				slog.Duration("took", time.Since(start)),
			)
		}(i, store, searcher)
	}
	wg.Wait()

	result := &Result{ByStore: make(map[string][]models.StoreResult, len(targets))}
	for _, o := range outcomes {
		if o.err != nil {
			slog.Warn("store search failed",
				slog.String("store", o.store),
				slog.String("term", term),
				slog.Any("error", o.err),
			)
			result.StoreErrors = append(result.StoreErrors, models.StoreError{StoreID: o.store, Error: o.err.Error()})
			result.ByStore[o.store] = nil
			continue
		}
		result.ByStore[o.store] = o.listings
		result.Results = append(result.Results, o.listings...)
	}

	sort.SliceStable(result.Results, func(i, j int) bool {
		return result.Results[i].Price < result.Results[j].Price
	})
	return result, nil
}

func filterListings(store, term string, listings []models.Listing) []models.StoreResult {
	out := make([]models.StoreResult, 0, len(listings))
	for _, l := range listings {
		if !parser.MatchesQuery(l.Title, term) {
			continue
		}
		out = append(out, models.StoreResult{Listing: l, StoreID: store})
	}
	return out
}
