package aggregate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/stores"
)

// StoreLister returns the active stores; the directory repository implements it.
type StoreLister interface {
	ActiveStores(ctx context.Context) ([]models.Store, error)
}

// Registry builds adapters for the active directory stores and reuses them
// until a store's adapter kind or base URL changes.
type Registry struct {
	lister  StoreLister
	factory *stores.Factory

	mu       sync.Mutex
	adapters map[string]*stores.Adapter
}

// NewRegistry returns a Source backed by the store directory.
func NewRegistry(lister StoreLister, factory *stores.Factory) *Registry {
	return &Registry{
		lister:   lister,
		factory:  factory,
		adapters: make(map[string]*stores.Adapter),
	}
}

// Searchers implements Source.
func (r *Registry) Searchers(ctx context.Context) (map[string]Searcher, error) {
	active, err := r.lister.ActiveStores(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Searcher, len(active))
	for _, store := range active {
		adapter, ok := r.adapters[store.ID]
		if !ok || adapter.Store.Adapter != store.Adapter || adapter.Store.BaseURL != store.BaseURL {
			adapter, err = r.factory.Build(store)
			if err != nil {
				slog.Error("cannot build store adapter", slog.String("store", store.ID), slog.Any("error", err))
				continue
			}
			r.adapters[store.ID] = adapter
		}
		out[store.ID] = adapter
	}
	return out, nil
}
