// Package stores pairs each storefront kind with a fixed extraction spec and a parser.
package stores

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/scraper"
	"github.com/gocolly/colly/v2"
)

// DefaultCurrency is stamped on listings whose store response carries no currency.
const DefaultCurrency = "SGD"

// Parser turns one raw store response into listings. A valid response with
// nothing in stock yields an empty slice and a nil error; a response whose
// shape is wrong yields an error wrapping parser.ErrUnexpectedResponse.
type Parser interface {
	ExtractItems(raw string) ([]models.Listing, error)
}

// Loader performs the storefront request; *scraper.Engine implements it.
type Loader interface {
	Search(ctx context.Context, term string) (*scraper.Response, error)
}

// Adapter is the loader/parser pair for one store.
type Adapter struct {
	Store  models.Store
	Loader Loader
	Parser Parser
}

// Search loads and parses the store's listings for term.
func (a *Adapter) Search(ctx context.Context, term string) ([]models.Listing, error) {
	resp, err := a.Loader.Search(ctx, term)
	if err != nil {
		return nil, err
	}
	listings, err := a.Parser.ExtractItems(resp.Text)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.Store.ID, err)
	}
	return listings, nil
}

type kind struct {
	spec   func(baseURL string) scraper.Spec
	parser func(baseURL, currency string) Parser
}

var kinds = map[string]kind{
	"binderpos": {spec: binderPOSSpec, parser: func(base, currency string) Parser { return &BinderPOSParser{BaseURL: base, Currency: currency} }},
	"shopify":   {spec: shopifySpec, parser: func(base, currency string) Parser { return &ShopifyParser{BaseURL: base, Currency: currency} }},
	"crystal":   {spec: crystalSpec, parser: func(base, currency string) Parser { return &CrystalParser{BaseURL: base, Currency: currency} }},
	"algolia":   {spec: algoliaSpec, parser: func(base, currency string) Parser { return &AlgoliaParser{BaseURL: base, Currency: currency} }},
}

// Kinds lists the supported adapter kinds.
func Kinds() []string {
	out := make([]string, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SupportsKind reports whether an adapter kind exists.
func SupportsKind(name string) bool {
	_, ok := kinds[strings.ToLower(name)]
	return ok
}

// Factory builds adapters that share one collector and engine options.
type Factory struct {
	Collector *colly.Collector
	Options   scraper.Options
	Currency  string
}

// Build returns the adapter for a directory store.
func (f *Factory) Build(store models.Store) (*Adapter, error) {
	k, ok := kinds[strings.ToLower(store.Adapter)]
	if !ok {
		return nil, fmt.Errorf("store %s: unknown adapter %q", store.ID, store.Adapter)
	}
	base := strings.TrimRight(store.BaseURL, "/")

	spec := k.spec(base)
	spec.Name = store.ID
	engine, err := scraper.NewEngine(spec, f.Collector, f.Options)
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", store.ID, err)
	}

	currency := f.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return &Adapter{
		Store:  store,
		Loader: engine,
		Parser: k.parser(base, currency),
	}, nil
}

// absoluteURL resolves ref against base; invalid input is returned unchanged.
func absoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

func skipEntry(store string, index int, err error) {
	slog.Warn("skipping malformed listing",
		slog.String("store", store),
		slog.Int("index", index),
		slog.Any("error", err),
	)
}
