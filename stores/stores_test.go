package stores

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
	"github.com/gocolly/colly/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/jarcoal/httpmock"
)

func TestBinderPOSParser(t *testing.T) {
	p := &BinderPOSParser{BaseURL: "https://agora.test", Currency: "SGD"}

	raw := `{"count":3,"products":[
		{"title":"Sol Ring","setCode":"cmr","collectorNumber":"334","img":"https://img.test/sol.jpg","handle":"sol-ring-cmr","tcgplayerId":1234,
		 "variants":[{"shopifyId":11,"title":"Near Mint","price":2.5,"quantity":3},{"shopifyId":12,"title":"Lightly Played","price":1.8,"quantity":0}]},
		{"title":"","handle":"broken"},
		{"title":"Sol Ring","handle":"sol-ring-c21","variants":"not-a-list"},
		{"title":"Sol Ring","handle":"sol-ring-c21-foil","variants":[{"shopifyId":21,"title":"Moderately Played Foil","price":12,"quantity":1}]}
	]}`

	got, err := p.ExtractItems(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []models.Listing{
		{
			Title:           "Sol Ring",
			Price:           250,
			Currency:        "SGD",
			Condition:       models.ConditionNew,
			ImageURL:        "https://img.test/sol.jpg",
			URL:             "https://agora.test/products/sol-ring-cmr?variant=11",
			SetCode:         "CMR",
			CollectorNumber: "334",
			CatalogID:       "1234",
		},
		{
			Title:     "Sol Ring",
			Price:     1200,
			Currency:  "SGD",
			Condition: models.ConditionModeratePlay,
			URL:       "https://agora.test/products/sol-ring-c21-foil?variant=21",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestShopifyParser(t *testing.T) {
	p := &ShopifyParser{BaseURL: "https://cards.test", Currency: "SGD"}

	raw := `{"resources":{"results":{"products":[
		{"id":901,"title":"Sol Ring [C21] #263 (Lightly Played)","price":"3.20","available":true,"url":"/products/sol-ring?_pos=1","image":"//cdn.test/sol.png"},
		{"id":902,"title":"Sol Ring [CMR]","price":"2.00","available":false,"url":"/products/sol-ring-cmr"},
		{"id":903,"title":"Sol Ring","price":"free","available":true,"url":"/products/sol-ring-free"}
	]}}}`

	got, err := p.ExtractItems(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []models.Listing{
		{
			Title:           "Sol Ring [C21] #263 (Lightly Played)",
			Price:           320,
			Currency:        "SGD",
			Condition:       models.ConditionLightPlay,
			ImageURL:        "https://cdn.test/sol.png",
			URL:             "https://cards.test/products/sol-ring?_pos=1",
			SetCode:         "C21",
			CollectorNumber: "263",
			CatalogID:       "901",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestCrystalParser(t *testing.T) {
	p := &CrystalParser{BaseURL: "https://crystal.test", Currency: "SGD"}

	raw := `<html><body><div class="products-container"><ul class="products">
	<li class="product">
		<div class="image"><a href="/catalog/sol_ring/1"><img src="/images/sol.jpg"></a></div>
		<div class="meta"><a href="/catalog/sol_ring/1"><h4 class="name">Sol Ring</h4></a><span class="category">Commander 2021</span></div>
		<div class="variants">
			<div class="variant-row in-stock">
				<span class="variant-description">NM-Mint, English</span>
				<span class="variant-qty">2 In Stock</span>
				<span class="regular price">S$ 4.50</span>
			</div>
			<div class="variant-row no-stock">
				<span class="variant-description">Heavily Played, English</span>
				<span class="variant-qty">Out of stock</span>
				<span class="regular price">S$ 1.00</span>
			</div>
			<div class="variant-row in-stock">
				<span class="variant-description">Slightly Played, English</span>
				<span class="variant-qty">1 In Stock</span>
				<span class="regular price">call us</span>
			</div>
		</div>
	</li>
	<li class="product"><div class="meta"><h4 class="name"></h4></div></li>
	</ul></div></body></html>`

	got, err := p.ExtractItems(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []models.Listing{
		{
			Title:     "Sol Ring",
			Price:     450,
			Currency:  "SGD",
			Condition: models.ConditionNew,
			ImageURL:  "https://crystal.test/images/sol.jpg",
			URL:       "https://crystal.test/catalog/sol_ring/1",
			SetCode:   "Commander 2021",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestAlgoliaParser(t *testing.T) {
	p := &AlgoliaParser{BaseURL: "https://algo.test", Currency: "SGD"}

	raw := `{"nbHits":3,"hits":[
		{"objectID":"a1","title":"Sol Ring","handle":"sol-ring","price":1.95,"inventory_quantity":5,"variant_title":"Heavily Played","set_code":"ltc","collector_number":"3","image":"https://img.test/a1.png","currency":"usd"},
		{"objectID":"a2","title":"Sol Ring","handle":"sol-ring-2","price":2.5,"inventory_quantity":0},
		{"objectID":"a3","title":"Sol Ring","handle":"sol-ring-3","price":"oops","inventory_quantity":2}
	]}`

	got, err := p.ExtractItems(raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []models.Listing{
		{
			Title:           "Sol Ring",
			Price:           195,
			Currency:        "USD",
			Condition:       models.ConditionHeavyPlay,
			ImageURL:        "https://img.test/a1.png",
			URL:             "https://algo.test/products/sol-ring",
			SetCode:         "LTC",
			CollectorNumber: "3",
			CatalogID:       "a1",
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

func TestParsersDistinguishEmptyFromUnexpected(t *testing.T) {
	tests := []struct {
		name       string
		parser     Parser
		empty      string
		unexpected []string
	}{
		{
			name:       "binderpos",
			parser:     &BinderPOSParser{BaseURL: "https://b.test"},
			empty:      `{"count":0,"products":[]}`,
			unexpected: []string{`<html>maintenance</html>`, `{"count":0}`},
		},
		{
			name:       "shopify",
			parser:     &ShopifyParser{BaseURL: "https://s.test"},
			empty:      `{"resources":{"results":{}}}`,
			unexpected: []string{`not json`, `{"errors":"throttled"}`},
		},
		{
			name:       "crystal",
			parser:     &CrystalParser{BaseURL: "https://c.test"},
			empty:      `<div class="products-container"><p>No products found.</p></div>`,
			unexpected: []string{`<html><body>Access denied</body></html>`},
		},
		{
			name:       "algolia",
			parser:     &AlgoliaParser{BaseURL: "https://a.test"},
			empty:      `{"nbHits":0,"hits":[]}`,
			unexpected: []string{`{"message":"Invalid Application-ID or API key","status":403}`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.parser.ExtractItems(tt.empty)
			if err != nil {
				t.Fatalf("empty response should not error: %v", err)
			}
			if got == nil || len(got) != 0 {
				t.Fatalf("expected empty non-nil slice, got %#v", got)
			}

			for _, raw := range tt.unexpected {
				got, err := tt.parser.ExtractItems(raw)
				if !errors.Is(err, parser.ErrUnexpectedResponse) {
					t.Fatalf("%q: expected ErrUnexpectedResponse, got %v", raw, err)
				}
				if len(got) != 0 {
					t.Fatalf("%q: expected no listings, got %d", raw, len(got))
				}
			}
		})
	}
}

func TestFactoryBuild(t *testing.T) {
	factory := &Factory{Collector: colly.NewCollector()}

	for _, kind := range Kinds() {
		adapter, err := factory.Build(models.Store{ID: "s-" + kind, Adapter: kind, BaseURL: "https://" + kind + ".test/"})
		if err != nil {
			t.Fatalf("build %s: %v", kind, err)
		}
		if adapter.Store.ID != "s-"+kind {
			t.Fatalf("store id = %q", adapter.Store.ID)
		}
	}

	if _, err := factory.Build(models.Store{ID: "x", Adapter: "magento", BaseURL: "https://x.test"}); err == nil {
		t.Fatalf("expected error for unknown adapter")
	}
	if !SupportsKind("Shopify") || SupportsKind("magento") {
		t.Fatalf("SupportsKind mismatch")
	}
}

func TestAdapterSearchEndToEnd(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://agora.test/search", httpmock.NewStringResponder(200,
		`<script>Shopify.shop = "agora.myshopify.com"; var api = "https://portal.binderpos.com";</script>`))
	transport.RegisterResponder("POST", "https://portal.binderpos.com/external/shopify/products/forStore",
		func(req *http.Request) (*http.Response, error) {
			return httpmock.NewStringResponse(200, `{"count":1,"products":[{"title":"Sol Ring","handle":"sol-ring","variants":[{"shopifyId":1,"title":"NM","price":3,"quantity":2}]}]}`), nil
		})

	collector := colly.NewCollector()
	collector.WithTransport(transport)
	factory := &Factory{Collector: collector}

	adapter, err := factory.Build(models.Store{ID: "agora", Adapter: "binderpos", BaseURL: "https://agora.test"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	listings, err := adapter.Search(context.Background(), "Sol Ring")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(listings) != 1 || listings[0].Price != 300 || listings[0].Currency != DefaultCurrency {
		t.Fatalf("unexpected listings: %+v", listings)
	}
}
