package stores

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
	"github.com/aluiziolira/go-price-scout/scraper"
)

const (
	algoliaAppIDPattern = `algoliaApplicationId["']?\s*[:=]\s*["']([A-Z0-9]+)["']`
	algoliaKeyPattern   = `algoliaSearchKey["']?\s*[:=]\s*["']([a-f0-9]+)["']`
	algoliaIndexPattern = `algoliaIndexName["']?\s*[:=]\s*["']([A-Za-z0-9_.-]+)["']`
)

// algoliaSpec reads the public Algolia credentials and index from the store's
// search page and queries the index directly.
func algoliaSpec(base string) scraper.Spec {
	return scraper.Spec{
		Initial: scraper.InitialRequest{
			BaseURL:     base,
			Path:        "/search",
			SearchParam: "q",
		},
		API: scraper.APIRequest{
			Method:  http.MethodPost,
			BaseURL: scraper.RegexFormat(algoliaAppIDPattern, "https://%s-dsn.algolia.net"),
			Path:    scraper.RegexFormat(algoliaIndexPattern, "/1/indexes/%s/query"),
			Headers: map[string]scraper.Field{
				"X-Algolia-Application-Id": scraper.Regex(algoliaAppIDPattern),
				"X-Algolia-API-Key":        scraper.Regex(algoliaKeyPattern),
			},
			Body: map[string]any{
				"query":       scraper.Template(scraper.TermToken),
				"hitsPerPage": 50,
				"filters":     "inventory_quantity > 0",
			},
		},
	}
}

type algoliaResponse struct {
	NbHits int                `json:"nbHits"`
	Hits   *[]json.RawMessage `json:"hits"`
}

type algoliaHit struct {
	ObjectID          string  `json:"objectID"`
	Title             string  `json:"title"`
	Handle            string  `json:"handle"`
	Price             float64 `json:"price"`
	InventoryQuantity int     `json:"inventory_quantity"`
	VariantTitle      string  `json:"variant_title"`
	SetCode           string  `json:"set_code"`
	CollectorNumber   string  `json:"collector_number"`
	Image             string  `json:"image"`
	Currency          string  `json:"currency"`
}

// AlgoliaParser reads Algolia index query hits.
type AlgoliaParser struct {
	BaseURL  string
	Currency string
}

// ExtractItems returns one listing per in-stock hit.
func (p *AlgoliaParser) ExtractItems(raw string) ([]models.Listing, error) {
	var resp algoliaResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, parser.Unexpected("algolia: decode: %v", err)
	}
	if resp.Hits == nil {
		return nil, parser.Unexpected("algolia: missing hits array")
	}

	listings := make([]models.Listing, 0, len(*resp.Hits))
	for i, rawHit := range *resp.Hits {
		var hit algoliaHit
		if err := json.Unmarshal(rawHit, &hit); err != nil {
			skipEntry("algolia", i, err)
			continue
		}
		if hit.InventoryQuantity <= 0 {
			continue
		}
		if strings.TrimSpace(hit.Title) == "" || hit.Handle == "" {
			skipEntry("algolia", i, fmt.Errorf("hit %s missing title or handle", hit.ObjectID))
			continue
		}
		currency := hit.Currency
		if currency == "" {
			currency = p.Currency
		}
		listings = append(listings, models.Listing{
			Title:           strings.TrimSpace(hit.Title),
			Price:           parser.DecimalToMinor(hit.Price),
			Currency:        strings.ToUpper(currency),
			Condition:       parser.ConditionFromText(hit.VariantTitle),
			ImageURL:        absoluteURL(p.BaseURL, hit.Image),
			URL:             absoluteURL(p.BaseURL, "/products/"+url.PathEscape(hit.Handle)),
			SetCode:         strings.ToUpper(hit.SetCode),
			CollectorNumber: hit.CollectorNumber,
			CatalogID:       hit.ObjectID,
		})
	}
	return listings, nil
}
