package stores

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
	"github.com/aluiziolira/go-price-scout/scraper"
)

// shopifySpec reads the myshopify domain from the storefront and queries the
// predictive search endpoint, hiding unavailable products.
func shopifySpec(base string) scraper.Spec {
	return scraper.Spec{
		Initial: scraper.InitialRequest{
			BaseURL: base,
			Path:    "/",
		},
		API: scraper.APIRequest{
			BaseURL: scraper.RegexFormat(`Shopify\.shop\s*=\s*"([^"]+)"`, "https://%s"),
			Path:    scraper.Literal("/search/suggest.json"),
			Params: map[string]scraper.Field{
				"q":                                        scraper.Template(scraper.TermToken),
				"resources[type]":                          scraper.Literal("product"),
				"resources[limit]":                         scraper.Literal("10"),
				"resources[options][unavailable_products]": scraper.Literal("hide"),
			},
		},
	}
}

var (
	shopifySetRe       = regexp.MustCompile(`\[([^\]]+)\]`)
	shopifyConditionRe = regexp.MustCompile(`\(([^)]+)\)\s*$`)
	shopifyNumberRe    = regexp.MustCompile(`#\s*([0-9]+[a-z]?)`)
)

type shopifyResponse struct {
	Resources *struct {
		Results *struct {
			Products *[]json.RawMessage `json:"products"`
		} `json:"results"`
	} `json:"resources"`
}

type shopifyProduct struct {
	ID        json.Number `json:"id"`
	Title     string      `json:"title"`
	Price     string      `json:"price"`
	Available bool        `json:"available"`
	URL       string      `json:"url"`
	Image     string      `json:"image"`
}

// ShopifyParser reads Shopify predictive search results. The endpoint reports
// availability rather than a count, so available products count as in stock.
type ShopifyParser struct {
	BaseURL  string
	Currency string
}

// ExtractItems returns one listing per available product.
func (p *ShopifyParser) ExtractItems(raw string) ([]models.Listing, error) {
	var resp shopifyResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, parser.Unexpected("shopify: decode: %v", err)
	}
	if resp.Resources == nil || resp.Resources.Results == nil {
		return nil, parser.Unexpected("shopify: missing resources.results")
	}
	products := resp.Resources.Results.Products
	if products == nil {
		// a search with no hits omits the products key
		return []models.Listing{}, nil
	}

	listings := make([]models.Listing, 0, len(*products))
	for i, rawProduct := range *products {
		var product shopifyProduct
		if err := json.Unmarshal(rawProduct, &product); err != nil {
			skipEntry("shopify", i, err)
			continue
		}
		if !product.Available {
			continue
		}
		title := strings.TrimSpace(product.Title)
		if title == "" || product.URL == "" {
			skipEntry("shopify", i, fmt.Errorf("product missing title or url"))
			continue
		}
		price, err := parser.ParsePrice(product.Price)
		if err != nil {
			skipEntry("shopify", i, err)
			continue
		}

		listing := models.Listing{
			Title:     title,
			Price:     price,
			Currency:  p.Currency,
			Condition: models.ConditionUnknown,
			ImageURL:  absoluteURL(p.BaseURL, product.Image),
			URL:       absoluteURL(p.BaseURL, product.URL),
			CatalogID: product.ID.String(),
		}
		if m := shopifySetRe.FindStringSubmatch(title); m != nil {
			listing.SetCode = strings.ToUpper(strings.TrimSpace(m[1]))
		}
		if m := shopifyConditionRe.FindStringSubmatch(title); m != nil {
			listing.Condition = parser.ConditionFromText(m[1])
		}
		if m := shopifyNumberRe.FindStringSubmatch(title); m != nil {
			listing.CollectorNumber = m[1]
		}
		listings = append(listings, listing)
	}
	return listings, nil
}
