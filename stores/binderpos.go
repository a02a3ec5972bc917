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

// binderPOSSpec finds the BinderPOS API host and shop domain embedded in the
// store's search page, then POSTs an in-stock product query.
func binderPOSSpec(base string) scraper.Spec {
	return scraper.Spec{
		Initial: scraper.InitialRequest{
			BaseURL:     base,
			Path:        "/search",
			SearchParam: "q",
		},
		API: scraper.APIRequest{
			Method:  http.MethodPost,
			BaseURL: scraper.Regex(`(https://[a-z0-9-]+\.binderpos\.com)`),
			Path:    scraper.Literal("/external/shopify/products/forStore"),
			Body: map[string]any{
				"storeUrl":    scraper.Regex(`Shopify\.shop\s*=\s*"([^"]+)"`),
				"game":        "mtg",
				"title":       scraper.Template(scraper.TermToken),
				"instockOnly": true,
				"limit":       30,
				"offset":      0,
				"sortTypes": []any{
					map[string]any{"type": "price", "asc": true, "order": 1},
				},
			},
		},
	}
}

type binderPOSResponse struct {
	Count    int                `json:"count"`
	Products *[]json.RawMessage `json:"products"`
}

type binderPOSProduct struct {
	Title           string             `json:"title"`
	SetName         string             `json:"setName"`
	SetCode         string             `json:"setCode"`
	CollectorNumber string             `json:"collectorNumber"`
	Img             string             `json:"img"`
	Handle          string             `json:"handle"`
	TCGPlayerID     json.Number        `json:"tcgplayerId"`
	Variants        []binderPOSVariant `json:"variants"`
}

type binderPOSVariant struct {
	ShopifyID json.Number `json:"shopifyId"`
	Title     string      `json:"title"`
	Price     float64     `json:"price"`
	Quantity  int         `json:"quantity"`
}

// BinderPOSParser reads the BinderPOS forStore product response.
type BinderPOSParser struct {
	BaseURL  string
	Currency string
}

// ExtractItems returns one listing per in-stock variant.
func (p *BinderPOSParser) ExtractItems(raw string) ([]models.Listing, error) {
	var resp binderPOSResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, parser.Unexpected("binderpos: decode: %v", err)
	}
	if resp.Products == nil {
		return nil, parser.Unexpected("binderpos: missing products array")
	}

	listings := make([]models.Listing, 0, len(*resp.Products))
	for i, rawProduct := range *resp.Products {
		var product binderPOSProduct
		if err := json.Unmarshal(rawProduct, &product); err != nil {
			skipEntry("binderpos", i, err)
			continue
		}
		if strings.TrimSpace(product.Title) == "" || product.Handle == "" {
			skipEntry("binderpos", i, fmt.Errorf("product missing title or handle"))
			continue
		}
		for _, v := range product.Variants {
			if v.Quantity <= 0 {
				continue
			}
			if v.Price < 0 {
				skipEntry("binderpos", i, fmt.Errorf("variant %s has negative price", v.ShopifyID))
				continue
			}
			productURL := absoluteURL(p.BaseURL, "/products/"+url.PathEscape(product.Handle))
			if v.ShopifyID != "" {
				productURL += "?variant=" + v.ShopifyID.String()
			}
			listings = append(listings, models.Listing{
				Title:           strings.TrimSpace(product.Title),
				Price:           parser.DecimalToMinor(v.Price),
				Currency:        p.Currency,
				Condition:       parser.ConditionFromText(v.Title),
				ImageURL:        product.Img,
				URL:             productURL,
				SetCode:         strings.ToUpper(product.SetCode),
				CollectorNumber: product.CollectorNumber,
				CatalogID:       product.TCGPlayerID.String(),
			})
		}
	}
	return listings, nil
}
