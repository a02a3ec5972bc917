package stores

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/aluiziolira/go-price-scout/models"
	"github.com/aluiziolira/go-price-scout/parser"
	"github.com/aluiziolira/go-price-scout/scraper"
)

// crystalSpec loads the storefront home page for its CSRF token and requests
// the server-rendered search results page.
func crystalSpec(base string) scraper.Spec {
	return scraper.Spec{
		Initial: scraper.InitialRequest{
			BaseURL: base,
			Path:    "/",
		},
		API: scraper.APIRequest{
			BaseURL: scraper.Literal(base),
			Path:    scraper.Literal("/products/search"),
			Params: map[string]scraper.Field{
				"q":                  scraper.Template(scraper.TermToken),
				"c":                  scraper.Literal("1"),
				"authenticity_token": scraper.Regex(`<meta name="csrf-token" content="([^"]+)"`),
			},
			Headers: map[string]scraper.Field{
				"X-Requested-With": scraper.Literal("XMLHttpRequest"),
			},
		},
	}
}

var crystalQtyRe = regexp.MustCompile(`([0-9]+)`)

// CrystalParser reads CrystalCommerce HTML search results.
type CrystalParser struct {
	BaseURL  string
	Currency string
}

// ExtractItems returns one listing per in-stock variant row.
func (p *CrystalParser) ExtractItems(raw string) ([]models.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		return nil, parser.Unexpected("crystal: parse html: %v", err)
	}
	container := doc.Find(".products-container")
	if container.Length() == 0 {
		return nil, parser.Unexpected("crystal: results container not found")
	}

	listings := []models.Listing{}
	container.Find("li.product").Each(func(i int, s *goquery.Selection) {
		title := strings.TrimSpace(s.Find(".meta h4.name").First().Text())
		href, _ := s.Find(".meta a").First().Attr("href")
		if title == "" || href == "" {
			skipEntry("crystal", i, fmt.Errorf("product missing name or link"))
			return
		}
		image, _ := s.Find(".image img").First().Attr("src")
		set := strings.TrimSpace(s.Find(".meta .category").First().Text())

		s.Find(".variant-row").Each(func(_ int, row *goquery.Selection) {
			if row.HasClass("no-stock") {
				return
			}
			qty := 0
			if m := crystalQtyRe.FindString(row.Find(".variant-qty").Text()); m != "" {
				qty, _ = strconv.Atoi(m)
			}
			if qty <= 0 {
				return
			}
			price, err := parser.ParsePrice(row.Find(".price").First().Text())
			if err != nil {
				skipEntry("crystal", i, err)
				return
			}
			description := strings.TrimSpace(row.Find(".variant-description").Text())
			listings = append(listings, models.Listing{
				Title:     title,
				Price:     price,
				Currency:  p.Currency,
				Condition: parser.ConditionFromText(strings.Split(description, ",")[0]),
				ImageURL:  absoluteURL(p.BaseURL, image),
				URL:       absoluteURL(p.BaseURL, href),
				SetCode:   set,
			})
		})
	})
	return listings, nil
}
