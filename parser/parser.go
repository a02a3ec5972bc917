package parser

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-price-scout/models"
)

// ErrUnexpectedResponse marks a store response whose shape could not be parsed.
var ErrUnexpectedResponse = errors.New("unexpected response")

// Unexpected wraps a structural parse failure so callers can match ErrUnexpectedResponse.
func Unexpected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedResponse, fmt.Sprintf(format, args...))
}

// ValidateListing ensures a parser captured the required fields.
func ValidateListing(l *models.Listing) error {
	if l == nil {
		return fmt.Errorf("listing is nil")
	}
	if strings.TrimSpace(l.Title) == "" {
		return fmt.Errorf("listing missing title")
	}
	if l.Price < 0 {
		return fmt.Errorf("listing has negative price for %s", l.Title)
	}
	if strings.TrimSpace(l.URL) == "" {
		return fmt.Errorf("listing missing url for %s", l.Title)
	}
	return nil
}

var priceRe = regexp.MustCompile(`[0-9][0-9,]*(\.[0-9]+)?`)

// ParsePrice converts a display price such as "S$1,234.50" into minor units.
func ParsePrice(text string) (int64, error) {
	match := priceRe.FindString(strings.TrimSpace(text))
	if match == "" {
		return 0, fmt.Errorf("no price in %q", text)
	}
	value, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", text, err)
	}
	return int64(math.Round(value * 100)), nil
}

// DecimalToMinor converts a decimal amount into minor units.
func DecimalToMinor(value float64) int64 {
	return int64(math.Round(value * 100))
}

// ConditionFromText maps storefront condition vocabulary to the canonical enum.
func ConditionFromText(text string) models.Condition {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return models.ConditionUnknown
	case strings.Contains(t, "near mint"), strings.Contains(t, "mint"), t == "nm", t == "new", strings.HasPrefix(t, "nm"):
		return models.ConditionNew
	case strings.Contains(t, "lightly"), strings.Contains(t, "light"), t == "lp", t == "sp", strings.Contains(t, "slightly"), strings.Contains(t, "excellent"):
		return models.ConditionLightPlay
	case strings.Contains(t, "moderate"), t == "mp":
		return models.ConditionModeratePlay
	case strings.Contains(t, "heav"), t == "hp", strings.Contains(t, "damaged"), t == "dmg":
		return models.ConditionHeavyPlay
	default:
		return models.ConditionUnknown
	}
}

// NormalizeTitle case-folds a title and strips punctuation that breaks prefix matching.
func NormalizeTitle(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '\'' || r == '’' || r == '.' || r == ',' || r == '!' || r == '?' || r == '"' || r == ':':
			continue
		case r == '-' || r == '_' || r == '/' || unicode.IsSpace(r):
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// MatchesQuery reports whether title starts with the search term once both are normalised.
func MatchesQuery(title, term string) bool {
	nt := NormalizeTitle(term)
	if nt == "" {
		return false
	}
	return strings.HasPrefix(NormalizeTitle(title), nt)
}

// NormalizeItemName produces the cache key form of an item name.
func NormalizeItemName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
