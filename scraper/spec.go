package scraper

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// TermToken is replaced with the search term in Template fields.
const TermToken = "{{term}}"

// FieldKind selects how a Field produces its value.
type FieldKind int

const (
	// FieldLiteral uses Value as-is.
	FieldLiteral FieldKind = iota
	// FieldRegex takes the first capture group of Pattern over the initial page.
	FieldRegex
	// FieldTemplate substitutes TermToken in Value with the search term.
	FieldTemplate
)

// Field is one value of an API request description.
type Field struct {
	Kind    FieldKind
	Value   string
	Pattern *regexp.Regexp
	// Format, when set, wraps a regex match through fmt.Sprintf.
	Format string
}

// Literal returns a fixed Field.
func Literal(value string) Field {
	return Field{Kind: FieldLiteral, Value: value}
}

// Regex returns a Field extracted from the initial page; expr must have one capture group.
func Regex(expr string) Field {
	return Field{Kind: FieldRegex, Pattern: regexp.MustCompile(expr)}
}

// RegexFormat is Regex with the match substituted into format, e.g. "https://%s".
func RegexFormat(expr, format string) Field {
	return Field{Kind: FieldRegex, Pattern: regexp.MustCompile(expr), Format: format}
}

// Template returns a Field that embeds the search term.
func Template(tpl string) Field {
	return Field{Kind: FieldTemplate, Value: tpl}
}

// Resolve produces the field value from the initial page text and the search term.
func (f Field) Resolve(page, term string) (string, error) {
	switch f.Kind {
	case FieldRegex:
		if f.Pattern == nil {
			return "", fmt.Errorf("%w: regex field without pattern", ErrPatternNotMatched)
		}
		m := f.Pattern.FindStringSubmatch(page)
		if len(m) < 2 || m[1] == "" {
			return "", fmt.Errorf("%w: %s", ErrPatternNotMatched, f.Pattern.String())
		}
		if f.Format != "" {
			return fmt.Sprintf(f.Format, m[1]), nil
		}
		return m[1], nil
	case FieldTemplate:
		return strings.ReplaceAll(f.Value, TermToken, term), nil
	default:
		return f.Value, nil
	}
}

// InitialRequest describes the HTML page that embeds the API parameters.
type InitialRequest struct {
	BaseURL string
	Path    string
	// Params values may contain TermToken.
	Params map[string]string
	// SearchParam, when set, carries the search term.
	SearchParam string
}

// APIRequest describes the follow-up call made with values found on the initial page.
type APIRequest struct {
	Method  string
	BaseURL Field
	Path    Field
	Params  map[string]Field
	// Body is sent as JSON when non-nil. Values may be Field, nested
	// map[string]any / []any, or plain JSON values.
	Body    map[string]any
	Headers map[string]Field
}

// Spec is the full declarative description of one storefront search.
type Spec struct {
	Name    string
	Initial InitialRequest
	API     APIRequest
}

// Validate checks the parts of a Spec that do not depend on the initial page.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("spec name cannot be empty")
	}
	parsed, err := url.Parse(s.Initial.BaseURL)
	if err != nil {
		return fmt.Errorf("spec %s: invalid initial base url: %w", s.Name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("spec %s: initial base url must include a host", s.Name)
	}
	switch strings.ToUpper(s.API.Method) {
	case "", http.MethodGet, http.MethodPost:
	default:
		return fmt.Errorf("spec %s: unsupported method %s", s.Name, s.API.Method)
	}
	return nil
}

// initialURL builds the initial page URL; the search param is left out when term is empty.
func (s Spec) initialURL(term string) string {
	query := url.Values{}
	for k, v := range s.Initial.Params {
		query.Set(k, strings.ReplaceAll(v, TermToken, term))
	}
	if s.Initial.SearchParam != "" && term != "" {
		query.Set(s.Initial.SearchParam, term)
	}
	u := joinURL(s.Initial.BaseURL, s.Initial.Path)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

type resolvedRequest struct {
	Method string
	URL    string
	Body   []byte
	Header http.Header
}

func (s Spec) resolve(page, term string) (*resolvedRequest, error) {
	base, err := s.API.BaseURL.Resolve(page, term)
	if err != nil {
		return nil, fmt.Errorf("%w (%v)", ErrEmptyBaseURL, err)
	}
	if strings.TrimSpace(base) == "" {
		return nil, ErrEmptyBaseURL
	}

	path, err := s.API.Path.Resolve(page, url.PathEscape(term))
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	query := url.Values{}
	for k, f := range s.API.Params {
		v, err := f.Resolve(page, term)
		if err != nil {
			return nil, fmt.Errorf("resolve param %s: %w", k, err)
		}
		query.Set(k, v)
	}

	target := joinURL(base, path)
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	header := http.Header{}
	for k, f := range s.API.Headers {
		v, err := f.Resolve(page, term)
		if err != nil {
			return nil, fmt.Errorf("resolve header %s: %w", k, err)
		}
		header.Set(k, v)
	}

	method := strings.ToUpper(s.API.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if s.API.Body != nil {
		resolved, err := resolveValue(s.API.Body, page, term)
		if err != nil {
			return nil, fmt.Errorf("resolve body: %w", err)
		}
		body, err = json.Marshal(resolved)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	}

	return &resolvedRequest{Method: method, URL: target, Body: body, Header: header}, nil
}

func resolveValue(v any, page, term string) (any, error) {
	switch val := v.(type) {
	case Field:
		return val.Resolve(page, term)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			r, err := resolveValue(inner, page, term)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			r, err := resolveValue(inner, page, term)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
