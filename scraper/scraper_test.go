package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
)

const searchPage = `<html><head>
<script>window.shop = {"api":"https://api.shop.test","key":"k-123"};</script>
</head><body>search</body></html>`

func testSpec() Spec {
	return Spec{
		Name: "testshop",
		Initial: InitialRequest{
			BaseURL:     "https://shop.test",
			Path:        "/search",
			SearchParam: "q",
		},
		API: APIRequest{
			Method:  http.MethodPost,
			BaseURL: Regex(`"api":"([^"]+)"`),
			Path:    Literal("/v1/search"),
			Body: map[string]any{
				"query": Template(TermToken),
				"key":   Regex(`"key":"([^"]+)"`),
				"limit": 50,
			},
			Headers: map[string]Field{"X-Store": Literal("testshop")},
		},
	}
}

func newTestEngine(t *testing.T, spec Spec, transport http.RoundTripper, opts Options) *Engine {
	t.Helper()
	collector := colly.NewCollector()
	collector.WithTransport(transport)
	engine, err := NewEngine(spec, collector, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

func countingResponder(calls *int64, status int, body string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		atomic.AddInt64(calls, 1)
		return httpmock.NewStringResponse(status, body), nil
	}
}

func TestEngineSearchResolvesAPIRequest(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/search", httpmock.NewStringResponder(200, searchPage))

	var received map[string]any
	var storeHeader string
	transport.RegisterResponder("POST", "https://api.shop.test/v1/search", func(req *http.Request) (*http.Response, error) {
		storeHeader = req.Header.Get("X-Store")
		if err := json.NewDecoder(req.Body).Decode(&received); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(200, `{"products":[]}`), nil
	})

	engine := newTestEngine(t, testSpec(), transport, Options{})
	resp, err := engine.Search(context.Background(), "Black Lotus")
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	if resp.Text != `{"products":[]}` {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.RequestURL != "https://api.shop.test/v1/search" {
		t.Fatalf("request url = %q", resp.RequestURL)
	}
	if received["query"] != "Black Lotus" || received["key"] != "k-123" || received["limit"] != float64(50) {
		t.Fatalf("unexpected body: %v", received)
	}
	if storeHeader != "testshop" {
		t.Fatalf("X-Store header = %q", storeHeader)
	}
}

func TestEngineRegexMissSkipsAPICall(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/search", httpmock.NewStringResponder(200, "<html>redesigned</html>"))
	transport.RegisterNoResponder(httpmock.NewStringResponder(500, "unexpected call"))

	engine := newTestEngine(t, testSpec(), transport, Options{})
	_, err := engine.Search(context.Background(), "Black Lotus")
	if !errors.Is(err, ErrEmptyBaseURL) || !errors.Is(err, ErrPatternNotMatched) {
		t.Fatalf("expected pattern error, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want only the initial page", got)
	}
}

func TestEngineCachesInitialPage(t *testing.T) {
	var initialCalls, apiCalls int64
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/search", countingResponder(&initialCalls, 200, searchPage))
	transport.RegisterResponder("POST", "https://api.shop.test/v1/search", countingResponder(&apiCalls, 200, `{}`))

	engine := newTestEngine(t, testSpec(), transport, Options{})
	for _, term := range []string{"Black Lotus", "Mox Pearl", "Black Lotus"} {
		if _, err := engine.Search(context.Background(), term); err != nil {
			t.Fatalf("search %q: %v", term, err)
		}
	}

	if initialCalls != 1 {
		t.Fatalf("initial page fetched %d times, want 1", initialCalls)
	}
	if apiCalls != 3 {
		t.Fatalf("api calls = %d, want 3", apiCalls)
	}
}

func TestEngineRefetchesStalePage(t *testing.T) {
	var initialCalls int64
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/search", countingResponder(&initialCalls, 200, searchPage))
	transport.RegisterResponder("POST", "https://api.shop.test/v1/search", httpmock.NewStringResponder(200, `{}`))

	engine := newTestEngine(t, testSpec(), transport, Options{PageTTL: 30 * time.Millisecond})
	if _, err := engine.Search(context.Background(), "Opt"); err != nil {
		t.Fatalf("first search: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := engine.Search(context.Background(), "Opt"); err != nil {
		t.Fatalf("second search: %v", err)
	}

	if initialCalls != 2 {
		t.Fatalf("initial page fetched %d times, want 2 after expiry", initialCalls)
	}
}

func TestEngineInitialPageFailurePropagates(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/search", httpmock.NewStringResponder(http.StatusNotFound, ""))

	engine := newTestEngine(t, testSpec(), transport, Options{})
	_, err := engine.Search(context.Background(), "Opt")

	var notFound ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected not found error, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestEngineRetriesTransportErrorOnce(t *testing.T) {
	tests := []struct {
		name      string
		failures  int64
		wantCalls int64
		wantErr   bool
	}{
		{name: "recovers on retry", failures: 1, wantCalls: 2},
		{name: "fails after one retry", failures: 5, wantCalls: 2, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var apiCalls int64
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", "https://shop.test/search", httpmock.NewStringResponder(200, searchPage))
			transport.RegisterResponder("POST", "https://api.shop.test/v1/search", func(req *http.Request) (*http.Response, error) {
				n := atomic.AddInt64(&apiCalls, 1)
				if n <= tt.failures {
					return nil, &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}
				}
				return httpmock.NewStringResponse(200, `{"ok":true}`), nil
			})

			engine := newTestEngine(t, testSpec(), transport, Options{})
			resp, err := engine.Search(context.Background(), "Opt")

			if apiCalls != tt.wantCalls {
				t.Fatalf("api calls = %d, want %d", apiCalls, tt.wantCalls)
			}
			if tt.wantErr {
				if !IsTransport(err) {
					t.Fatalf("expected transport error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if resp.Text != `{"ok":true}` {
				t.Fatalf("text = %q", resp.Text)
			}
		})
	}
}

func TestEngineDoesNotRetryStatusErrors(t *testing.T) {
	var apiCalls int64
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/search", httpmock.NewStringResponder(200, searchPage))
	transport.RegisterResponder("POST", "https://api.shop.test/v1/search", countingResponder(&apiCalls, http.StatusBadGateway, ""))

	engine := newTestEngine(t, testSpec(), transport, Options{})
	_, err := engine.Search(context.Background(), "Opt")

	var status ErrStatus
	if !errors.As(err, &status) || status.Code != http.StatusBadGateway {
		t.Fatalf("expected status error, got %v", err)
	}
	if apiCalls != 1 {
		t.Fatalf("api calls = %d, want 1", apiCalls)
	}
}

func TestEngineHonoursCancelledContext(t *testing.T) {
	transport := httpmock.NewMockTransport()
	engine := newTestEngine(t, testSpec(), transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Search(ctx, "Opt"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("calls = %d, want 0", got)
	}
}

func TestEngineSharedInitialPageOutlivesCancelledCaller(t *testing.T) {
	var initialCalls int64
	started := make(chan struct{})
	release := make(chan struct{})

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/search", func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt64(&initialCalls, 1) == 1 {
			close(started)
		}
		<-release
		return httpmock.NewStringResponse(200, searchPage), nil
	})
	transport.RegisterResponder("POST", "https://api.shop.test/v1/search", httpmock.NewStringResponder(200, `{}`))
	engine := newTestEngine(t, testSpec(), transport, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := engine.Search(ctx, "Opt")
		firstErr <- err
	}()
	<-started

	secondErr := make(chan error, 1)
	go func() {
		_, err := engine.Search(context.Background(), "Opt")
		secondErr <- err
	}()

	cancel()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			close(release)
			t.Fatalf("first search: expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		close(release)
		t.Fatal("cancelled search kept waiting on the shared fetch")
	}

	close(release)
	select {
	case err := <-secondErr:
		if err != nil {
			t.Fatalf("second search: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second search never finished")
	}
	if got := atomic.LoadInt64(&initialCalls); got != 1 {
		t.Fatalf("initial page fetched %d times, want 1", got)
	}
}

func TestEngineGetWithQueryTemplate(t *testing.T) {
	spec := Spec{
		Name:    "suggest",
		Initial: InitialRequest{BaseURL: "https://shop.test", Path: "/"},
		API: APIRequest{
			BaseURL: RegexFormat(`Shopify\.shop = "([^"]+)"`, "https://%s"),
			Path:    Literal("/search/suggest.json"),
			Params: map[string]Field{
				"q":                          Template(TermToken),
				"resources[type]":            Literal("product"),
				"resources[limit]":           Literal("10"),
				"resources[options][fields]": Literal("title"),
			},
		},
	}

	var gotQuery string
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "https://shop.test/", httpmock.NewStringResponder(200, `<script>Shopify.shop = "cards.myshopify.com";</script>`))
	transport.RegisterResponder("GET", "https://cards.myshopify.com/search/suggest.json", func(req *http.Request) (*http.Response, error) {
		gotQuery = req.URL.Query().Get("q")
		return httpmock.NewStringResponse(200, `{"resources":{}}`), nil
	})

	engine := newTestEngine(t, spec, transport, Options{})
	resp, err := engine.Search(context.Background(), "Sol Ring")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if gotQuery != "Sol Ring" {
		t.Fatalf("q = %q", gotQuery)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestFieldResolve(t *testing.T) {
	page := `<meta name="csrf-token" content="tok-9"> api: "https://api.test"`
	tests := []struct {
		name    string
		field   Field
		want    string
		wantErr bool
	}{
		{name: "literal", field: Literal("fixed"), want: "fixed"},
		{name: "template", field: Template("title:" + TermToken), want: "title:Opt"},
		{name: "regex", field: Regex(`content="([^"]+)"`), want: "tok-9"},
		{name: "regex format", field: RegexFormat(`api: "https://([^"]+)"`, "https://%s/v2"), want: "https://api.test/v2"},
		{name: "regex miss", field: Regex(`missing="([^"]+)"`), wantErr: true},
		{name: "regex empty group", field: Regex(`content="(x*)tok`), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.field.Resolve(page, "Opt")
			if tt.wantErr {
				if !errors.Is(err, ErrPatternNotMatched) {
					t.Fatalf("expected ErrPatternNotMatched, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpecValidate(t *testing.T) {
	spec := testSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}

	spec.API.Method = http.MethodDelete
	if err := spec.Validate(); err == nil {
		t.Fatalf("expected error for unsupported method")
	}

	spec = testSpec()
	spec.Initial.BaseURL = "/relative"
	if err := spec.Validate(); err == nil {
		t.Fatalf("expected error for missing host")
	}
}

func TestPageKeyNormalisesURL(t *testing.T) {
	a := pageKey("s", "HTTPS://Shop.Test:443/search?b=2&a=1#results")
	b := pageKey("s", "https://shop.test/search?a=1&b=2")
	if a != b {
		t.Fatalf("keys differ: %q vs %q", a, b)
	}
	if pageKey("s", "https://shop.test/search") == pageKey("t", "https://shop.test/search") {
		t.Fatalf("keys for different stores should differ")
	}
}

func TestHostLimiterHonoursContext(t *testing.T) {
	limiter := NewHostLimiter(0.001, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx, "https://shop.test/a"); err != nil {
		t.Fatalf("first wait should pass on burst: %v", err)
	}
	if err := limiter.Wait(ctx, "https://shop.test/b"); err == nil {
		t.Fatalf("second wait on the same host should fail before the deadline")
	}
	if err := limiter.Wait(context.Background(), "https://other.test/"); err != nil {
		t.Fatalf("other host should have its own bucket: %v", err)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "dns failure", err: &net.DNSError{Err: "no such host", Name: "shop.test"}, statusCode: 0, expected: "connection"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: errors.New("Internal Server Error"), statusCode: http.StatusInternalServerError, expected: "status"},
		{name: "pattern", err: fmt.Errorf("wrap: %w", ErrEmptyBaseURL), statusCode: 0, expected: "pattern"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}
