package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	phaseInitial = "initial"
	phaseAPI     = "api"

	ctxBody   = "body"
	ctxStatus = "status"

	initialPageTimeout = 30 * time.Second
)

var tracer = otel.Tracer("github.com/aluiziolira/go-price-scout/scraper")

// Response is the raw result of an API call. Parsing is left to the caller.
type Response struct {
	Text       string
	RequestURL string
	StatusCode int
}

// Options tune an Engine. The zero value is usable.
type Options struct {
	// Pages is shared between engines; keys are prefixed with the spec name.
	Pages   *PageCache
	PageTTL time.Duration
	Limiter *HostLimiter
	// TransportRetries is the number of immediate retries after a timeout or
	// connection failure on the API call. Zero means one; negative disables.
	TransportRetries int
	Metrics          *Metrics
}

// Engine runs the two-phase fetch described by a Spec.
type Engine struct {
	spec      Spec
	collector *colly.Collector
	pages     *PageCache
	limiter   *HostLimiter
	retries   int
	metrics   *Metrics
	group     singleflight.Group
}

// NewEngine builds an engine for spec on a clone of collector.
func NewEngine(spec Spec, collector *colly.Collector, opts Options) (*Engine, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if collector == nil {
		return nil, fmt.Errorf("spec %s: collector is required", spec.Name)
	}

	pages := opts.Pages
	if pages == nil {
		ttl := opts.PageTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		pages = NewPageCache(16, ttl)
	}
	retries := opts.TransportRetries
	switch {
	case retries == 0:
		retries = 1
	case retries < 0:
		retries = 0
	}

	c := collector.Clone()
	c.AllowURLRevisit = true
	c.OnResponse(func(r *colly.Response) {
		r.Ctx.Put(ctxBody, r.Body)
		r.Ctx.Put(ctxStatus, r.StatusCode)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Ctx != nil {
			r.Ctx.Put(ctxStatus, r.StatusCode)
		}
	})

	return &Engine{
		spec:      spec,
		collector: c,
		pages:     pages,
		limiter:   opts.Limiter,
		retries:   retries,
		metrics:   opts.Metrics,
	}, nil
}

// Name returns the spec name.
func (e *Engine) Name() string {
	return e.spec.Name
}

// Search fetches the initial page (cached), resolves the API request against
// it, and performs the API call. A regex miss on the initial page returns an
// error wrapping ErrPatternNotMatched without issuing the API call.
func (e *Engine) Search(ctx context.Context, term string) (*Response, error) {
	ctx, span := tracer.Start(ctx, "scraper.Search", trace.WithAttributes(
		attribute.String("store", e.spec.Name),
		attribute.String("term", term),
	))
	defer span.End()

	resp, err := e.search(ctx, term)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("request_url", resp.RequestURL))
	return resp, nil
}

func (e *Engine) search(ctx context.Context, term string) (*Response, error) {
	page, err := e.initialPage(ctx, term)
	if err != nil {
		return nil, err
	}

	req, err := e.spec.resolve(page, term)
	if err != nil {
		e.metrics.IncError(e.spec.Name, errorTypeLabel(err))
		slog.Warn("api request could not be resolved",
			slog.String("store", e.spec.Name),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%s: %w", e.spec.Name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		if attempt > 0 {
			e.metrics.IncRetries(e.spec.Name)
			slog.Debug("retrying api request",
				slog.String("store", e.spec.Name),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr),
			)
		}
		resp, err := e.fetch(ctx, phaseAPI, req.Method, req.URL, req.Body, req.Header)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsTransport(err) {
			break
		}
	}
	return nil, lastErr
}

func (e *Engine) initialPage(ctx context.Context, term string) (string, error) {
	key := pageKey(e.spec.Name, e.spec.initialURL(""))
	if page, ok := e.pages.Get(key); ok {
		e.metrics.IncPageCache(e.spec.Name, true)
		return page, nil
	}
	e.metrics.IncPageCache(e.spec.Name, false)

	if err := ctx.Err(); err != nil {
		return "", err
	}

	// The fetch is shared by every caller waiting on key, so it must not
	// inherit the cancellation of whichever caller happened to start it.
	target := e.spec.initialURL(term)
	ch := e.group.DoChan(key, func() (any, error) {
		if page, ok := e.pages.Get(key); ok {
			return page, nil
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initialPageTimeout)
		defer cancel()
		resp, err := e.fetch(fctx, phaseInitial, http.MethodGet, target, nil, nil)
		if err != nil {
			return "", err
		}
		e.pages.Add(key, resp.Text)
		return resp.Text, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *Engine) fetch(ctx context.Context, phase, method, target string, body []byte, header http.Header) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.limiter.Wait(ctx, target); err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	cctx := colly.NewContext()

	start := time.Now()
	e.metrics.IncRequest(e.spec.Name, phase)
	err := e.collector.Request(method, target, reader, cctx, header)
	e.metrics.ObserveDuration(e.spec.Name, phase, time.Since(start))

	status, _ := cctx.GetAny(ctxStatus).(int)
	if err != nil {
		classified := classifyError(err, status)
		category := errorTypeLabel(classified)
		e.metrics.IncError(e.spec.Name, category)
		slog.Debug("request error",
			slog.String("store", e.spec.Name),
			slog.String("phase", phase),
			slog.String("url", target),
			slog.String("category", category),
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("%s %s request: %w", e.spec.Name, phase, classified)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, _ := cctx.GetAny(ctxBody).([]byte)
	return &Response{Text: string(raw), RequestURL: target, StatusCode: status}, nil
}
