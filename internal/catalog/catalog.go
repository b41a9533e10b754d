// Package catalog queries the audiobook catalog API and normalizes its products.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/sync/errgroup"

	"audiotracker/internal/metrics"
	"audiotracker/internal/model"
	"audiotracker/internal/ratelimit"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Field selects which product attribute a search matches on.
type Field string

// Supported search fields.
const (
	FieldTitle  Field = "title"
	FieldAuthor Field = "author"
	FieldSeries Field = "series"
)

// The API has no series parameter; series names are searched as titles.
func (f Field) param() (string, error) {
	switch f {
	case FieldTitle, FieldSeries:
		return "title", nil
	case FieldAuthor:
		return "author", nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidField, string(f))
}

const (
	responseGroups = "product_desc,media,contributors,series,product_attrs,relationships,product_extended_attrs,category_ladders"
	userAgent      = "curl/8.5.0"
	maxBodySize    = 10 * 1024 * 1024
	// MaxPageSize is the largest page the API serves.
	MaxPageSize = 50
)

// Options tunes a Client. Zero values take defaults.
type Options struct {
	BaseURL     string
	Language    string
	Marketplace string
	PageSize    int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Cache keeps raw search pages between runs. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, body []byte) error
}

// Client searches the catalog. Every request passes the shared limiter and
// a circuit breaker; transient failures are retried with backoff.
type Client struct {
	client  HTTPClient
	limiter ratelimit.Limiter
	breaker *gobreaker.CircuitBreaker[[]byte]
	cache   Cache
	log     *slog.Logger
	opts    Options
	timeout time.Duration
}

// New creates a Client.
func New(client HTTPClient, limiter ratelimit.Limiter, opts Options, log *slog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.audible.com"
	}
	if opts.Marketplace == "" {
		opts.Marketplace = "US"
	}
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		opts.PageSize = MaxPageSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 30 * time.Second
	}

	c := &Client{
		client:  client,
		limiter: limiter,
		log:     log,
		opts:    opts,
		timeout: 30 * time.Second,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Permanent client errors say nothing about catalog health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CatalogBreakerState.Set(float64(to))
			log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return c
}

// SetCache makes Search serve pages from cache while they are fresh.
func (c *Client) SetCache(cache Cache) {
	c.cache = cache
}

// PageSize returns the number of products requested per page.
func (c *Client) PageSize() int {
	return c.opts.PageSize
}

type pageResult struct {
	books []model.Audiobook
	raw   int
	ok    bool
}

// Search returns products matching query on field, newest release first.
// Page 1 is fetched first; unless it is short, pages 2..maxPages follow
// concurrently and everything is merged in page order. The merge stops
// after the first successful page holding fewer than a full page of
// products. A page that fails after retries contributes nothing. An error
// is returned only when ctx ends or every page failed.
func (c *Client) Search(ctx context.Context, query string, field Field, maxPages int) ([]model.Audiobook, error) {
	param, err := field.param()
	if err != nil {
		return nil, err
	}
	if maxPages <= 0 {
		return nil, nil
	}

	results := make([]pageResult, maxPages)
	var (
		mu        sync.Mutex
		shortPage = maxPages + 1
		lastErr   error
	)
	known := func(page int) bool {
		mu.Lock()
		defer mu.Unlock()
		return page > shortPage
	}

	fetch := func(i int) {
		page := i + 1
		if known(page) {
			return
		}
		products, err := c.fetchPage(ctx, param, query, page)
		if err != nil {
			c.log.Warn("catalog page failed", "query", query, "field", string(field), "page", page, "error", err)
			mu.Lock()
			lastErr = err
			mu.Unlock()
			return
		}
		results[i] = pageResult{books: c.normalizeAll(products), raw: len(products), ok: true}
		if len(products) < c.opts.PageSize {
			mu.Lock()
			shortPage = min(shortPage, page)
			mu.Unlock()
		}
	}

	// Most searches fit on one page.
	fetch(0)
	if maxPages > 1 && !known(2) {
		var g errgroup.Group
		for i := 1; i < maxPages; i++ {
			g.Go(func() error {
				fetch(i)
				return nil
			})
		}
		_ = g.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("search %s %q: %w", field, query, err)
	}

	var books []model.Audiobook
	succeeded := 0
	for _, r := range results {
		if !r.ok {
			continue
		}
		succeeded++
		books = append(books, r.books...)
		if r.raw < c.opts.PageSize {
			break
		}
	}
	if succeeded == 0 && lastErr != nil {
		return nil, fmt.Errorf("search %s %q: %w: %w", field, query, ErrUnavailable, lastErr)
	}

	c.log.Debug("catalog search", "query", query, "field", string(field), "pages", succeeded, "results", len(books))
	return books, nil
}

// Lookup fetches a single product by ASIN.
func (c *Client) Lookup(ctx context.Context, asin string) (model.Audiobook, error) {
	values := url.Values{}
	values.Set("response_groups", responseGroups)
	values.Set("marketplace", c.opts.Marketplace)

	body, err := c.get(ctx, "/1.0/catalog/products/"+url.PathEscape(asin), values)
	if err != nil {
		return model.Audiobook{}, fmt.Errorf("lookup %s: %w", asin, err)
	}

	var resp productResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Audiobook{}, fmt.Errorf("lookup %s: %w: %w", asin, ErrMalformedResponse, err)
	}
	if resp.Product == nil {
		return model.Audiobook{}, fmt.Errorf("lookup %s: %w", asin, ErrMalformedRecord)
	}
	return normalize(*resp.Product)
}

func (c *Client) fetchPage(ctx context.Context, param, query string, page int) ([]product, error) {
	values := url.Values{}
	values.Set(param, query)
	values.Set("num_results", strconv.Itoa(c.opts.PageSize))
	values.Set("products_sort_by", "-ReleaseDate")
	values.Set("response_groups", responseGroups)
	values.Set("marketplace", c.opts.Marketplace)
	// The API pages from zero and treats a missing page as the first one.
	if page > 1 {
		values.Set("page", strconv.Itoa(page-1))
	}

	key := pageKey(c.opts.Marketplace, param, query, page, c.opts.PageSize)
	if products, ok := c.cachedPage(ctx, key); ok {
		return products, nil
	}

	body, err := c.get(ctx, "/1.0/catalog/products", values)
	if err != nil {
		return nil, err
	}

	var resp productsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if c.cache != nil {
		if err := c.cache.Put(ctx, key, body); err != nil {
			c.log.Warn("cache catalog page", "key", key, "error", err)
		}
	}
	return resp.Products, nil
}

// pageKey identifies one search page in the cache.
func pageKey(marketplace, param, query string, page, pageSize int) string {
	return fmt.Sprintf("%s|%s|%s|%d|%d", marketplace, param, query, page, pageSize)
}

// cachedPage returns the products of a fresh cached page. Cache failures
// and undecodable entries count as misses.
func (c *Client) cachedPage(ctx context.Context, key string) ([]product, bool) {
	if c.cache == nil {
		return nil, false
	}
	body, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn("read catalog cache", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var resp productsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.log.Debug("discarding cached page", "key", key, "error", err)
		return nil, false
	}
	metrics.CatalogRequests.WithLabelValues("cached").Inc()
	return resp.Products, true
}

func (c *Client) normalizeAll(products []product) []model.Audiobook {
	books := make([]model.Audiobook, 0, len(products))
	for _, p := range products {
		if reason := skipReason(p, c.opts.Language); reason != "" {
			metrics.CandidatesDropped.WithLabelValues(reason).Inc()
			c.log.Debug("skipping product", "asin", p.ASIN, "title", p.Title, "reason", reason)
			continue
		}
		book, err := normalize(p)
		if err != nil {
			metrics.CandidatesDropped.WithLabelValues("malformed").Inc()
			c.log.Warn("skipping product", "error", err)
			continue
		}
		books = append(books, book)
	}
	return books
}

// get performs one rate-limited GET with retries and returns the body.
func (c *Client) get(ctx context.Context, path string, values url.Values) ([]byte, error) {
	target := c.opts.BaseURL + path + "?" + values.Encode()

	backoff := retry.NewExponential(c.opts.BackoffBase)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithCappedDuration(c.opts.BackoffCap, backoff)
	backoff = retry.WithMaxRetries(uint64(c.opts.MaxRetries), backoff) //nolint:gosec // validated non-negative

	var body []byte
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		b, err := c.breaker.Execute(func() ([]byte, error) {
			return c.do(ctx, target)
		})
		if err == nil {
			metrics.CatalogRequests.WithLabelValues("ok").Inc()
			body = b
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CatalogRequests.WithLabelValues("breaker_open").Inc()
			return err
		}
		if ctx.Err() != nil || !IsTransient(err) {
			metrics.CatalogRequests.WithLabelValues("failed").Inc()
			return err
		}
		metrics.CatalogRequests.WithLabelValues("retry").Inc()
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			if err := sleepWithContext(ctx, min(se.RetryAfter, c.opts.BackoffCap)); err != nil {
				return err
			}
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		return nil, &StatusError{Code: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
