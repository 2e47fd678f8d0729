package catalog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/utils"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

const DefaultIndexURL = "https://api.nuget.org/v3/catalog0/index.json"

var RequestCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "catalog",
	Name:      "requests",
}, []string{"document", "status"})

var PageCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "catalog",
	Name:      "page_cache_hits",
})

type ClientConfig struct {
	// IndexURL is the catalog index document.
	IndexURL string
	// Timeout for a single request (default: 30s).
	Timeout time.Duration
	// MaxRetries after the first attempt (default: 3).
	MaxRetries int
	// RetryDelay is the first backoff, doubled on every retry (default: 100ms).
	RetryDelay time.Duration
	// RateLimit in requests per second (default: 20).
	RateLimit float64
	// RateBurst is the limiter bucket size (default: 10).
	RateBurst int
	// PageCacheSize is how many pages are kept in memory (default: 64).
	PageCacheSize int
	UserAgent     string
	// Transport allows injecting a custom HTTP transport in tests.
	Transport http.RoundTripper
	Clock     clock.Clock
	Logger    utils.Logger
}

func (c *ClientConfig) SetDefaults() {
	if c.IndexURL == "" {
		c.IndexURL = DefaultIndexURL
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.PageCacheSize == 0 {
		c.PageCacheSize = 64
	}
	if c.UserAgent == "" {
		c.UserAgent = "insights-catalog-scan/1.0"
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	c.Logger = utils.OrDefault(c.Logger)
}

// Client fetches catalog documents with rate limiting and retries.
type Client struct {
	config      ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	pages       *lru.Cache[string, *Page]
}

func NewClient(config ClientConfig) *Client {
	config.SetDefaults()
	pages, _ := lru.New[string, *Page](config.PageCacheSize)
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: config.Transport,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		pages:       pages,
	}
}

func (c *Client) IndexURL() string {
	return c.config.IndexURL
}

func (c *Client) GetIndex(ctx context.Context) (*Index, error) {
	var index Index
	if err := c.get(ctx, "index", c.config.IndexURL, &index); err != nil {
		return nil, err
	}
	return &index, nil
}

// GetPage returns the page at url. Pages only ever grow, so a cached copy
// committed at or after atLeast holds every leaf up to atLeast and is
// returned without a request.
func (c *Client) GetPage(ctx context.Context, url string, atLeast time.Time) (*Page, error) {
	if page, ok := c.pages.Get(url); ok && !page.CommitTimestamp.Before(atLeast) {
		PageCacheHits.Inc()
		return page, nil
	}
	var page Page
	if err := c.get(ctx, "page", url, &page); err != nil {
		return nil, err
	}
	c.pages.Add(url, &page)
	return &page, nil
}

func (c *Client) GetLeaf(ctx context.Context, url string) (*Leaf, error) {
	var leaf Leaf
	if err := c.get(ctx, "leaf", url, &leaf); err != nil {
		return nil, err
	}
	return &leaf, nil
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return "catalog: unexpected status " + strconv.Itoa(e.status)
}

func isRetryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return !errors.Is(err, insights_errors.ErrNotFound) && !errors.Is(err, context.Canceled)
}

func (c *Client) get(ctx context.Context, document, url string, target any) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			if err := c.rateLimiter.Wait(ctx); err != nil {
				return errors.Wrap(err, "rate limiter")
			}
			lastErr = c.getOnce(ctx, document, url, target)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !isRetryable(err) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			c.config.Logger.WarnCtx(ctx, "catalog request failed, retrying", "url", url, "attempt", attempt, "err", err)
		},
		Attempts:    c.config.MaxRetries + 1,
		Delay:       c.config.RetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.config.Clock,
		Stop:        ctx.Done(),
	})
	switch {
	case retry.IsAttemptsExceeded(err):
		return errors.Wrapf(lastErr, "max retries exceeded for %s", url)
	case retry.IsRetryStopped(err):
		return ctx.Err()
	}
	return err
}

func (c *Client) getOnce(ctx context.Context, document, url string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		RequestCount.WithLabelValues(document, "error").Inc()
		return err
	}
	defer resp.Body.Close()
	RequestCount.WithLabelValues(document, strconv.Itoa(resp.StatusCode)).Inc()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(insights_errors.ErrNotFound, "catalog document %s", url)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		_, _ = io.Copy(io.Discard, resp.Body)
		return &statusError{status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return errors.Wrapf(err, "decode %s", url)
	}
	return nil
}
