package fetcher

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand/v2"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrTooLarge is returned when a download exceeds HTTPOptions.MaxBytes.
var ErrTooLarge = eris.New("fetcher: workbook exceeds size limit")

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent   string
	Timeout     time.Duration
	MaxRetries  int
	MaxBytes    int64
	RateLimit   rate.Limit
	BaseBackoff time.Duration
}

// AdaptiveLimiter wraps a rate.Limiter with adaptive rate adjustment.
// On success it increases the rate by 20% (up to 2x initial).
// On 429 it halves the rate (down to initial/4 minimum).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive rate limiter that auto-tunes.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess increases the rate by 20%, up to 2x initial.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = min(a.currentRate*1.2, a.maxRate)
	a.limiter.SetLimit(a.currentRate)
}

// OnRateLimit halves the rate on 429 responses.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentRate = max(a.currentRate*0.5, a.minRate)
	a.limiter.SetLimit(a.currentRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(a.currentRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with retry and rate limiting.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = 32 << 20
	}
	if opts.RateLimit == 0 {
		opts.RateLimit = 5
	}
	if opts.BaseBackoff == 0 {
		opts.BaseBackoff = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "quote-extract/1.0"
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:    opts,
		limiter: NewAdaptiveLimiter(opts.RateLimit, 1),
	}
}

// Fetch downloads rawURL into memory, bounded by MaxBytes.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (*Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, eris.Errorf("fetcher: unsupported url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.doWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	if resp.ContentLength > f.opts.MaxBytes {
		return nil, ErrTooLarge
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(resp.Body, f.opts.MaxBytes+1))
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: read body")
	}
	if n > f.opts.MaxBytes {
		return nil, ErrTooLarge
	}

	return &Download{Name: fileName(u, resp.Header), Data: buf.Bytes()}, nil
}

func (f *HTTPFetcher) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := range f.opts.MaxRetries {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := f.client.Do(req.Clone(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			zap.L().Warn("fetcher: request failed, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			f.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http 429 from %s", req.URL.String())
			f.limiter.OnRateLimit()
			f.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = eris.Errorf("http %d from %s", resp.StatusCode, req.URL.String())
			zap.L().Warn("fetcher: server error, retrying",
				zap.String("url", req.URL.String()),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			f.backoff(ctx, attempt)
			continue
		}

		f.limiter.OnSuccess()
		return resp, nil
	}

	return nil, eris.Wrap(lastErr, "fetcher: all retries exhausted")
}

func (f *HTTPFetcher) backoff(ctx context.Context, attempt int) {
	d := time.Duration(float64(f.opts.BaseBackoff) * math.Pow(2, float64(attempt)))
	d = min(d, 30*time.Second)
	if half := int64(d) / 2; half > 0 {
		d += time.Duration(rand.Int64N(half))
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// fileName prefers the Content-Disposition filename, then the last URL
// path segment. An extensionless name defaults to .xlsx.
func fileName(u *url.URL, h http.Header) string {
	name := ""
	if _, params, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil {
		name = path.Base(params["filename"])
	}
	if name == "" || name == "." || name == "/" {
		name = path.Base(u.Path)
	}
	if name == "" || name == "." || name == "/" {
		name = "download"
	}
	if path.Ext(name) == "" {
		if strings.Contains(h.Get("Content-Type"), "csv") {
			return name + ".csv"
		}
		return name + ".xlsx"
	}
	return name
}
