// Package collyfetcher implements single-document fetching using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/schemamap-crawler/internal/crawl"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxRetries is the number of extra attempts after a transport error
	// or a retryable status (429, 5xx). Zero disables retries.
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// Fetcher implements crawl.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	sleep         func(time.Duration)
}

// New builds a Fetcher with a pooled transport shared by all fetches.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	// Schema files and schema maps are direct GETs of known URLs, not a
	// crawl of discovered links; robots.txt gating happens upstream.
	c.IgnoreRobotsTxt = true

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		sleep:         time.Sleep,
	}
}

// Fetch executes a single HTTP GET, retrying transient failures with
// exponential backoff. Client errors (404 and friends) surface on the
// first attempt; callers decide what a missing document means.
func (f *Fetcher) Fetch(ctx context.Context, url string) (crawl.FetchResponse, error) {
	backoff := f.cfg.BackoffInitial
	if backoff <= 0 {
		backoff = 250 * time.Millisecond
	}
	maxBackoff := f.cfg.BackoffMax
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}

	for attempt := 0; ; attempt++ {
		resp, status, err := f.fetchOnce(ctx, url)
		if err == nil {
			return resp, nil
		}
		if attempt >= f.cfg.MaxRetries || !retryable(status, err) {
			return crawl.FetchResponse{}, err
		}
		if ctx.Err() != nil {
			return crawl.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		f.sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (crawl.FetchResponse, int, error) {
	var (
		result     crawl.FetchResponse
		fetchErr   error
		lastStatus int
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = crawl.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Body:        append([]byte(nil), r.Body...),
			ContentType: r.Headers.Get("Content-Type"),
			Duration:    time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			lastStatus = r.StatusCode
		}
	})

	if err := runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawl.FetchResponse{}, lastStatus, err
	}
	return result, result.StatusCode, nil
}

// retryable reports whether another attempt can help: transport errors
// and 429/5xx responses, but never a canceled context.
func retryable(status int, err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status == 0 {
		return true
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
