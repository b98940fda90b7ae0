package artwork

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher retrieves one remote artifact. The returned reader streams the
// response body and must be closed by the caller.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

const defaultFetchTimeout = 30 * time.Second

// HTTPFetcher fetches artifacts over HTTP with a bounded per-request
// timeout.
type HTTPFetcher struct {
	client  *http.Client
	timeout time.Duration
}

// HTTPFetcherOption customises HTTPFetcher construction.
type HTTPFetcherOption func(*HTTPFetcher)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(client *http.Client) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithFetchTimeout bounds each request end to end.
func WithFetchTimeout(timeout time.Duration) HTTPFetcherOption {
	return func(f *HTTPFetcher) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// NewHTTPFetcher constructs an HTTPFetcher.
func NewHTTPFetcher(opts ...HTTPFetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:  &http.Client{},
		timeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues a GET and hands back the body on 2xx. Non-2xx statuses
// and transport failures come back as *FetchError; 429 and 403 are
// flagged rate limited so the caller can cool the origin down.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		cancel()
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, &FetchError{URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		cancel()
		return nil, &FetchError{
			URL:         rawURL,
			Status:      resp.StatusCode,
			RateLimited: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusForbidden,
		}
	}

	return &cancelReadCloser{body: resp.Body, cancel: cancel}, nil
}

// cancelReadCloser ties the request context's lifetime to the body so
// the timeout covers the full download, not just the headers.
type cancelReadCloser struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *cancelReadCloser) Close() error {
	c.cancel()
	return c.body.Close()
}

// originOf reduces a URL to its rate-limiting origin, the lowercased
// host. Unparsable URLs map to the raw string so they still share one
// budget slot.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}
