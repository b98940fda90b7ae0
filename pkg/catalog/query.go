package catalog

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// QueryClient enumerates the user's owned items on the remote platform.
type QueryClient interface {
	OwnedItems(ctx context.Context) ([]item.ID, error)
}

// Waiter paces outbound calls. The HTTP client routes every request
// through it; the primary platform API gets the stricter limiter.
type Waiter interface {
	Wait(ctx context.Context) error
}

const maxQueryResponseBytes = 8 << 20

// queryResponse is the remote enumeration document. Unknown elements
// and attributes are ignored so upstream schema additions do not break
// the parse.
type queryResponse struct {
	XMLName xml.Name `xml:"items"`
	Items   []struct {
		ID uint64 `xml:"id,attr"`
	} `xml:"item"`
}

// HTTPQueryClient fetches the owned-item enumeration over HTTP.
type HTTPQueryClient struct {
	endpoint string
	client   *http.Client
	waiter   Waiter
}

// QueryOption customises HTTPQueryClient construction.
type QueryOption func(*HTTPQueryClient)

// WithQueryHTTPClient overrides the underlying client.
func WithQueryHTTPClient(client *http.Client) QueryOption {
	return func(q *HTTPQueryClient) {
		if client != nil {
			q.client = client
		}
	}
}

// WithQueryWaiter paces enumeration calls through a call limiter.
func WithQueryWaiter(w Waiter) QueryOption {
	return func(q *HTTPQueryClient) { q.waiter = w }
}

// NewHTTPQueryClient constructs a query client against endpoint.
func NewHTTPQueryClient(endpoint string, opts ...QueryOption) (*HTTPQueryClient, error) {
	if endpoint == "" {
		return nil, errors.New("catalog: query endpoint is required")
	}
	q := &HTTPQueryClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// OwnedItems fetches and parses the enumeration document.
func (q *HTTPQueryClient) OwnedItems(ctx context.Context) ([]item.ID, error) {
	if q.waiter != nil {
		if err := q.waiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build query request: %w", err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: query owned items: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("catalog: query owned items: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxQueryResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("catalog: read query response: %w", err)
	}

	var parsed queryResponse
	if err := xml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("catalog: parse query response: %w", err)
	}

	ids := make([]item.ID, 0, len(parsed.Items))
	for _, el := range parsed.Items {
		if el.ID == 0 {
			continue
		}
		ids = append(ids, item.ID(el.ID))
	}
	return ids, nil
}
