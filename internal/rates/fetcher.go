// internal/rates/fetcher.go
package rates

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultFetchTimeout bounds a single rate document download.
const DefaultFetchTimeout = 10 * time.Second

// maxDocumentBytes caps the response body we are willing to decode.
const maxDocumentBytes = 4 << 20

// ErrUpdateFailed marks a retryable failure to obtain a fresh rate table.
var ErrUpdateFailed = errors.New("rate table update failed")

// Fetcher downloads the rate document over HTTP.
type Fetcher struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if client != nil {
			f.client = client
		}
	}
}

// WithTimeout overrides the per-fetch timeout.
func WithTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// NewFetcher constructs a fetcher for url.
func NewFetcher(url string, opts ...FetcherOption) (*Fetcher, error) {
	if url == "" {
		return nil, errors.New("rates fetcher: empty url")
	}
	f := &Fetcher{
		url:     url,
		client:  &http.Client{},
		timeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch downloads and parses the rate document. Every failure wraps ErrUpdateFailed.
func (f *Fetcher) Fetch(ctx context.Context) (*Table, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUpdateFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: error communicating with rate source: %v", ErrUpdateFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))
		return nil, fmt.Errorf("%w: error fetching rates: status %d", ErrUpdateFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpdateFailed, err)
	}
	t, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	t.FetchedAt = time.Now().UTC()
	return t, nil
}
