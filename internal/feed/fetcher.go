package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sor4chi/feed-worker/internal/model"
)

const (
	maxBodySize = 5 * 1024 * 1024

	userAgent    = "feed-worker/1.0 (+https://github.com/sor4chi/feed-worker)"
	acceptHeader = "application/rss+xml, application/atom+xml, application/rdf+xml, application/xml;q=0.9, text/xml;q=0.8"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError reports a non-2xx response from the feed server.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Fetcher downloads feed documents.
type Fetcher struct {
	client HTTPClient
}

// NewFetcher creates a Fetcher with the given HTTP client.
func NewFetcher(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads the raw document at url. The caller bounds the
// request through ctx.
func (f *Fetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// FetchFeed downloads and parses the feed at url.
func (f *Fetcher) FetchFeed(ctx context.Context, url string) (*model.ParsedFeed, error) {
	body, err := f.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return Parse(body)
}
