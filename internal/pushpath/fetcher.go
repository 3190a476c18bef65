package pushpath

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"transit-departures/internal/config"
)

// Fetcher downloads raw GTFS-RT payloads from upstream feeds.
type Fetcher struct {
	httpClient *http.Client
}

func NewFetcher(c *http.Client) *Fetcher {
	if c == nil {
		c = &http.Client{}
	}
	return &Fetcher{httpClient: c}
}

// Fetch returns the body and HTTP status of one GET of feed.URL. Any status
// other than 200 is an error.
func (f *Fetcher) Fetch(ctx context.Context, feed config.Feed) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request for %s: %w", feed.URL, err)
	}
	for k, v := range feed.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", feed.URL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("HTTP %d from %s", resp.StatusCode, feed.URL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s: %w", feed.URL, err)
	}
	return body, resp.StatusCode, nil
}
