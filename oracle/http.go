package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// DefaultHTTPFeedURL is a free spot-price endpoint suitable as the
// secondary feed.
const DefaultHTTPFeedURL = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"

// HTTPFeed fetches the USD-per-SOL rate from an off-chain HTTP price
// API. It is the secondary feed, consulted when the on-chain feed is
// unreachable.
type HTTPFeed struct {
	url      string
	asset    string
	currency string
	client   *http.Client
}

// NewHTTPFeed creates a feed against a simple-price style endpoint that
// responds with {"<asset>": {"<currency>": <rate>}}.
func NewHTTPFeed(url, asset, currency string) *HTTPFeed {
	return &HTTPFeed{
		url:      url,
		asset:    asset,
		currency: currency,
		client:   http.DefaultClient,
	}
}

// NewDefaultHTTPFeed creates the stock SOL/USD feed.
func NewDefaultHTTPFeed() *HTTPFeed {
	return NewHTTPFeed(DefaultHTTPFeedURL, "solana", "usd")
}

// Name implements Feed.
func (f *HTTPFeed) Name() string { return "http" }

// Rate implements Feed.
func (f *HTTPFeed) Rate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price API returned status %d", resp.StatusCode)
	}

	var body map[string]map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	rate, ok := body[f.asset][f.currency]
	if !ok {
		return 0, fmt.Errorf("price response missing %s/%s", f.asset, f.currency)
	}
	return rate, nil
}
