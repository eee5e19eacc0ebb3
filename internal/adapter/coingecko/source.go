// Package coingecko fetches coin prices from the CoinGecko simple price API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultURL is the public simple price endpoint
const DefaultURL = "https://api.coingecko.com/api/v3/simple/price"

// Source implements domain.PriceSource for one coin in one fiat currency
type Source struct {
	URL        string
	CoinID     string // e.g. "solana"
	Currency   string // e.g. "eur"
	HTTPClient *http.Client
}

// NewSource creates a SOL/EUR price source against baseURL.
// An empty baseURL uses DefaultURL.
func NewSource(baseURL string) *Source {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	return &Source{
		URL:        baseURL,
		CoinID:     "solana",
		Currency:   "eur",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// FetchPrice returns the current price of one coin.
// The JSON number is parsed straight into a decimal so no float rounding creeps in.
func (s *Source) FetchPrice(ctx context.Context) (decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", s.CoinID)
	query.Set("vs_currencies", s.Currency)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"?"+query.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to build price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("price API returned %d: %s", resp.StatusCode, body)
	}

	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode price response: %w", err)
	}

	raw, ok := payload[s.CoinID][s.Currency]
	if !ok {
		return decimal.Zero, fmt.Errorf("price response has no %s/%s quote", s.CoinID, s.Currency)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price %q: %w", raw, err)
	}
	return price, nil
}
