package pricing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

// quote is the JSON body served by the price feed at GET /prices/{symbol}.
type quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// HTTPSource fetches prices from a JSON price feed.
type HTTPSource struct {
	client *resty.Client
}

// NewHTTPSource creates a source for the feed at baseURL.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	baseURL = strings.TrimSuffix(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		SetHeader("Accept", "application/json")

	return &HTTPSource{client: client}
}

func (s *HTTPSource) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var q quote
	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&q).
		Get("/prices/" + url.PathEscape(symbol))
	if err != nil {
		return decimal.Zero, fmt.Errorf("price feed %s: %w", symbol, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("price feed %s: status %d", symbol, resp.StatusCode())
	}
	if !q.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: feed returned %s for %s", ErrNoPrice, q.Price, symbol)
	}
	return q.Price, nil
}
