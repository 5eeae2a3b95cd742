package exchange

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tern-labs/gridtrader/internal/types"
	"github.com/tern-labs/gridtrader/pkg/errors"
)

const defaultSpotBaseURL = "https://api.coinbase.com"

// SpotFeed fetches spot quotes over plain HTTP. It is price data only: no
// keys, no signing.
type SpotFeed struct {
	client *resty.Client
}

type spotResponse struct {
	Data struct {
		Amount   string `json:"amount"`
		Base     string `json:"base"`
		Currency string `json:"currency"`
	} `json:"data"`
}

// NewSpotFeed builds a feed against baseURL; empty means the public
// Coinbase API.
func NewSpotFeed(baseURL string) *SpotFeed {
	if baseURL == "" {
		baseURL = defaultSpotBaseURL
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &SpotFeed{client: client}
}

// Spot returns the current spot price for a symbol like "BTC/USDT". The
// venue path uses dashes, so "BTC/USDT" becomes "BTC-USDT".
func (f *SpotFeed) Spot(ctx context.Context, symbol string) (types.Ticker, error) {
	pair := strings.ReplaceAll(symbol, "/", "-")

	var out spotResponse

	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v2/prices/" + pair + "/spot")
	if err != nil {
		return types.Ticker{}, errors.Wrapf(errors.ErrCodeExchangeTransient, err, "spot request for %s failed", symbol)
	}

	if resp.IsError() {
		code := errors.ErrCodeExchangePermanent
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			code = errors.ErrCodeExchangeTransient
		}

		return types.Ticker{}, errors.Newf(code, "spot request for %s returned %d", symbol, resp.StatusCode())
	}

	price, err := strconv.ParseFloat(out.Data.Amount, 64)
	if err != nil || price <= 0 {
		return types.Ticker{}, errors.Newf(errors.ErrCodeExchangePermanent, "unparseable spot price %q for %s", out.Data.Amount, symbol)
	}

	return types.Ticker{Symbol: symbol, Last: price, Time: time.Now()}, nil
}
