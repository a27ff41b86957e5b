package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

const (
	coinbaseBaseURL = "https://api.coinbase.com"

	productsEndpoint = "/api/v3/brokerage/market/products"
	candlesEndpoint  = "/api/v3/brokerage/market/products/%s/candles"

	maxCandlesPerRequest = 300
	pairCacheTTL         = 5 * time.Minute
)

var coinbaseGranularities = map[int64]string{
	60:    "ONE_MINUTE",
	300:   "FIVE_MINUTE",
	900:   "FIFTEEN_MINUTE",
	1800:  "THIRTY_MINUTE",
	3600:  "ONE_HOUR",
	7200:  "TWO_HOUR",
	21600: "SIX_HOUR",
	86400: "ONE_DAY",
}

// CoinbaseAdapter reads candles from the Coinbase Advanced Trade public market API.
type CoinbaseAdapter struct {
	client  *restClient
	baseURL string
	cfg     AdapterConfig

	pairMu    sync.RWMutex
	pairs     []string
	pairsTime time.Time
}

// NewCoinbaseAdapter creates a Coinbase adapter.
func NewCoinbaseAdapter(cfg AdapterConfig) *CoinbaseAdapter {
	cfg = cfg.withDefaults(coinbaseBaseURL)
	return &CoinbaseAdapter{
		client:  newRestClient("coinbase", cfg),
		baseURL: cfg.BaseURL,
		cfg:     cfg,
	}
}

// Name implements Adapter.
func (c *CoinbaseAdapter) Name() string { return "coinbase" }

// FetchCandles implements Source. Windows wider than 300 candles are split
// into consecutive requests.
func (c *CoinbaseAdapter) FetchCandles(ctx context.Context, exchange, pair string, period models.Period, from, to int64) ([]models.Candle, error) {
	granularity, ok := coinbaseGranularities[period.Seconds()]
	if !ok {
		return nil, fmt.Errorf("coinbase has no %s granularity: %w", period, apperrors.ErrNotSupported)
	}
	if from > to {
		return nil, nil
	}

	step := period.Seconds()
	var out []models.Candle
	for start := from; start <= to; start += maxCandlesPerRequest * step {
		end := start + (maxCandlesPerRequest-1)*step
		if end > to {
			end = to
		}

		chunk, err := c.fetchChunk(ctx, pair, granularity, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}

	c.cfg.Logger.Debug("fetched candles from coinbase",
		"pair", pair, "period", period.String(), "from", from, "to", to, "count", len(out))
	return clampToWindow(out, from, to), nil
}

func (c *CoinbaseAdapter) fetchChunk(ctx context.Context, pair, granularity string, start, end int64) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(start, 10))
	params.Set("end", strconv.FormatInt(end, 10))
	params.Set("granularity", granularity)
	params.Set("limit", strconv.Itoa(maxCandlesPerRequest))

	requestURL := c.baseURL + fmt.Sprintf(candlesEndpoint, url.PathEscape(pair)) + "?" + params.Encode()
	body, err := c.client.get(ctx, requestURL)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Candles []coinbaseCandle `json:"candles"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse candles response: %w", err)
	}

	candles := make([]models.Candle, 0, len(resp.Candles))
	for _, raw := range resp.Candles {
		ts, err := strconv.ParseInt(raw.Start, 10, 64)
		if err != nil {
			c.cfg.Logger.Warn("skipping candle with bad start", "pair", pair, "start", raw.Start)
			continue
		}
		candle, err := models.NewCandle(ts, raw.Open, raw.High, raw.Low, raw.Close, raw.Volume)
		if err != nil {
			c.cfg.Logger.Warn("skipping unparseable candle", "pair", pair, "start", ts, "error", err)
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// ListPairs implements PairLister. Products with trading disabled are left out.
// The result is cached for five minutes.
func (c *CoinbaseAdapter) ListPairs(ctx context.Context) ([]string, error) {
	c.pairMu.RLock()
	if len(c.pairs) > 0 && time.Since(c.pairsTime) < pairCacheTTL {
		pairs := append([]string(nil), c.pairs...)
		c.pairMu.RUnlock()
		return pairs, nil
	}
	c.pairMu.RUnlock()

	body, err := c.client.get(ctx, c.baseURL+productsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch products: %w", err)
	}

	var resp struct {
		Products []coinbaseProduct `json:"products"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse products response: %w", err)
	}

	pairs := make([]string, 0, len(resp.Products))
	for _, p := range resp.Products {
		if p.TradingDisabled || p.IsDisabled {
			continue
		}
		pairs = append(pairs, p.ProductID)
	}

	c.pairMu.Lock()
	c.pairs = pairs
	c.pairsTime = time.Now()
	c.pairMu.Unlock()

	return append([]string(nil), pairs...), nil
}

// Coinbase encodes the candle start as a string of unix seconds.
type coinbaseCandle struct {
	Start  string `json:"start"`
	Low    string `json:"low"`
	High   string `json:"high"`
	Open   string `json:"open"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
}

type coinbaseProduct struct {
	ProductID       string `json:"product_id"`
	Status          string `json:"status"`
	TradingDisabled bool   `json:"trading_disabled"`
	IsDisabled      bool   `json:"is_disabled"`
}
