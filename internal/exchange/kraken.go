package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

const (
	krakenBaseURL       = "https://api.kraken.com"
	krakenOHLCEndpoint  = "/0/public/OHLC"
	krakenPairsEndpoint = "/0/public/AssetPairs"
)

// Kraken intervals are expressed in minutes.
var krakenIntervals = map[int64]int{
	60:      1,
	300:     5,
	900:     15,
	1800:    30,
	3600:    60,
	14400:   240,
	86400:   1440,
	604800:  10080,
	1296000: 21600,
}

// KrakenAdapter reads candles from the Kraken public OHLC endpoint. Kraken keys
// the result by its own pair alias, so responses are walked with gjson instead of
// being decoded into fixed structs.
type KrakenAdapter struct {
	client  *restClient
	baseURL string
	cfg     AdapterConfig
}

// NewKrakenAdapter creates a Kraken adapter.
func NewKrakenAdapter(cfg AdapterConfig) *KrakenAdapter {
	cfg = cfg.withDefaults(krakenBaseURL)
	return &KrakenAdapter{
		client:  newRestClient("kraken", cfg),
		baseURL: cfg.BaseURL,
		cfg:     cfg,
	}
}

// Name implements Adapter.
func (k *KrakenAdapter) Name() string { return "kraken" }

// FetchCandles implements Source. Rows arrive as
// [time, open, high, low, close, vwap, volume, count]; the last row is the
// candle still forming and falls outside the window.
func (k *KrakenAdapter) FetchCandles(ctx context.Context, exchange, pair string, period models.Period, from, to int64) ([]models.Candle, error) {
	minutes, ok := krakenIntervals[period.Seconds()]
	if !ok {
		return nil, fmt.Errorf("kraken has no %s interval: %w", period, apperrors.ErrNotSupported)
	}
	if from > to {
		return nil, nil
	}

	params := url.Values{}
	params.Set("pair", krakenPair(pair))
	params.Set("interval", strconv.Itoa(minutes))
	params.Set("since", strconv.FormatInt(from-period.Seconds(), 10))

	body, err := k.client.get(ctx, k.baseURL+krakenOHLCEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	if err := krakenError(body); err != nil {
		return nil, err
	}

	var candles []models.Candle
	gjson.GetBytes(body, "result").ForEach(func(name, rows gjson.Result) bool {
		if name.String() == "last" || !rows.IsArray() {
			return true
		}
		for _, row := range rows.Array() {
			fields := row.Array()
			if len(fields) < 7 {
				continue
			}
			candle, err := models.NewCandle(fields[0].Int(),
				fields[1].String(), fields[2].String(), fields[3].String(), fields[4].String(),
				fields[6].String())
			if err != nil {
				k.cfg.Logger.Warn("skipping unparseable kraken row", "pair", pair, "row", row.Raw, "error", err)
				continue
			}
			candles = append(candles, candle)
		}
		return false
	})

	k.cfg.Logger.Debug("fetched candles from kraken",
		"pair", pair, "period", period.String(), "from", from, "to", to, "count", len(candles))
	return clampToWindow(candles, from, to), nil
}

// ListPairs implements PairLister using the websocket names, e.g. XBT/USD.
func (k *KrakenAdapter) ListPairs(ctx context.Context) ([]string, error) {
	body, err := k.client.get(ctx, k.baseURL+krakenPairsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch asset pairs: %w", err)
	}
	if err := krakenError(body); err != nil {
		return nil, err
	}

	var pairs []string
	gjson.GetBytes(body, "result").ForEach(func(name, info gjson.Result) bool {
		if ws := info.Get("wsname").String(); ws != "" {
			pairs = append(pairs, ws)
		} else {
			pairs = append(pairs, name.String())
		}
		return true
	})
	return pairs, nil
}

// krakenPair accepts XBT/USD, XBT-USD or XBTUSD.
func krakenPair(pair string) string {
	r := strings.NewReplacer("/", "", "-", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(pair)))
}

// krakenError reads the error array Kraken returns with HTTP 200.
func krakenError(body []byte) error {
	errs := gjson.GetBytes(body, "error").Array()
	if len(errs) == 0 {
		return nil
	}

	msg := errs[0].String()
	var kind error
	switch {
	case strings.HasPrefix(msg, "EQuery:Unknown asset pair"):
		kind = apperrors.ErrNotSupported
	case strings.Contains(msg, "Rate limit"), strings.Contains(msg, "Too many requests"):
		kind = apperrors.ErrRateLimited
	case strings.HasPrefix(msg, "EService:"):
		kind = apperrors.ErrUnavailable
	case strings.HasPrefix(msg, "EAPI:Invalid key"), strings.HasPrefix(msg, "EGeneral:Permission denied"):
		kind = apperrors.ErrAuthentication
	default:
		kind = apperrors.ErrBadRequest
	}
	return fmt.Errorf("kraken: %s: %w", msg, kind)
}
