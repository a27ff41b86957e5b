package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

const (
	binanceBaseURL    = "https://api.binance.com"
	maxKlinesPerPage  = 1000
	binanceStatusLive = "TRADING"
)

var binanceIntervals = map[int64]string{
	60:     "1m",
	180:    "3m",
	300:    "5m",
	900:    "15m",
	1800:   "30m",
	3600:   "1h",
	7200:   "2h",
	14400:  "4h",
	21600:  "6h",
	28800:  "8h",
	43200:  "12h",
	86400:  "1d",
	259200: "3d",
	604800: "1w",
}

// BinanceAdapter reads spot klines through the go-binance client.
type BinanceAdapter struct {
	client *binance.Client
	cfg    AdapterConfig
	now    func() time.Time
}

// NewBinanceAdapter creates a Binance spot adapter.
func NewBinanceAdapter(cfg AdapterConfig) *BinanceAdapter {
	cfg = cfg.withDefaults(binanceBaseURL)

	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	client.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &BinanceAdapter{client: client, cfg: cfg, now: time.Now}
}

// Name implements Adapter.
func (b *BinanceAdapter) Name() string { return "binance" }

// FetchCandles implements Source. Binance pages at 1000 klines and reports
// times in milliseconds; the kline still forming at request time is dropped.
func (b *BinanceAdapter) FetchCandles(ctx context.Context, exchange, pair string, period models.Period, from, to int64) ([]models.Candle, error) {
	interval, ok := binanceIntervals[period.Seconds()]
	if !ok {
		return nil, fmt.Errorf("binance has no %s interval: %w", period, apperrors.ErrNotSupported)
	}
	if from > to {
		return nil, nil
	}

	symbol := binanceSymbol(pair)
	step := period.Seconds()
	var out []models.Candle

	for start := from; start <= to; {
		klines, err := b.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(start * 1000).
			EndTime(to * 1000).
			Limit(maxKlinesPerPage).
			Do(ctx)
		if err != nil {
			return nil, mapBinanceError(err)
		}
		if len(klines) == 0 {
			break
		}

		last := start
		for _, k := range klines {
			if k == nil {
				continue
			}
			ts := k.OpenTime / 1000
			if ts > last {
				last = ts
			}
			if ts+step > b.now().Unix() {
				continue // still forming
			}
			candle, err := models.NewCandle(ts, k.Open, k.High, k.Low, k.Close, k.Volume)
			if err != nil {
				b.cfg.Logger.Warn("skipping unparseable kline", "pair", pair, "open_time", k.OpenTime, "error", err)
				continue
			}
			out = append(out, candle)
		}

		if len(klines) < maxKlinesPerPage {
			break
		}
		start = last + step
	}

	b.cfg.Logger.Debug("fetched klines from binance",
		"pair", pair, "period", period.String(), "from", from, "to", to, "count", len(out))
	return clampToWindow(out, from, to), nil
}

// ListPairs implements PairLister with the symbols currently trading.
func (b *BinanceAdapter) ListPairs(ctx context.Context) ([]string, error) {
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapBinanceError(err)
	}

	pairs := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != binanceStatusLive {
			continue
		}
		pairs = append(pairs, s.Symbol)
	}
	return pairs, nil
}

// binanceSymbol strips the separators people commonly write pairs with.
func binanceSymbol(pair string) string {
	r := strings.NewReplacer("/", "", "-", "", "_", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(pair)))
}

// mapBinanceError translates API error codes to the shared sentinels.
func mapBinanceError(err error) error {
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return err
	}

	switch apiErr.Code {
	case -1003, -1015:
		return fmt.Errorf("%w: %w", err, apperrors.ErrRateLimited)
	case -1121, -1120:
		return fmt.Errorf("%w: %w", err, apperrors.ErrNotSupported)
	case -2014, -2015, -1022:
		return fmt.Errorf("%w: %w", err, apperrors.ErrAuthentication)
	case -1000, -1001, -1006, -1007:
		return fmt.Errorf("%w: %w", err, apperrors.ErrUnavailable)
	default:
		return fmt.Errorf("%w: %w", err, apperrors.ErrBadRequest)
	}
}
