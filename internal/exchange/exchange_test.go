package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

func mustCandle(t *testing.T, ts int64) models.Candle {
	t.Helper()
	c, err := models.NewCandle(ts, "10", "12", "9", "11", "5")
	require.NoError(t, err)
	return c
}

func TestNew(t *testing.T) {
	for _, name := range []string{"coinbase", "binance", "kraken"} {
		a, err := New(name, config.ExchangeConfig{HTTPTimeout: "5s"}, createTestLogger())
		require.NoError(t, err, name)
		assert.Equal(t, name, a.Name())
		_, lists := a.(PairLister)
		assert.True(t, lists, name)
	}

	_, err := New("mtgox", config.ExchangeConfig{}, nil)
	assert.ErrorIs(t, err, apperrors.ErrUnknownExchange)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	static := NewStaticSource()
	static.SetCandles("binance", "BTCUSDT", []models.Candle{mustCandle(t, 120), mustCandle(t, 60), mustCandle(t, 600)})

	r := NewRegistry()
	r.Register("binance", static)
	assert.Equal(t, []string{"binance"}, r.Names())

	got, err := r.FetchCandles(ctx, "binance", "BTCUSDT", models.Minute, 60, 180)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{60, 120}, models.Timestamps(got))

	_, err = r.FetchCandles(ctx, "kraken", "XBT/USD", models.Minute, 0, 60)
	assert.ErrorIs(t, err, apperrors.ErrUnknownExchange)

	_, err = r.ListPairs(ctx, "binance")
	assert.ErrorIs(t, err, apperrors.ErrNotSupported, "StaticSource lists per exchange, not as a PairLister")

	reg, err := NewRegistryFromConfig([]string{"coinbase", "kraken"}, config.DefaultConfig().Exchanges, createTestLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"coinbase", "kraken"}, reg.Names())

	_, err = NewRegistryFromConfig([]string{"nope"}, nil, nil)
	assert.Error(t, err)
}

func TestStaticSource(t *testing.T) {
	ctx := context.Background()
	src := NewStaticSource()

	src.SetCandles("coinbase", "ETH-USD", []models.Candle{mustCandle(t, 3600)})
	src.SetError("coinbase", "BTC-USD", apperrors.ErrRateLimited)

	got, err := src.FetchCandles(ctx, "coinbase", "ETH-USD", models.Hour, 0, 3600)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = src.FetchCandles(ctx, "coinbase", "BTC-USD", models.Hour, 0, 3600)
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	pairs, err := src.ListPairs(ctx, "coinbase")
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, pairs)

	calls := src.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, StaticCall{Exchange: "coinbase", Pair: "ETH-USD", From: 0, To: 3600}, calls[0])

	boom := errors.New("hook")
	src.SetHook(func(ctx context.Context) error { return boom })
	_, err = src.FetchCandles(ctx, "coinbase", "ETH-USD", models.Hour, 0, 3600)
	assert.ErrorIs(t, err, boom)

	src.SetHook(nil)
	canceled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.FetchCandles(canceled, "coinbase", "ETH-USD", models.Hour, 0, 3600)
	assert.ErrorIs(t, err, context.Canceled)
}
