package collector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/exchange"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
	"github.com/johnayoung/ohlcv-aggregator/internal/storage"
)

// 2024-01-01 12:00:00 UTC, on every grid up to a day
const nowTS = int64(1704110400)

var testTuning = models.Tuning{Overlap: 10 * time.Minute, MaxLookback: time.Hour}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func candle(ts int64) models.Candle {
	c, err := models.NewCandle(ts, "100", "110", "90", "105", "3")
	if err != nil {
		panic(err)
	}
	return c
}

// minutes returns one candle per minute from nowTS-n*60 up to and including nowTS.
// The last one is still forming at nowTS.
func minutes(n int) []models.Candle {
	out := make([]models.Candle, 0, n+1)
	for ts := nowTS - int64(n)*60; ts <= nowTS; ts += 60 {
		out = append(out, candle(ts))
	}
	return out
}

func tracked(pairs map[string][]string) *config.Tracked {
	return config.NewTracked(models.Minute, pairs, testTuning)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Logger = createTestLogger()
	cfg.KeyTimeout = 2 * time.Second
	cfg.FetchTimeout = time.Second
	return cfg
}

func newTestDriver(t *testing.T, source exchange.Source, store Store, pairs PairLister, cfg *Config) *Driver {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	d, err := New(source, store, pairs, cfg)
	require.NoError(t, err)
	d.now = func() time.Time { return time.Unix(nowTS, 0) }
	return d
}

func storedTimestamps(t *testing.T, store storage.SeriesReader, key models.SeriesKey) []int64 {
	t.Helper()
	var out []int64
	require.NoError(t, store.Scan(context.Background(), key, func(c models.Candle) error {
		out = append(out, c.Timestamp)
		return nil
	}))
	return out
}

func keyResult(t *testing.T, res TickResult, pair string) KeyResult {
	t.Helper()
	for _, k := range res.Keys {
		if k.Key.Pair == pair {
			return k
		}
	}
	t.Fatalf("no result for %s", pair)
	return KeyResult{}
}

type mockSource struct {
	mock.Mock
}

func (m *mockSource) FetchCandles(ctx context.Context, exchange, pair string, period models.Period, from, to int64) ([]models.Candle, error) {
	args := m.Called(ctx, exchange, pair, period, from, to)
	if c := args.Get(0); c != nil {
		return c.([]models.Candle), args.Error(1)
	}
	return nil, args.Error(1)
}

// tailStore serves a fixed tail and records appends.
type tailStore struct {
	mu       sync.Mutex
	tail     []models.Candle
	readErr  error
	appended [][]models.Candle
}

func (s *tailStore) ReadTail(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error) {
	return s.tail, s.readErr
}

func (s *tailStore) Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, candles)
	return nil
}

type recordingObserver struct {
	ticks []TickResult
}

func (o *recordingObserver) ObserveTick(r TickResult) { o.ticks = append(o.ticks, r) }

func TestDriver_FirstTickUsesMaxLookback(t *testing.T) {
	src := &mockSource{}
	key := models.SeriesKey{Exchange: "binance", Pair: "BTCUSDT", Period: models.Minute}
	from, to := nowTS-3600, nowTS-60
	src.On("FetchCandles", mock.Anything, "binance", "BTCUSDT", models.Minute, from, to).
		Return(minutes(60)[:60], nil).Once()

	store := storage.NewMemoryStore()
	d := newTestDriver(t, src, store, nil, nil)

	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"BTCUSDT"}}))
	src.AssertExpectations(t)

	require.Len(t, res.Keys, 1)
	kr := res.Keys[0]
	require.NoError(t, kr.Err)
	assert.Equal(t, key, kr.Key)
	assert.Equal(t, from, kr.Window.From)
	assert.Equal(t, to, kr.Window.To)
	assert.Equal(t, 60, kr.Fetched)
	assert.Equal(t, 60, kr.Appended)
	assert.True(t, kr.Report.Empty())

	ts := storedTimestamps(t, store, key)
	require.Len(t, ts, 60)
	assert.Equal(t, from, ts[0])
	assert.Equal(t, to, ts[len(ts)-1])
}

func TestDriver_SecondTickOverlapsTail(t *testing.T) {
	src := &mockSource{}
	key := models.SeriesKey{Exchange: "binance", Pair: "BTCUSDT", Period: models.Minute}

	store := storage.NewMemoryStore()
	seed := minutes(5)[:3] // nowTS-300 .. nowTS-180
	require.NoError(t, store.Append(context.Background(), key, seed))

	// overlap of 10m before the stored last timestamp
	from := nowTS - 180 - 600
	src.On("FetchCandles", mock.Anything, "binance", "BTCUSDT", models.Minute, from, nowTS-60).
		Return(minutes(13)[:13], nil).Once()

	d := newTestDriver(t, src, store, nil, nil)
	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"BTCUSDT"}}))
	src.AssertExpectations(t)

	kr := res.Keys[0]
	require.NoError(t, kr.Err)
	assert.Equal(t, 2, kr.Appended)
	assert.Equal(t, []int64{nowTS - 300, nowTS - 240, nowTS - 180, nowTS - 120, nowTS - 60}, storedTimestamps(t, store, key))
}

func TestDriver_KeysAreIsolated(t *testing.T) {
	src := exchange.NewStaticSource()
	src.SetCandles("binance", "BTCUSDT", minutes(10))
	src.SetError("binance", "ETHUSDT", errors.New("503 service unavailable"))
	src.SetCandles("coinbase", "BTC-USD", minutes(5))

	store := storage.NewMemoryStore()
	d := newTestDriver(t, src, store, nil, nil)
	obs := &recordingObserver{}
	d.Observe(obs)

	res := d.RunTick(context.Background(), tracked(map[string][]string{
		"binance":  {"BTCUSDT", "ETHUSDT"},
		"coinbase": {"BTC-USD"},
	}))

	require.Len(t, res.Keys, 3)
	assert.Equal(t, 2, res.Succeeded())
	assert.Equal(t, 1, res.Failed())
	assert.Equal(t, 15, res.Appended())
	assert.False(t, res.OK())
	assert.NotEmpty(t, res.TickID)

	eth := keyResult(t, res, "ETHUSDT")
	assert.True(t, apperrors.IsSourceError(eth.Err))
	assert.Zero(t, eth.Appended)

	assert.Len(t, storedTimestamps(t, store, keyResult(t, res, "BTCUSDT").Key), 10)
	assert.Len(t, storedTimestamps(t, store, keyResult(t, res, "BTC-USD").Key), 5)
	assert.Empty(t, storedTimestamps(t, store, eth.Key))

	require.Len(t, obs.ticks, 1)
	assert.Equal(t, res.TickID, obs.ticks[0].TickID)
}

func TestDriver_Idempotent(t *testing.T) {
	src := exchange.NewStaticSource()
	src.SetCandles("binance", "BTCUSDT", minutes(20))

	store := storage.NewMemoryStore()
	d := newTestDriver(t, src, store, nil, nil)
	tr := tracked(map[string][]string{"binance": {"BTCUSDT"}})

	first := d.RunTick(context.Background(), tr)
	require.True(t, first.OK())
	assert.Equal(t, 20, first.Appended())

	key := first.Keys[0].Key
	before := storedTimestamps(t, store, key)

	second := d.RunTick(context.Background(), tr)
	require.True(t, second.OK())
	assert.Zero(t, second.Appended())
	assert.True(t, second.Keys[0].Report.Empty())
	assert.Equal(t, before, storedTimestamps(t, store, key))
}

func TestDriver_GapIsReportedNotFilled(t *testing.T) {
	src := exchange.NewStaticSource()
	all := minutes(10)
	// drop nowTS-300 and nowTS-240
	src.SetCandles("binance", "BTCUSDT", append(append([]models.Candle{}, all[:5]...), all[7:]...))

	store := storage.NewMemoryStore()
	d := newTestDriver(t, src, store, nil, nil)

	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"BTCUSDT"}}))
	kr := res.Keys[0]
	require.NoError(t, kr.Err)
	assert.Equal(t, 8, kr.Appended)
	assert.Equal(t, []models.Gap{{Prev: nowTS - 360, Next: nowTS - 180, Missing: 2}}, kr.Report.Gaps())
}

func TestDriver_InconsistentTail(t *testing.T) {
	src := exchange.NewStaticSource()
	src.SetCandles("binance", "BTCUSDT", minutes(10))
	store := &tailStore{tail: []models.Candle{candle(nowTS - 300), candle(nowTS - 360)}}

	d := newTestDriver(t, src, store, nil, nil)
	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"BTCUSDT"}}))

	kr := res.Keys[0]
	require.Error(t, kr.Err)
	assert.True(t, apperrors.IsReconcileError(kr.Err))
	assert.Empty(t, store.appended)
}

func TestDriver_StoreReadError(t *testing.T) {
	src := exchange.NewStaticSource()
	store := &tailStore{readErr: apperrors.NewStoreError("read_tail", "binance:BTCUSDT:1m", errors.New("disk gone"))}

	d := newTestDriver(t, src, store, nil, nil)
	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"BTCUSDT"}}))

	assert.True(t, apperrors.IsStoreError(res.Keys[0].Err))
	assert.Empty(t, src.Calls(), "no fetch after a failed tail read")
}

func TestDriver_KeyTimeout(t *testing.T) {
	src := exchange.NewStaticSource()
	src.SetCandles("binance", "BTCUSDT", minutes(10))
	src.SetHook(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	cfg := testConfig()
	cfg.KeyTimeout = 50 * time.Millisecond
	cfg.FetchTimeout = 0
	store := storage.NewMemoryStore()
	d := newTestDriver(t, src, store, nil, cfg)

	start := time.Now()
	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"BTCUSDT"}}))
	assert.Less(t, time.Since(start), time.Second)

	kr := res.Keys[0]
	assert.True(t, apperrors.IsSourceError(kr.Err))
	assert.ErrorIs(t, kr.Err, context.DeadlineExceeded)
	assert.Empty(t, storedTimestamps(t, store, kr.Key))
}

func TestDriver_DryRun(t *testing.T) {
	src := exchange.NewStaticSource()
	src.SetCandles("binance", "BTCUSDT", minutes(10))

	store := storage.NewMemoryStore()
	cfg := testConfig().WithDryRun()
	d := newTestDriver(t, src, store, nil, cfg)

	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"BTCUSDT"}}))
	assert.True(t, res.DryRun)
	assert.Equal(t, 10, res.Appended())
	assert.Empty(t, storedTimestamps(t, store, res.Keys[0].Key))
}

func TestDriver_ExpandsAllPairs(t *testing.T) {
	src := exchange.NewStaticSource()
	src.SetCandles("kraken", "XBT/USD", minutes(3))
	src.SetCandles("kraken", "ETH/USD", minutes(4))

	store := storage.NewMemoryStore()
	d := newTestDriver(t, src, store, src, nil)

	res := d.RunTick(context.Background(), tracked(map[string][]string{"kraken": {}}))
	require.Empty(t, res.Expansion)
	require.Len(t, res.Keys, 2)
	assert.Equal(t, 7, res.Appended())
	assert.Equal(t, "ETH/USD", res.Keys[0].Key.Pair)
	assert.Equal(t, "XBT/USD", res.Keys[1].Key.Pair)
}

func TestDriver_ExpansionFailure(t *testing.T) {
	src := exchange.NewStaticSource()
	src.SetCandles("binance", "BTCUSDT", minutes(3))

	d := newTestDriver(t, src, storage.NewMemoryStore(), nil, nil)

	res := d.RunTick(context.Background(), tracked(map[string][]string{
		"binance": {"BTCUSDT"},
		"kraken":  {},
	}))
	require.Len(t, res.Expansion, 1)
	assert.Equal(t, "kraken", res.Expansion[0].Exchange)
	assert.ErrorIs(t, res.Expansion[0].Err, apperrors.ErrNotSupported)

	require.Len(t, res.Keys, 1)
	assert.NoError(t, res.Keys[0].Err)
	assert.False(t, res.OK())
	assert.Len(t, res.Errors(), 1)
}

func TestDriver_RateLimitPerExchange(t *testing.T) {
	src := exchange.NewStaticSource()
	for _, p := range []string{"A", "B", "C"} {
		src.SetCandles("binance", p, minutes(2))
	}

	cfg := testConfig()
	cfg.RateLimits = map[string]RateLimit{"binance": {RequestsPerSecond: 20, Burst: 1}}
	d := newTestDriver(t, src, storage.NewMemoryStore(), nil, cfg)

	start := time.Now()
	res := d.RunTick(context.Background(), tracked(map[string][]string{"binance": {"A", "B", "C"}}))
	elapsed := time.Since(start)

	require.True(t, res.OK())
	// burst 1 at 20/s: the second and third calls wait 50ms each
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)

	assert.Same(t, d.limiter("binance"), d.limiter("binance"))
	assert.NotSame(t, d.limiter("binance"), d.limiter("kraken"))
}

func TestNew_Validation(t *testing.T) {
	src := exchange.NewStaticSource()

	_, err := New(nil, storage.NewMemoryStore(), nil, testConfig())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.WorkerCount = 0
	cfg.TailSize = -1
	_, err = New(src, storage.NewMemoryStore(), nil, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker count")
	assert.Contains(t, err.Error(), "tail size")

	d, err := New(src, storage.NewMemoryStore(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkerCount, d.config.WorkerCount)
}

func TestConfigFromApp(t *testing.T) {
	app := config.DefaultConfig()
	app.Collector.WorkerCount = 8
	app.Collector.KeyTimeout = "90s"
	app.Storage.TailSize = 25
	app.Exchanges["kraken"] = config.ExchangeConfig{RateLimit: 0.5, Burst: 2}
	app.Exchanges["paused"] = config.ExchangeConfig{}

	cfg := ConfigFromApp(app, createTestLogger())
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.Equal(t, 25, cfg.TailSize)
	assert.Equal(t, 90*time.Second, cfg.KeyTimeout)
	assert.Equal(t, 30*time.Second, cfg.FetchTimeout)
	assert.Equal(t, RateLimit{RequestsPerSecond: 0.5, Burst: 2}, cfg.RateLimits["kraken"])
	assert.NotContains(t, cfg.RateLimits, "paused")

	dry := cfg.WithDryRun()
	assert.True(t, dry.DryRun)
	assert.False(t, cfg.DryRun)
}

func TestKeyResult_MarshalJSON(t *testing.T) {
	kr := KeyResult{
		Key:      models.SeriesKey{Exchange: "binance", Pair: "BTCUSDT", Period: models.Minute},
		Appended: 3,
		Err:      errors.New("boom"),
		Duration: 1500 * time.Millisecond,
	}
	data, err := json.Marshal(kr)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "boom", decoded["error"])
	assert.Equal(t, float64(3), decoded["appended"])
	assert.Equal(t, float64(1500), decoded["duration_ms"])
	assert.Equal(t, "1m", decoded["key"].(map[string]any)["period"])
}
