package config

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "ohlcv-aggregator", config.AppName)
	assert.Equal(t, "duckdb", config.Storage.Type)
	assert.Equal(t, 10, config.Storage.TailSize)
	assert.Equal(t, 4, config.Collector.WorkerCount)
	assert.Equal(t, "1m", config.Tracking.Period)
	assert.Equal(t, "75m", config.Tracking.Overlap)
	assert.Contains(t, config.Exchanges, "kraken")
	assert.Equal(t, "info", config.Logging.Level)
	assert.False(t, config.Ops.Enabled)

	require.NoError(t, config.Validate())
	assert.Equal(t, models.Minute, config.Period())

	keyTimeout, fetchTimeout := config.Collector.Durations()
	assert.Equal(t, 2*time.Minute, keyTimeout)
	assert.Equal(t, 30*time.Second, fetchTimeout)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{"missing storage type", func(c *AppConfig) { c.Storage.Type = "" }, "storage.type is required"},
		{"unknown storage type", func(c *AppConfig) { c.Storage.Type = "mongo" }, "storage.type must be one of"},
		{"missing database url", func(c *AppConfig) { c.Storage.DatabaseURL = "" }, "storage.database_url is required for duckdb storage"},
		{"zero tail size", func(c *AppConfig) { c.Storage.TailSize = 0 }, "storage.tail_size must be greater than 0"},
		{"zero workers", func(c *AppConfig) { c.Collector.WorkerCount = 0 }, "collector.worker_count must be greater than 0"},
		{"bad key timeout", func(c *AppConfig) { c.Collector.KeyTimeout = "soon" }, "collector.key_timeout is not a valid duration"},
		{"zero fetch timeout", func(c *AppConfig) { c.Collector.FetchTimeout = "0s" }, "collector.fetch_timeout must be greater than 0"},
		{"bad period", func(c *AppConfig) { c.Tracking.Period = "1x" }, "tracking.period is invalid"},
		{"no exchanges", func(c *AppConfig) { c.Tracking.Exchanges = nil }, "tracking.exchanges must list at least one exchange"},
		{"negative overlap", func(c *AppConfig) { c.Tracking.Overlap = "nope" }, "tracking.overlap is not a valid duration"},
		{"zero lookback", func(c *AppConfig) { c.Tracking.MaxLookback = "0s" }, "tracking.max_lookback must be greater than 0"},
		{"key tuning without pair", func(c *AppConfig) {
			c.Tracking.KeyTuning = map[string]TuningConfig{"binance": {Overlap: "1h"}}
		}, "tracking.key_tuning.binance must be exchange:pair"},
		{"bad exchange tuning", func(c *AppConfig) {
			c.Tracking.ExchangeTuning = map[string]TuningConfig{"kraken": {MaxLookback: "-1h"}}
		}, "tracking.exchange_tuning.kraken.max_lookback is not a valid duration"},
		{"negative rate limit", func(c *AppConfig) {
			c.Exchanges["binance"] = ExchangeConfig{RateLimit: -1}
		}, "exchanges.binance.rate_limit must not be negative"},
		{"bad log level", func(c *AppConfig) { c.Logging.Level = "verbose" }, "logging.level must be one of"},
		{"bad log format", func(c *AppConfig) { c.Logging.Format = "xml" }, "logging.format must be one of"},
		{"file output without path", func(c *AppConfig) { c.Logging.Output = "file" }, "logging.file_path is required"},
		{"ops without addr", func(c *AppConfig) { c.Ops.Enabled = true; c.Ops.Addr = "" }, "ops.addr is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "configuration validation errors:")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("memory storage needs no url", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.Type = "memory"
		config.Storage.DatabaseURL = ""
		assert.NoError(t, config.Validate())
	})

	t.Run("zero overlap is allowed", func(t *testing.T) {
		config := DefaultConfig()
		config.Tracking.Overlap = "0s"
		assert.NoError(t, config.Validate())
	})

	t.Run("whitelist path replaces inline exchanges", func(t *testing.T) {
		config := DefaultConfig()
		config.Tracking.Exchanges = nil
		config.Tracking.WhitelistPath = "./whitelist.yaml"
		assert.NoError(t, config.Validate())
	})

	t.Run("all errors reported together", func(t *testing.T) {
		config := DefaultConfig()
		config.Storage.TailSize = 0
		config.Collector.WorkerCount = 0
		err := config.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage.tail_size")
		assert.Contains(t, err.Error(), "collector.worker_count")
	})
}

func TestConfigManager_LoadConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults when file is missing", func(t *testing.T) {
		cm := NewConfigManager(filepath.Join(t.TempDir(), "missing.json"), "", testLogger())
		config, err := cm.LoadConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Tracking.Exchanges, config.Tracking.Exchanges)
		assert.Same(t, config, cm.GetConfig())
	})

	t.Run("json file replaces tracked map", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		raw := map[string]any{
			"storage":  map[string]any{"type": "sqlite", "database_url": "/tmp/x.db", "tail_size": 5},
			"tracking": map[string]any{"period": "5m", "exchanges": map[string]any{"kraken": []string{"XBT/USD"}}},
		}
		data, err := json.Marshal(raw)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		config, err := NewConfigManager(path, "", testLogger()).LoadConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, "sqlite", config.Storage.Type)
		assert.Equal(t, 5, config.Storage.TailSize)
		assert.Equal(t, models.FiveMinutes, config.Period())
		assert.Equal(t, map[string][]string{"kraken": {"XBT/USD"}}, config.Tracking.Exchanges)
		assert.Equal(t, "75m", config.Tracking.Overlap)
	})

	t.Run("yaml file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		yamlDoc := `
collector:
  worker_count: 8
tracking:
  period: 1h
  overlap: 3h
  exchanges:
    binance: []
  exchange_tuning:
    binance:
      max_lookback: 720h
logging:
  level: debug
`
		require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

		config, err := NewConfigManager(path, "", testLogger()).LoadConfig(ctx)
		require.NoError(t, err)
		assert.Equal(t, 8, config.Collector.WorkerCount)
		assert.Equal(t, "debug", config.Logging.Level)

		snap, err := config.Tracking.Snapshot()
		require.NoError(t, err)
		assert.True(t, snap.TracksAll("binance"))
		tuning := snap.TuningFor(models.SeriesKey{Exchange: "binance", Pair: "BTCUSDT", Period: models.Hour})
		assert.Equal(t, 3*time.Hour, tuning.Overlap)
		assert.Equal(t, 720*time.Hour, tuning.MaxLookback)
	})

	t.Run("malformed file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
		_, err := NewConfigManager(path, "", testLogger()).LoadConfig(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load config from file")
	})

	t.Run("invalid result fails validation", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"collector":{"worker_count":-1}}`), 0o644))
		_, err := NewConfigManager(path, "", testLogger()).LoadConfig(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configuration validation failed")
	})
}

func TestConfigManager_EnvOverrides(t *testing.T) {
	t.Setenv("OHLCV_STORAGE_TYPE", "memory")
	t.Setenv("OHLCV_TAIL_SIZE", "3")
	t.Setenv("OHLCV_WORKER_COUNT", "2")
	t.Setenv("OHLCV_PERIOD", "15m")
	t.Setenv("OHLCV_TRACK", "binance=BTCUSDT; kraken=")
	t.Setenv("OHLCV_BINANCE_API_KEY", "key-123")
	t.Setenv("OHLCV_OPS_ENABLED", "true")

	config, err := NewConfigManager("", "", testLogger()).LoadConfig(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "memory", config.Storage.Type)
	assert.Equal(t, 3, config.Storage.TailSize)
	assert.Equal(t, 2, config.Collector.WorkerCount)
	assert.Equal(t, models.FifteenMinutes, config.Period())
	assert.Equal(t, map[string][]string{"binance": {"BTCUSDT"}, "kraken": {}}, config.Tracking.Exchanges)
	assert.Equal(t, "key-123", config.Exchanges["binance"].APIKey)
	assert.True(t, config.Ops.Enabled)
}

func TestConfigManager_EnvOverridesInvalidNumber(t *testing.T) {
	t.Setenv("OHLCV_WORKER_COUNT", "many")
	_, err := NewConfigManager("", "", testLogger()).LoadConfig(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OHLCV_WORKER_COUNT")
}

func TestConfigManager_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("OHLCV_COINBASE_API_SECRET=from-dotenv\nOHLCV_SCHEDULE_INTERVAL=30m\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("OHLCV_COINBASE_API_SECRET")
		os.Unsetenv("OHLCV_SCHEDULE_INTERVAL")
	})

	config, err := NewConfigManager("", envFile, testLogger()).LoadConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", config.Exchanges["coinbase"].APISecret)
	assert.Equal(t, "30m", config.Scheduler.Interval)

	t.Run("missing env file is ignored", func(t *testing.T) {
		_, err := NewConfigManager("", filepath.Join(dir, "nope.env"), testLogger()).LoadConfig(context.Background())
		assert.NoError(t, err)
	})
}

func TestParseTrackSpec(t *testing.T) {
	got, err := ParseTrackSpec(" binance = BTCUSDT , ETHUSDT ;coinbase=;")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"binance":  {"BTCUSDT", "ETHUSDT"},
		"coinbase": {},
	}, got)

	_, err = ParseTrackSpec("binance")
	assert.Error(t, err)
	_, err = ParseTrackSpec("=BTCUSDT")
	assert.Error(t, err)
}

func TestTrackingSnapshot(t *testing.T) {
	cfg := TrackingConfig{
		Period:      "1m",
		Overlap:     "75m",
		MaxLookback: "24h",
		Exchanges: map[string][]string{
			"coinbase": {"ETH-USD", "BTC-USD"},
			"binance":  {"BTCUSDT"},
			"kraken":   {},
		},
		ExchangeTuning: map[string]TuningConfig{"kraken": {Overlap: "12h"}},
		KeyTuning:      map[string]TuningConfig{"kraken:XBT/USD": {MaxLookback: "48h"}},
	}

	snap, err := cfg.Snapshot()
	require.NoError(t, err)

	assert.Equal(t, models.Minute, snap.Period())
	assert.Equal(t, []string{"binance", "coinbase", "kraken"}, snap.Exchanges())
	assert.True(t, snap.TracksAll("kraken"))
	assert.False(t, snap.TracksAll("binance"))
	assert.False(t, snap.TracksAll("bitstamp"))

	keys := snap.Keys()
	require.Len(t, keys, 3)
	assert.Equal(t, "binance:BTCUSDT:1m", keys[0].String())
	assert.Equal(t, "coinbase:BTC-USD:1m", keys[1].String())
	assert.Equal(t, "coinbase:ETH-USD:1m", keys[2].String())

	pairs := snap.PairsFor("coinbase")
	pairs[0] = "mutated"
	assert.Equal(t, "ETH-USD", snap.PairsFor("coinbase")[0])

	key := func(ex, pair string) models.SeriesKey {
		return models.SeriesKey{Exchange: ex, Pair: pair, Period: models.Minute}
	}
	assert.Equal(t, models.Tuning{Overlap: 75 * time.Minute, MaxLookback: 24 * time.Hour}, snap.TuningFor(key("binance", "BTCUSDT")))
	assert.Equal(t, models.Tuning{Overlap: 12 * time.Hour, MaxLookback: 24 * time.Hour}, snap.TuningFor(key("kraken", "ETH/USD")))
	assert.Equal(t, models.Tuning{Overlap: 12 * time.Hour, MaxLookback: 48 * time.Hour}, snap.TuningFor(key("kraken", "XBT/USD")))

	_, err = TrackingConfig{Period: "bad"}.Snapshot()
	assert.Error(t, err)
}

func TestNewTracked(t *testing.T) {
	tuning := models.Tuning{Overlap: time.Hour, MaxLookback: time.Hour}
	snap := NewTracked(models.Hour, map[string][]string{"binance": {"ETHUSDT"}}, tuning)

	assert.Equal(t, []string{"binance"}, snap.Exchanges())
	assert.Len(t, snap.Keys(), 1)
	assert.Equal(t, tuning, snap.TuningFor(snap.Keys()[0]))
}

func TestConfigString_RedactsSecrets(t *testing.T) {
	config := DefaultConfig()
	config.Storage.Type = "postgres"
	config.Storage.DatabaseURL = "postgres://ohlcv:hunter2@db:5432/candles"
	config.Exchanges["binance"] = ExchangeConfig{APIKey: "abc", APISecret: "def"}

	out := config.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, `"abc"`)
	assert.NotContains(t, out, `"def"`)
	assert.Contains(t, out, "[REDACTED]")
	assert.Contains(t, out, "ohlcv:REDACTED@db:5432")

	// the original is untouched
	assert.Equal(t, "abc", config.Exchanges["binance"].APIKey)
}

func TestExchangeConfig_Retries(t *testing.T) {
	zero, three, negative := 0, 3, -1
	assert.Equal(t, 2, ExchangeConfig{}.Retries(2))
	assert.Equal(t, 0, ExchangeConfig{MaxRetries: &zero}.Retries(2))
	assert.Equal(t, 3, ExchangeConfig{MaxRetries: &three}.Retries(2))

	cfg := DefaultConfig()
	cfg.Exchanges["kraken"] = ExchangeConfig{MaxRetries: &negative}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchanges.kraken.max_retries must not be negative")
}

func TestConfigManager_MaxRetriesFromEnv(t *testing.T) {
	t.Setenv("OHLCV_BINANCE_MAX_RETRIES", "0")

	cfg, err := NewConfigManager("", "", testLogger()).LoadConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cfg.Exchanges["binance"].MaxRetries)
	assert.Equal(t, 0, *cfg.Exchanges["binance"].MaxRetries)
	assert.Nil(t, cfg.Exchanges["coinbase"].MaxRetries)
}

func TestExchangeConfig_Timeout(t *testing.T) {
	assert.Equal(t, 5*time.Second, ExchangeConfig{HTTPTimeout: "5s"}.Timeout(time.Minute))
	assert.Equal(t, time.Minute, ExchangeConfig{}.Timeout(time.Minute))
}
