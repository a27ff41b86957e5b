package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		str      string
	}{
		{"1m", time.Minute, "1m"},
		{"5m", 5 * time.Minute, "5m"},
		{"60m", time.Hour, "1h"},
		{"4h", 4 * time.Hour, "4h"},
		{"1d", 24 * time.Hour, "1d"},
		{"1w", 7 * 24 * time.Hour, "1w"},
		{"30s", 30 * time.Second, "30s"},
		{" 1H ", time.Hour, "1h"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, err := ParsePeriod(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p.Duration())
			assert.Equal(t, tt.str, p.String())
		})
	}

	for _, bad := range []string{"", "m", "0m", "-1m", "1x", "abc"} {
		t.Run("invalid_"+bad, func(t *testing.T) {
			_, err := ParsePeriod(bad)
			assert.Error(t, err)
		})
	}
}

func TestPeriod_Grid(t *testing.T) {
	p := Minute

	assert.Equal(t, int64(60), p.Seconds())
	assert.True(t, p.Aligned(1020))
	assert.False(t, p.Aligned(1030))
	assert.Equal(t, int64(960), p.Floor(1019))
	assert.Equal(t, int64(1020), p.Floor(1020))
	assert.Equal(t, int64(-60), p.Floor(-1))
}

func TestPeriod_TextRoundTrip(t *testing.T) {
	var cfg struct {
		Period Period `json:"period"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"period":"15m"}`), &cfg))
	assert.Equal(t, FifteenMinutes, cfg.Period)

	out, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"period":"15m"}`, string(out))
}

func TestSeriesKey(t *testing.T) {
	key, err := NewSeriesKey("coinbase-pro", "BTC/USD", "1m")
	require.NoError(t, err)

	assert.Equal(t, "coinbase-pro:BTC/USD:1m", key.String())
	assert.Equal(t, "BTC_USD_coinbase_pro_1m", key.TableName())

	_, err = NewSeriesKey("", "BTC/USD", "1m")
	assert.Error(t, err)
	_, err = NewSeriesKey("binance", " ", "1m")
	assert.Error(t, err)
	_, err = NewSeriesKey("binance", "BTCUSDT", "nope")
	assert.Error(t, err)
}

func TestSeriesKey_TableNameSanitizes(t *testing.T) {
	key := SeriesKey{Exchange: "x\"; DROP", Pair: "A-B", Period: Hour}
	assert.Equal(t, "A_B_x___DROP_1h", key.TableName())
}

func TestFetchWindow(t *testing.T) {
	w := FetchWindow{From: 600, To: 1200}
	assert.False(t, w.Empty())
	assert.True(t, w.Contains(600))
	assert.True(t, w.Contains(1200))
	assert.False(t, w.Contains(1260))
	assert.Equal(t, int64(600), w.Start().Unix())
	assert.Equal(t, int64(1200), w.End().Unix())

	assert.True(t, FetchWindow{From: 1260, To: 1200}.Empty())
}

func TestMergeReport(t *testing.T) {
	var r MergeReport
	assert.True(t, r.Empty())

	g := NewGap(1000, 1240, Minute)
	r.Add(Anomaly{Kind: AnomalyGap, Timestamp: 1240, Gap: &g})
	r.Add(Anomaly{Kind: AnomalyDuplicate, Timestamp: 1060})
	r.Add(Anomaly{Kind: AnomalyMalformed, Timestamp: 1061, Reason: "misaligned"})

	assert.False(t, r.Empty())
	assert.Equal(t, 1, r.Count(AnomalyGap))
	assert.Equal(t, []Gap{{Prev: 1000, Next: 1240, Missing: 3}}, r.Gaps())
	assert.Equal(t, []int64{1060}, r.Duplicates())
}

func TestConsistencyReport(t *testing.T) {
	r := ConsistencyReport{}
	assert.True(t, r.Empty())

	r.Gaps = []Gap{NewGap(180, 300, Minute), NewGap(300, 600, Minute)}
	assert.False(t, r.Empty())
	assert.Equal(t, int64(5), r.MissingTotal())
}
