package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

func writeWhitelist(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestTrackingWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.yaml")
	writeWhitelist(t, path, `
exchanges:
  binance: [BTCUSDT]
key_tuning:
  binance:BTCUSDT:
    overlap: 2h
`)

	base := DefaultConfig().Tracking
	w, err := NewTrackingWatcher(path, base, testLogger())
	require.NoError(t, err)

	snap := w.Current()
	require.NotNil(t, snap)
	assert.Equal(t, models.Minute, snap.Period())
	assert.Equal(t, []string{"binance"}, snap.Exchanges())

	key := models.SeriesKey{Exchange: "binance", Pair: "BTCUSDT", Period: models.Minute}
	assert.Equal(t, 2*time.Hour, snap.TuningFor(key).Overlap)
	assert.Equal(t, 24*time.Hour, snap.TuningFor(key).MaxLookback)

	var seen []*Tracked
	w.OnChange(func(tr *Tracked) { seen = append(seen, tr) })

	writeWhitelist(t, path, `
period: 5m
exchanges:
  binance: [BTCUSDT, ETHUSDT]
  kraken: []
`)
	require.NoError(t, w.Reload())

	updated := w.Current()
	assert.Equal(t, models.FiveMinutes, updated.Period())
	assert.Equal(t, []string{"binance", "kraken"}, updated.Exchanges())
	assert.True(t, updated.TracksAll("kraken"))
	require.Len(t, seen, 1)
	assert.Same(t, updated, seen[0])

	// the earlier snapshot is unaffected
	assert.Equal(t, models.Minute, snap.Period())
	// base maps were not written through
	assert.Empty(t, base.KeyTuning)

	t.Run("invalid edit keeps previous snapshot", func(t *testing.T) {
		writeWhitelist(t, path, "period: 7x\n")
		assert.Error(t, w.Reload())
		assert.Same(t, updated, w.Current())
		assert.Len(t, seen, 1)
	})
}

func TestNewTrackingWatcher_Errors(t *testing.T) {
	_, err := NewTrackingWatcher("", DefaultConfig().Tracking, nil)
	assert.Error(t, err)

	_, err = NewTrackingWatcher(filepath.Join(t.TempDir(), "missing.yaml"), DefaultConfig().Tracking, nil)
	assert.Error(t, err)
}
