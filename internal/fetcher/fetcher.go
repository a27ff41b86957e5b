// Package fetcher shapes the time window requested for a series and calls the
// exchange source for it.
package fetcher

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/exchange"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// ComputeWindow returns the closed range to request for key.
//
// With a stored last timestamp the window starts overlap before it, so a
// late-revised candle near the tail is seen again. Without one it starts
// maxLookback before now. Both ends sit on the period grid, and To is the open
// time of the latest candle that has fully closed at now.
func ComputeWindow(key models.SeriesKey, last int64, hasLast bool, now time.Time, tuning models.Tuning) models.FetchWindow {
	p := key.Period
	nowTS := now.Unix()

	var from int64
	if hasLast {
		from = last - int64(tuning.Overlap/time.Second)
	} else {
		from = nowTS - int64(tuning.MaxLookback/time.Second)
	}

	return models.FetchWindow{
		Key:     key,
		From:    p.Floor(from),
		To:      p.Floor(nowTS) - p.Seconds(),
		Overlap: tuning.Overlap,
	}
}

// Fetcher requests windows from a Source under a per-call timeout. It never
// retries; a failed key waits for the next tick.
type Fetcher struct {
	source  exchange.Source
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Fetcher. A non-positive timeout leaves the caller's deadline
// as the only bound.
func New(source exchange.Source, timeout time.Duration, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{source: source, timeout: timeout, logger: logger}
}

// Fetch computes the window for key and retrieves it. An empty window returns
// no candles and makes no call. Every failure, including the timeout, comes back
// as a *SourceError.
func (f *Fetcher) Fetch(ctx context.Context, key models.SeriesKey, tuning models.Tuning, last int64, hasLast bool, now time.Time) ([]models.Candle, models.FetchWindow, error) {
	window := ComputeWindow(key, last, hasLast, now, tuning)
	if window.Empty() {
		f.logger.Debug("fetch window empty, skipping source call",
			"key", key.String(), "from", window.From, "to", window.To)
		return nil, window, nil
	}

	callCtx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	candles, err := f.source.FetchCandles(callCtx, key.Exchange, key.Pair, key.Period, window.From, window.To)
	if err != nil {
		return nil, window, apperrors.NewSourceError(key.Exchange, key.Pair, err)
	}

	kept := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if window.Contains(c.Timestamp) {
			kept = append(kept, c)
		}
	}
	if dropped := len(candles) - len(kept); dropped > 0 {
		f.logger.Warn("source returned candles outside the window",
			"key", key.String(), "dropped", dropped, "from", window.From, "to", window.To)
	}

	f.logger.Debug("fetched window",
		"key", key.String(),
		"from", window.From,
		"to", window.To,
		"count", len(kept),
		"duration", time.Since(start))
	return kept, window, nil
}
