// Package storage persists candle series. Every (exchange, pair, period) key owns
// one append-only table ordered by timestamp; stores enforce that appended candles
// keep the series strictly increasing, duplicate free and aligned to the period.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// SeriesReader reads stored series.
type SeriesReader interface {
	// ReadTail returns up to limit of the most recent candles for key in
	// ascending order. An unknown key yields an empty slice.
	ReadTail(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error)

	// Scan calls fn for every stored candle of key in ascending order and stops
	// at the first error fn returns.
	Scan(ctx context.Context, key models.SeriesKey, fn func(models.Candle) error) error
}

// SeriesWriter appends to stored series.
type SeriesWriter interface {
	// Append adds candles after the stored tail of key, creating the series on
	// first use. Either every candle is written or none is. Candles that would
	// break the series invariant are rejected with ErrInvariantViolation.
	Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error
}

// HealthChecker verifies that the backend is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SeriesStore is the full store used by the driver and the CLI.
type SeriesStore interface {
	SeriesReader
	SeriesWriter
	HealthChecker

	// Keys lists every series that has been appended to.
	Keys(ctx context.Context) ([]models.SeriesKey, error)

	// Stats summarizes each stored series.
	Stats(ctx context.Context) ([]SeriesStats, error)

	// Initialize prepares the backend. It is idempotent.
	Initialize(ctx context.Context) error

	Close() error
}

// SeriesStats summarizes one stored series.
type SeriesStats struct {
	Key   models.SeriesKey `json:"key"`
	Count int64            `json:"count"`
	First int64            `json:"first"`
	Last  int64            `json:"last"`
}

// New opens the store selected by cfg. The caller must Initialize it.
func New(cfg config.StorageConfig, logger *slog.Logger) (SeriesStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "duckdb":
		return NewDuckDBStore(cfg.DatabaseURL, logger)
	case "sqlite":
		return NewSQLiteStore(cfg.DatabaseURL, logger)
	case "postgres":
		return NewPostgresStore(cfg.DatabaseURL, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// checkAppend verifies that candles may follow a series whose newest stored
// timestamp is last (meaningful only when hasLast).
func checkAppend(key models.SeriesKey, last int64, hasLast bool, candles []models.Candle) error {
	name := key.String()
	for i, c := range candles {
		if !key.Period.Aligned(c.Timestamp) {
			return apperrors.NewInvariantError(name, "timestamp %d is not aligned to %s", c.Timestamp, key.Period)
		}
		if i > 0 && c.Timestamp <= candles[i-1].Timestamp {
			return apperrors.NewInvariantError(name, "batch not strictly increasing at %d", c.Timestamp)
		}
		if err := c.Validate(); err != nil {
			return apperrors.NewStoreError("append", name, fmt.Errorf("candle %d: %w", c.Timestamp, err))
		}
	}
	if hasLast && len(candles) > 0 && candles[0].Timestamp <= last {
		return apperrors.NewInvariantError(name, "first timestamp %d not after stored last %d", candles[0].Timestamp, last)
	}
	return nil
}
