package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// NewPostgresStore connects to PostgreSQL through pgx.
func NewPostgresStore(dsn string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, apperrors.NewStoreError("open", "", fmt.Errorf("failed to open postgres connection: %w", err))
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newSQLStore(db, postgresDialect{}, logger), nil
}

type postgresDialect struct{}

func (postgresDialect) name() string { return "postgres" }

func (postgresDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) priceType() string { return "DOUBLE PRECISION" }

func (postgresDialect) setup() []string { return nil }

func (d postgresDialect) insertCandles(ctx context.Context, _ *sql.Conn, tx *sql.Tx, table string, candles []models.Candle) error {
	return insertRows(ctx, d, tx, table, candles)
}
