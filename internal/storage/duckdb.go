package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/marcboeker/go-duckdb/v2"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// NewDuckDBStore opens a DuckDB database. dbPath may be ":memory:" or a file path.
func NewDuckDBStore(dbPath string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, apperrors.NewStoreError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// DuckDB allows a single writer; one connection keeps appends serialized.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return newSQLStore(db, duckdbDialect{}, logger), nil
}

type duckdbDialect struct{}

func (duckdbDialect) name() string { return "duckdb" }

func (duckdbDialect) placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (duckdbDialect) priceType() string { return "DOUBLE" }

func (duckdbDialect) setup() []string {
	return []string{
		"SET enable_progress_bar = false",
	}
}

// insertCandles uses the Appender API on the transaction's connection, so the
// rows commit or roll back with tx.
func (duckdbDialect) insertCandles(ctx context.Context, conn *sql.Conn, tx *sql.Tx, table string, candles []models.Candle) error {
	return conn.Raw(func(dc any) error {
		driverConn, ok := dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}

		appender, err := duckdb.NewAppenderFromConn(driverConn, "", table)
		if err != nil {
			return fmt.Errorf("failed to create appender: %w", err)
		}

		for _, c := range candles {
			open, high, low, closePrice, volume := candleFloats(c)
			if err := appender.AppendRow(c.Timestamp, open, high, low, closePrice, volume); err != nil {
				appender.Close()
				return fmt.Errorf("failed to append candle %d: %w", c.Timestamp, err)
			}
		}

		if err := appender.Flush(); err != nil {
			appender.Close()
			return fmt.Errorf("failed to flush appender: %w", err)
		}
		return appender.Close()
	})
}
