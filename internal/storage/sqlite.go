package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// NewSQLiteStore opens (creating if needed) a SQLite database file.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.NewStoreError("open", "", fmt.Errorf("failed to create database directory: %w", err))
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, apperrors.NewStoreError("open", "", fmt.Errorf("failed to open SQLite database: %w", err))
	}
	db.SetMaxOpenConns(1)

	return newSQLStore(db, sqliteDialect{}, logger), nil
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite" }

func (sqliteDialect) placeholder(int) string { return "?" }

func (sqliteDialect) priceType() string { return "REAL" }

func (sqliteDialect) setup() []string { return nil }

func (d sqliteDialect) insertCandles(ctx context.Context, _ *sql.Conn, tx *sql.Tx, table string, candles []models.Candle) error {
	return insertRows(ctx, d, tx, table, candles)
}
