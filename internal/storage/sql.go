package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// dialect captures what differs between the SQL backends.
type dialect interface {
	name() string
	placeholder(n int) string
	priceType() string
	// setup lists best-effort session settings applied on Initialize.
	setup() []string
	// insertCandles writes candles into table inside tx, which was begun on conn.
	insertCandles(ctx context.Context, conn *sql.Conn, tx *sql.Tx, table string, candles []models.Candle) error
}

// SQLStore is a SeriesStore over database/sql. One table per series key holds
// (timestamp, open, high, low, close, volume) with timestamp as primary key;
// series_catalog maps keys to tables.
type SQLStore struct {
	db         *sql.DB
	dialect    dialect
	logger     *slog.Logger
	migrations *MigrationManager

	mu     sync.RWMutex
	closed bool
	known  map[models.SeriesKey]bool
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage", "backend", d.name())
	return &SQLStore{
		db:         db,
		dialect:    d,
		logger:     logger,
		migrations: NewMigrationManager(db, d, logger),
		known:      make(map[models.SeriesKey]bool),
	}
}

// Initialize applies session settings and migrates the shared schema.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if err := s.checkOpen("initialize", ""); err != nil {
		return err
	}

	for _, stmt := range s.dialect.setup() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			s.logger.Warn("failed to apply setting", "statement", stmt, "error", err)
		}
	}

	if err := s.migrations.MigrateToLatest(ctx); err != nil {
		return apperrors.NewStoreError("initialize", "", err)
	}

	s.logger.Info("storage initialized")
	return nil
}

// Migrations exposes the migration manager, mainly for status reporting.
func (s *SQLStore) Migrations() *MigrationManager {
	return s.migrations
}

// ReadTail implements SeriesReader.
func (s *SQLStore) ReadTail(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error) {
	name := key.String()
	if err := s.checkOpen("read_tail", name); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []models.Candle{}, nil
	}

	exists, err := s.exists(ctx, key)
	if err != nil {
		return nil, apperrors.NewStoreError("read_tail", name, err)
	}
	if !exists {
		return []models.Candle{}, nil
	}

	query := fmt.Sprintf(`SELECT timestamp, open, high, low, close, volume FROM (
		SELECT timestamp, open, high, low, close, volume FROM %s ORDER BY timestamp DESC LIMIT %s
	) AS tail ORDER BY timestamp ASC`, quoteIdent(key.TableName()), s.dialect.placeholder(1))

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.NewStoreError("read_tail", name, err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, limit)
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, apperrors.NewStoreError("read_tail", name, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("read_tail", name, err)
	}
	return out, nil
}

// Scan implements SeriesReader. Single-connection backends hold their only
// connection while fn runs, so fn must not call back into the store.
func (s *SQLStore) Scan(ctx context.Context, key models.SeriesKey, fn func(models.Candle) error) error {
	name := key.String()
	if err := s.checkOpen("scan", name); err != nil {
		return err
	}

	exists, err := s.exists(ctx, key)
	if err != nil {
		return apperrors.NewStoreError("scan", name, err)
	}
	if !exists {
		return nil
	}

	query := fmt.Sprintf("SELECT timestamp, open, high, low, close, volume FROM %s ORDER BY timestamp ASC",
		quoteIdent(key.TableName()))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return apperrors.NewStoreError("scan", name, err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return apperrors.NewStoreError("scan", name, err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.NewStoreError("scan", name, err)
	}
	return nil
}

// Append implements SeriesWriter. The tail check and the insert share one
// transaction.
func (s *SQLStore) Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	name := key.String()
	if err := s.checkOpen("append", name); err != nil {
		return err
	}
	if len(candles) == 0 {
		return nil
	}
	if err := key.Validate(); err != nil {
		return apperrors.NewStoreError("append", name, err)
	}

	start := time.Now()
	table := key.TableName()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return apperrors.NewStoreError("append", name, fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.NewStoreError("append", name, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	registered, err := s.ensureSeries(ctx, tx, key)
	if err != nil {
		return apperrors.NewStoreError("append", name, err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM "+quoteIdent(table)).Scan(&last); err != nil {
		return apperrors.NewStoreError("append", name, fmt.Errorf("failed to read last timestamp: %w", err))
	}
	if err := checkAppend(key, last.Int64, last.Valid, candles); err != nil {
		return err
	}

	if err := s.dialect.insertCandles(ctx, conn, tx, table, candles); err != nil {
		return apperrors.NewStoreError("append", name, err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.NewStoreError("append", name, fmt.Errorf("failed to commit: %w", err))
	}

	if registered {
		s.mu.Lock()
		s.known[key] = true
		s.mu.Unlock()
		s.logger.Info("created series", "key", name, "table", table)
	}

	s.logger.Debug("appended candles",
		"key", name,
		"count", len(candles),
		"first", candles[0].Timestamp,
		"last", candles[len(candles)-1].Timestamp,
		"duration", time.Since(start))
	return nil
}

// ensureSeries creates the table and catalog row for key when missing and
// reports whether it did.
func (s *SQLStore) ensureSeries(ctx context.Context, tx *sql.Tx, key models.SeriesKey) (bool, error) {
	s.mu.RLock()
	known := s.known[key]
	s.mu.RUnlock()
	if known {
		return false, nil
	}

	var table string
	err := tx.QueryRowContext(ctx, s.catalogLookup(), key.Exchange, key.Pair, key.Period.String()).Scan(&table)
	switch {
	case err == nil:
		s.mu.Lock()
		s.known[key] = true
		s.mu.Unlock()
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to look up series: %w", err)
	}

	table = key.TableName()

	var owner, ownerPair string
	err = tx.QueryRowContext(ctx,
		"SELECT exchange, pair FROM series_catalog WHERE table_name = "+s.dialect.placeholder(1), table).Scan(&owner, &ownerPair)
	switch {
	case err == nil:
		return false, fmt.Errorf("table %s already holds series %s:%s", table, owner, ownerPair)
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp BIGINT PRIMARY KEY,
		open %[2]s NOT NULL,
		high %[2]s NOT NULL,
		low %[2]s NOT NULL,
		close %[2]s NOT NULL,
		volume %[2]s NOT NULL
	)`, quoteIdent(table), s.dialect.priceType())
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return false, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	insert := fmt.Sprintf(
		"INSERT INTO series_catalog (exchange, pair, period, table_name, created_at) VALUES (%s, %s, %s, %s, %s)",
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3), s.dialect.placeholder(4), s.dialect.placeholder(5))
	if _, err := tx.ExecContext(ctx, insert, key.Exchange, key.Pair, key.Period.String(), table, time.Now().Unix()); err != nil {
		return false, fmt.Errorf("failed to register series: %w", err)
	}
	return true, nil
}

func (s *SQLStore) exists(ctx context.Context, key models.SeriesKey) (bool, error) {
	s.mu.RLock()
	known := s.known[key]
	s.mu.RUnlock()
	if known {
		return true, nil
	}

	var table string
	err := s.db.QueryRowContext(ctx, s.catalogLookup(), key.Exchange, key.Pair, key.Period.String()).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.known[key] = true
	s.mu.Unlock()
	return true, nil
}

func (s *SQLStore) catalogLookup() string {
	return fmt.Sprintf("SELECT table_name FROM series_catalog WHERE exchange = %s AND pair = %s AND period = %s",
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3))
}

// Keys implements SeriesStore.
func (s *SQLStore) Keys(ctx context.Context) ([]models.SeriesKey, error) {
	if err := s.checkOpen("keys", ""); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT exchange, pair, period FROM series_catalog")
	if err != nil {
		return nil, apperrors.NewStoreError("keys", "", err)
	}
	defer rows.Close()

	var keys []models.SeriesKey
	for rows.Next() {
		var exchange, pair, period string
		if err := rows.Scan(&exchange, &pair, &period); err != nil {
			return nil, apperrors.NewStoreError("keys", "", err)
		}
		key, err := models.NewSeriesKey(exchange, pair, period)
		if err != nil {
			s.logger.Warn("skipping unreadable catalog row", "exchange", exchange, "pair", pair, "period", period, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewStoreError("keys", "", err)
	}

	sortKeys(keys)
	return keys, nil
}

// Stats implements SeriesStore.
func (s *SQLStore) Stats(ctx context.Context) ([]SeriesStats, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]SeriesStats, 0, len(keys))
	for _, key := range keys {
		st := SeriesStats{Key: key}
		query := "SELECT COUNT(*), COALESCE(MIN(timestamp), 0), COALESCE(MAX(timestamp), 0) FROM " + quoteIdent(key.TableName())
		if err := s.db.QueryRowContext(ctx, query).Scan(&st.Count, &st.First, &st.Last); err != nil {
			return nil, apperrors.NewStoreError("stats", key.String(), err)
		}
		out = append(out, st)
	}
	return out, nil
}

// HealthCheck implements HealthChecker.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.checkOpen("health", ""); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return apperrors.NewStoreError("health", "", err)
	}
	return nil
}

// Close implements SeriesStore.
func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return apperrors.NewStoreError("close", "", err)
	}
	s.logger.Info("storage closed")
	return nil
}

func (s *SQLStore) checkOpen(op, key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return apperrors.NewStoreError(op, key, apperrors.ErrStoreClosed)
	}
	return nil
}

// insertRows is the portable insert: one prepared statement executed per candle.
func insertRows(ctx context.Context, d dialect, tx *sql.Tx, table string, candles []models.Candle) error {
	query := fmt.Sprintf("INSERT INTO %s (timestamp, open, high, low, close, volume) VALUES (%s, %s, %s, %s, %s, %s)",
		quoteIdent(table),
		d.placeholder(1), d.placeholder(2), d.placeholder(3), d.placeholder(4), d.placeholder(5), d.placeholder(6))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		open, high, low, closePrice, volume := candleFloats(c)
		if _, err := stmt.ExecContext(ctx, c.Timestamp, open, high, low, closePrice, volume); err != nil {
			return fmt.Errorf("failed to insert candle %d: %w", c.Timestamp, err)
		}
	}
	return nil
}

func candleFloats(c models.Candle) (open, high, low, closePrice, volume float64) {
	open, _ = c.Open.Float64()
	high, _ = c.High.Float64()
	low, _ = c.Low.Float64()
	closePrice, _ = c.Close.Float64()
	volume, _ = c.Volume.Float64()
	return
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandle(rows rowScanner) (models.Candle, error) {
	var (
		c                                    models.Candle
		open, high, low, closePrice, volume float64
	)
	if err := rows.Scan(&c.Timestamp, &open, &high, &low, &closePrice, &volume); err != nil {
		return models.Candle{}, err
	}
	c.Open = decimal.NewFromFloat(open)
	c.High = decimal.NewFromFloat(high)
	c.Low = decimal.NewFromFloat(low)
	c.Close = decimal.NewFromFloat(closePrice)
	c.Volume = decimal.NewFromFloat(volume)
	return c, nil
}

// quoteIdent quotes a table name. Names come from SeriesKey.TableName and only
// contain [A-Za-z0-9_].
func quoteIdent(name string) string {
	return `"` + name + `"`
}
