package storage

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// MemoryStore keeps every series in process memory. It backs tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	series map[models.SeriesKey][]models.Candle
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{series: make(map[models.SeriesKey][]models.Candle)}
}

// Initialize implements SeriesStore.
func (m *MemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// ReadTail implements SeriesReader.
func (m *MemoryStore) ReadTail(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.NewStoreError("read_tail", key.String(), err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, apperrors.NewStoreError("read_tail", key.String(), apperrors.ErrStoreClosed)
	}

	s := m.series[key]
	if limit <= 0 || len(s) == 0 {
		return []models.Candle{}, nil
	}
	if limit > len(s) {
		limit = len(s)
	}
	out := make([]models.Candle, limit)
	copy(out, s[len(s)-limit:])
	return out, nil
}

// Scan implements SeriesReader. It iterates a snapshot, so fn may call back
// into the store.
func (m *MemoryStore) Scan(ctx context.Context, key models.SeriesKey, fn func(models.Candle) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return apperrors.NewStoreError("scan", key.String(), apperrors.ErrStoreClosed)
	}
	snapshot := append([]models.Candle(nil), m.series[key]...)
	m.mu.RUnlock()

	for _, c := range snapshot {
		if err := ctx.Err(); err != nil {
			return apperrors.NewStoreError("scan", key.String(), err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// Append implements SeriesWriter.
func (m *MemoryStore) Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error {
	if err := ctx.Err(); err != nil {
		return apperrors.NewStoreError("append", key.String(), err)
	}
	if len(candles) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return apperrors.NewStoreError("append", key.String(), apperrors.ErrStoreClosed)
	}

	s := m.series[key]
	var last int64
	if len(s) > 0 {
		last = s[len(s)-1].Timestamp
	}
	if err := checkAppend(key, last, len(s) > 0, candles); err != nil {
		return err
	}

	m.series[key] = append(s, candles...)
	return nil
}

// Keys implements SeriesStore.
func (m *MemoryStore) Keys(ctx context.Context) ([]models.SeriesKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, apperrors.NewStoreError("keys", "", apperrors.ErrStoreClosed)
	}

	keys := make([]models.SeriesKey, 0, len(m.series))
	for k := range m.series {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys, nil
}

// Stats implements SeriesStore.
func (m *MemoryStore) Stats(ctx context.Context) ([]SeriesStats, error) {
	keys, err := m.Keys(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SeriesStats, 0, len(keys))
	for _, k := range keys {
		s := m.series[k]
		out = append(out, SeriesStats{
			Key:   k,
			Count: int64(len(s)),
			First: s[0].Timestamp,
			Last:  s[len(s)-1].Timestamp,
		})
	}
	return out, nil
}

// HealthCheck implements HealthChecker.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return apperrors.NewStoreError("health", "", apperrors.ErrStoreClosed)
	}
	return nil
}

// Close implements SeriesStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortKeys(keys []models.SeriesKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Exchange != b.Exchange {
			return a.Exchange < b.Exchange
		}
		if a.Pair != b.Pair {
			return a.Pair < b.Pair
		}
		return a.Period < b.Period
	})
}
