package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "dial tcp: i/o failure" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name              string
		err               error
		expectedType      ErrorType
		expectedRetryable bool
		expectedSeverity  Severity
		expectedLevel     slog.Level
	}{
		{
			name:              "source timeout",
			err:               NewSourceError("binance", "BTCUSDT", context.DeadlineExceeded),
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "rate limited sentinel",
			err:               NewSourceError("coinbase", "BTC-USD", fmt.Errorf("status 429: %w", ErrRateLimited)),
			expectedType:      ErrorTypeRateLimit,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "not supported logs at info",
			err:               NewSourceError("kraken", "FOO/BAR", ErrNotSupported),
			expectedType:      ErrorTypeNotSupported,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
			expectedLevel:     slog.LevelInfo,
		},
		{
			name:              "authentication logs at info",
			err:               NewSourceError("kraken", "XBT/USD", ErrAuthentication),
			expectedType:      ErrorTypeAuthentication,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
			expectedLevel:     slog.LevelInfo,
		},
		{
			name:              "network error",
			err:               NewSourceError("coinbase", "ETH-USD", fakeNetError{}),
			expectedType:      ErrorTypeNetwork,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "network timeout",
			err:               fakeNetError{timeout: true},
			expectedType:      ErrorTypeTimeout,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "generic exchange failure",
			err:               NewSourceError("binance", "BTCUSDT", errors.New("unexpected payload")),
			expectedType:      ErrorTypeExchange,
			expectedRetryable: true,
			expectedSeverity:  SeverityMedium,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "binance message pattern",
			err:               errors.New("<APIError> code=-1121, msg=Invalid symbol."),
			expectedType:      ErrorTypeNotSupported,
			expectedRetryable: false,
			expectedSeverity:  SeverityLow,
			expectedLevel:     slog.LevelInfo,
		},
		{
			name:              "invariant violation",
			err:               NewInvariantError("binance:BTCUSDT:1m", "ts %d <= last %d", 60, 120),
			expectedType:      ErrorTypeInvariant,
			expectedRetryable: false,
			expectedSeverity:  SeverityCritical,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "store failure",
			err:               NewStoreError("read_tail", "k", errors.New("disk I/O error")),
			expectedType:      ErrorTypeStore,
			expectedRetryable: false,
			expectedSeverity:  SeverityHigh,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "reconcile failure",
			err:               &ReconcileError{Key: "k", Reason: "tail not strictly increasing", At: 120},
			expectedType:      ErrorTypeReconcile,
			expectedRetryable: false,
			expectedSeverity:  SeverityCritical,
			expectedLevel:     slog.LevelError,
		},
		{
			name:              "canceled",
			err:               context.Canceled,
			expectedType:      ErrorTypeCanceled,
			expectedRetryable: true,
			expectedSeverity:  SeverityLow,
			expectedLevel:     slog.LevelWarn,
		},
		{
			name:              "unknown error",
			err:               errors.New("something went wrong"),
			expectedType:      ErrorTypeUnknown,
			expectedRetryable: false,
			expectedSeverity:  SeverityMedium,
			expectedLevel:     slog.LevelError,
		},
	}

	classifier := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classifier.Classify(tt.err, "driver", "fetch")
			require.NotNil(t, classified)

			assert.Equal(t, tt.expectedType, classified.Type)
			assert.Equal(t, tt.expectedRetryable, classified.Retryable)
			assert.Equal(t, tt.expectedSeverity, classified.Severity)
			assert.Equal(t, tt.expectedLevel, classified.LogLevel())
			assert.Equal(t, "driver", classified.Component)
			assert.ErrorIs(t, classified, tt.err)
		})
	}

	stats := classifier.Stats()
	assert.Equal(t, int64(2), stats[ErrorTypeTimeout].Count)
	assert.Equal(t, int64(1), stats[ErrorTypeInvariant].Count)
}

func TestClassify_NilAndAlreadyClassified(t *testing.T) {
	assert.Nil(t, Classify(nil, "c", "op"))
	assert.Nil(t, NewClassifier().Classify(nil, "c", "op"))

	first := Classify(ErrRateLimited, "c", "op")
	wrapped := fmt.Errorf("outer: %w", first)
	assert.Same(t, first, Classify(wrapped, "other", "other"))
}

func TestClassifiedError_Is(t *testing.T) {
	ce := Classify(NewSourceError("x", "y", context.DeadlineExceeded), "c", "op")

	assert.True(t, errors.Is(ce, &ClassifiedError{Type: ErrorTypeTimeout}))
	assert.False(t, errors.Is(ce, &ClassifiedError{Type: ErrorTypeNetwork}))
	assert.True(t, errors.Is(ce, context.DeadlineExceeded))
	assert.Contains(t, ce.Error(), "[c/timeout] op")
}

func TestTypedErrors(t *testing.T) {
	src := NewSourceError("binance", "ETHUSDT", errors.New("boom"))
	assert.EqualError(t, src, "source binance ETHUSDT: boom")
	assert.True(t, IsSourceError(fmt.Errorf("wrap: %w", src)))
	assert.Nil(t, NewSourceError("a", "b", nil))

	st := NewStoreError("append", "k", errors.New("disk full"))
	assert.EqualError(t, st, "store append k: disk full")
	assert.True(t, IsStoreError(st))
	assert.EqualError(t, NewStoreError("keys", "", errors.New("x")), "store keys: x")
	assert.Nil(t, NewStoreError("a", "b", nil))

	inv := NewInvariantError("k", "ts %d not after %d", 60, 60)
	assert.True(t, IsInvariantViolation(inv))
	assert.True(t, IsStoreError(inv))
	assert.Contains(t, inv.Error(), "ts 60 not after 60")

	rec := &ReconcileError{Key: "k", Reason: "tail out of order", At: 42}
	assert.EqualError(t, rec, "reconcile k: tail out of order at ts=42")
	assert.True(t, IsReconcileError(rec))
	assert.False(t, IsReconcileError(src))
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsRetryable(NewSourceError("a", "b", ErrUnavailable)))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, ErrorTypeUnknown, GetErrorType(nil))
	assert.Equal(t, ErrorTypeBadRequest, GetErrorType(ErrBadRequest))
	assert.Equal(t, "critical", SeverityCritical.String())
	assert.Equal(t, "unknown", Severity(42).String())
}

func TestClassifierStats_FirstAndLastSeen(t *testing.T) {
	c := NewClassifier()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	c.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	c.Classify(ErrRateLimited, "a", "b")
	c.Classify(ErrRateLimited, "a", "b")

	s := c.Stats()[ErrorTypeRateLimit]
	assert.Equal(t, int64(2), s.Count)
	assert.Equal(t, base.Add(time.Minute), s.FirstSeen)
	assert.Equal(t, base.Add(2*time.Minute), s.LastSeen)
}
