package models

import (
	"fmt"
	"strings"
	"time"
)

// SeriesKey identifies one ordered sequence of candles.
type SeriesKey struct {
	Exchange string `json:"exchange"`
	Pair     string `json:"pair"`
	Period   Period `json:"period"`
}

// NewSeriesKey builds a key from an exchange id, a pair and an interval string.
func NewSeriesKey(exchange, pair, interval string) (SeriesKey, error) {
	period, err := ParsePeriod(interval)
	if err != nil {
		return SeriesKey{}, err
	}
	key := SeriesKey{Exchange: exchange, Pair: pair, Period: period}
	return key, key.Validate()
}

// Validate checks that every component of the key is set.
func (k SeriesKey) Validate() error {
	if strings.TrimSpace(k.Exchange) == "" {
		return &ValidationError{Field: "exchange", Message: "exchange cannot be empty"}
	}
	if strings.TrimSpace(k.Pair) == "" {
		return &ValidationError{Field: "pair", Message: "pair cannot be empty"}
	}
	if k.Period.Seconds() <= 0 {
		return &ValidationError{Field: "period", Message: "period must be at least one second"}
	}
	return nil
}

// String renders the key as exchange:pair:period.
func (k SeriesKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Exchange, k.Pair, k.Period)
}

// TableName derives the per-key table name: pair and exchange with separators
// replaced by underscores, followed by the period, e.g. BTC_USDT_binance_1m.
func (k SeriesKey) TableName() string {
	return sanitizeIdent(k.Pair) + "_" + sanitizeIdent(k.Exchange) + "_" + k.Period.String()
}

func sanitizeIdent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Tuning holds the per-key fetch margins. Overlap is the look-back beyond the
// last stored timestamp; MaxLookback bounds the first fetch of a new series.
type Tuning struct {
	Overlap     time.Duration `json:"overlap"`
	MaxLookback time.Duration `json:"max_lookback"`
}

// FetchWindow is the range requested from a source for one polling cycle.
// From and To are period-aligned unix seconds, both inclusive.
type FetchWindow struct {
	Key     SeriesKey     `json:"key"`
	From    int64         `json:"from"`
	To      int64         `json:"to"`
	Overlap time.Duration `json:"overlap"`
}

// Empty reports whether the window contains no closed period.
func (w FetchWindow) Empty() bool {
	return w.From > w.To
}

// Contains reports whether ts falls inside the window.
func (w FetchWindow) Contains(ts int64) bool {
	return ts >= w.From && ts <= w.To
}

// Start returns From as a time.
func (w FetchWindow) Start() time.Time {
	return time.Unix(w.From, 0).UTC()
}

// End returns To as a time.
func (w FetchWindow) End() time.Time {
	return time.Unix(w.To, 0).UTC()
}
