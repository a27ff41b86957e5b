// Package models provides the data structures shared by the aggregator: candles,
// series keys, fetch windows, and the merge and consistency reports produced while
// reconciling and auditing stored series.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV record for a single period. Timestamp is the period open
// time in unix seconds and is always aligned to the series period grid.
type Candle struct {
	Timestamp int64           `json:"timestamp" db:"timestamp"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
}

// ValidationError represents a candle validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message explains the failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// NewCandle parses string prices into a Candle. Exchanges deliver prices as
// strings, so adapters build candles through here.
func NewCandle(timestamp int64, open, high, low, close, volume string) (Candle, error) {
	c := Candle{Timestamp: timestamp}
	fields := []struct {
		name  string
		value string
		dst   *decimal.Decimal
	}{
		{"open", open, &c.Open},
		{"high", high, &c.High},
		{"low", low, &c.Low},
		{"close", close, &c.Close},
		{"volume", volume, &c.Volume},
	}

	for _, f := range fields {
		d, err := decimal.NewFromString(f.value)
		if err != nil {
			return Candle{}, &ValidationError{Field: f.name, Message: fmt.Sprintf("invalid %s format: %v", f.name, err)}
		}
		*f.dst = d
	}

	return c, nil
}

// Validate checks the price logic of the candle: every price must be positive,
// volume must be non-negative, and high/low must bound open and close.
func (c Candle) Validate() error {
	zero := decimal.Zero

	if c.Open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if c.High.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if c.Low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if c.Close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if c.Volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(c.Open, c.Close)
	if c.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", c.High, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(c.Open, c.Close)
	if c.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", c.Low, minOpenClose),
		}
	}

	return nil
}

// Time returns the candle open time in UTC.
func (c Candle) Time() time.Time {
	return time.Unix(c.Timestamp, 0).UTC()
}

// String returns a compact representation for logs.
func (c Candle) String() string {
	return fmt.Sprintf("Candle{ts=%d O:%s H:%s L:%s C:%s V:%s}",
		c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume)
}

// Timestamps extracts the timestamps of a candle slice, preserving order.
func Timestamps(candles []Candle) []int64 {
	out := make([]int64, len(candles))
	for i, c := range candles {
		out[i] = c.Timestamp
	}
	return out
}
