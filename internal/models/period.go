package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is the fixed granularity of a series. It is always a whole number of seconds.
type Period time.Duration

// Common periods.
const (
	Minute         = Period(time.Minute)
	FiveMinutes    = Period(5 * time.Minute)
	FifteenMinutes = Period(15 * time.Minute)
	Hour           = Period(time.Hour)
	Day            = Period(24 * time.Hour)
)

// ParsePeriod converts an interval string such as "1m", "4h" or "1d" to a Period.
// Any "<n><unit>" form with unit s, m, h, d or w is accepted.
func ParsePeriod(interval string) (Period, error) {
	s := strings.ToLower(strings.TrimSpace(interval))
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid period %q", interval)
	}

	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid period %q", interval)
	}

	var base time.Duration
	switch unit {
	case 's':
		base = time.Second
	case 'm':
		base = time.Minute
	case 'h':
		base = time.Hour
	case 'd':
		base = 24 * time.Hour
	case 'w':
		base = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("invalid period unit in %q", interval)
	}

	return Period(time.Duration(n) * base), nil
}

// MustParsePeriod is ParsePeriod for constants; it panics on bad input.
func MustParsePeriod(interval string) Period {
	p, err := ParsePeriod(interval)
	if err != nil {
		panic(err)
	}
	return p
}

// Duration returns the period as a time.Duration.
func (p Period) Duration() time.Duration {
	return time.Duration(p)
}

// Seconds returns the period length in whole seconds.
func (p Period) Seconds() int64 {
	return int64(time.Duration(p) / time.Second)
}

// Aligned reports whether ts sits on the period grid.
func (p Period) Aligned(ts int64) bool {
	s := p.Seconds()
	return s > 0 && ts%s == 0
}

// Floor returns the largest grid timestamp not after ts.
func (p Period) Floor(ts int64) int64 {
	s := p.Seconds()
	if s <= 0 {
		return ts
	}
	r := ts % s
	if r < 0 {
		r += s
	}
	return ts - r
}

// String renders the period in its shortest unit form ("1m", "4h", "1d").
func (p Period) String() string {
	s := p.Seconds()
	switch {
	case s <= 0:
		return "0s"
	case s%(7*86400) == 0:
		return fmt.Sprintf("%dw", s/(7*86400))
	case s%86400 == 0:
		return fmt.Sprintf("%dd", s/86400)
	case s%3600 == 0:
		return fmt.Sprintf("%dh", s/3600)
	case s%60 == 0:
		return fmt.Sprintf("%dm", s/60)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// MarshalText encodes the period in its short form.
func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes "1m"-style strings, so periods can live in config files.
func (p *Period) UnmarshalText(text []byte) error {
	parsed, err := ParsePeriod(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
