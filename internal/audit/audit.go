// Package audit checks stored series for broken continuity. It only reads: gaps,
// duplicates and off-grid timestamps are reported, never repaired.
package audit

import (
	"context"
	"log/slog"

	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// Scanner streams a stored series in ascending order.
type Scanner interface {
	Scan(ctx context.Context, key models.SeriesKey, fn func(models.Candle) error) error
}

// Checker accumulates a ConsistencyReport one timestamp at a time, so a series
// can be audited in a single pass without loading it into memory.
type Checker struct {
	report models.ConsistencyReport

	// last is the previous row, prev the previous row on the grid
	last    int64
	prev    int64
	seen    bool
	started bool
}

// NewChecker starts an empty report for key.
func NewChecker(key models.SeriesKey) *Checker {
	return &Checker{report: models.ConsistencyReport{Key: key}}
}

// Observe feeds the next stored timestamp.
func (c *Checker) Observe(ts int64) {
	c.report.Checked++
	if c.seen && ts == c.last {
		c.report.Duplicates = append(c.report.Duplicates, ts)
		return
	}
	c.last, c.seen = ts, true

	period := c.report.Key.Period
	if !period.Aligned(ts) {
		c.report.Misaligned = append(c.report.Misaligned, ts)
		return
	}
	if !c.started {
		c.started = true
		c.prev = ts
		return
	}

	switch delta := ts - c.prev; {
	case delta <= 0:
		// prev stays on the last good row, so one stray row is reported once
		c.report.Misaligned = append(c.report.Misaligned, ts)
	case delta > period.Seconds():
		c.report.Gaps = append(c.report.Gaps, models.NewGap(c.prev, ts, period))
		c.prev = ts
	default:
		c.prev = ts
	}
}

// Report returns the findings so far.
func (c *Checker) Report() models.ConsistencyReport {
	return c.report
}

// CheckSequence audits an in-memory series.
func CheckSequence(key models.SeriesKey, candles []models.Candle) models.ConsistencyReport {
	c := NewChecker(key)
	for _, candle := range candles {
		c.Observe(candle.Timestamp)
	}
	return c.Report()
}

// Audit scans the stored series for key. An unknown key yields an empty report.
func Audit(ctx context.Context, key models.SeriesKey, reader Scanner) (models.ConsistencyReport, error) {
	c := NewChecker(key)
	err := reader.Scan(ctx, key, func(candle models.Candle) error {
		c.Observe(candle.Timestamp)
		return nil
	})
	if err != nil {
		return models.ConsistencyReport{Key: key}, err
	}
	return c.Report(), nil
}

// Auditor runs Audit over many keys and logs what it finds.
type Auditor struct {
	reader Scanner
	logger *slog.Logger
}

// New creates an Auditor.
func New(reader Scanner, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{reader: reader, logger: logger.With("component", "audit")}
}

// AuditAll returns one report per key, in the order given. It stops at the
// first store failure or when ctx is done.
func (a *Auditor) AuditAll(ctx context.Context, keys []models.SeriesKey) ([]models.ConsistencyReport, error) {
	reports := make([]models.ConsistencyReport, 0, len(keys))
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return reports, err
		}

		report, err := Audit(ctx, key, a.reader)
		if err != nil {
			return reports, err
		}

		if report.Empty() {
			a.logger.Debug("series consistent", "key", key.String(), "checked", report.Checked)
		} else {
			a.logger.Warn("series inconsistent",
				"key", key.String(),
				"checked", report.Checked,
				"gaps", len(report.Gaps),
				"missing", report.MissingTotal(),
				"duplicates", len(report.Duplicates),
				"misaligned", len(report.Misaligned))
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// AuditAll is the functional form of Auditor.AuditAll with a default logger.
func AuditAll(ctx context.Context, reader Scanner, keys []models.SeriesKey) ([]models.ConsistencyReport, error) {
	return New(reader, nil).AuditAll(ctx, keys)
}
