// Package reconcile merges a freshly fetched batch of candles with the stored
// tail of a series and decides which candles may be appended.
//
// Windows are fetched with a look-back margin, so a batch normally overlaps the
// tail. The overlap is discarded here rather than trusting exchanges to honor
// an exact boundary. Gaps are reported and never filled: synthesized candles
// would corrupt anything computed downstream.
package reconcile

import (
	"fmt"
	"sort"

	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// Reconcile returns the candles of batch that are safe to append after tail,
// in ascending order, together with a report of what was dropped or found
// missing. tail must be strictly increasing; otherwise a *ReconcileError is
// returned and nothing should be written for the key.
//
// Neither argument is modified.
func Reconcile(tail, batch []models.Candle, key models.SeriesKey) ([]models.Candle, models.MergeReport, error) {
	report := models.MergeReport{Key: key}

	if err := checkTail(tail, key); err != nil {
		return nil, report, err
	}
	if len(batch) == 0 {
		return nil, report, nil
	}

	sorted := make([]models.Candle, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	valid := dropMalformed(sorted, key.Period, gridOffset(tail, key.Period), &report)
	unique := dedupe(valid, &report)

	toAppend := unique
	if len(tail) > 0 {
		lastStored := tail[len(tail)-1].Timestamp
		toAppend = afterTimestamp(unique, lastStored)

		if len(toAppend) > 0 && toAppend[0].Timestamp-lastStored > key.Period.Seconds() {
			gap := models.NewGap(lastStored, toAppend[0].Timestamp, key.Period)
			report.Add(models.Anomaly{
				Kind:      models.AnomalyGap,
				Timestamp: toAppend[0].Timestamp,
				Gap:       &gap,
				Reason:    fmt.Sprintf("%d periods missing after stored tail", gap.Missing),
			})
		}
	}

	checkSpacing(toAppend, key.Period, &report)

	if len(toAppend) == 0 {
		return nil, report, nil
	}
	return toAppend, report, nil
}

func checkTail(tail []models.Candle, key models.SeriesKey) error {
	for i := 1; i < len(tail); i++ {
		if tail[i].Timestamp <= tail[i-1].Timestamp {
			return &apperrors.ReconcileError{
				Key:    key.String(),
				Reason: fmt.Sprintf("stored tail not strictly increasing (%d after %d)", tail[i].Timestamp, tail[i-1].Timestamp),
				At:     tail[i].Timestamp,
			}
		}
	}
	return nil
}

// gridOffset anchors the period grid on the stored tail when there is one. A
// tail accepted by a store is epoch aligned, so the offset is then zero.
func gridOffset(tail []models.Candle, period models.Period) int64 {
	if len(tail) == 0 {
		return 0
	}
	last := tail[len(tail)-1].Timestamp
	return last - period.Floor(last)
}

// dropMalformed removes candles off the period grid or failing price checks.
func dropMalformed(candles []models.Candle, period models.Period, offset int64, report *models.MergeReport) []models.Candle {
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if !period.Aligned(c.Timestamp - offset) {
			report.Add(models.Anomaly{
				Kind:      models.AnomalyMalformed,
				Timestamp: c.Timestamp,
				Reason:    fmt.Sprintf("timestamp not aligned to %s grid", period),
			})
			continue
		}
		if err := c.Validate(); err != nil {
			report.Add(models.Anomaly{
				Kind:      models.AnomalyMalformed,
				Timestamp: c.Timestamp,
				Reason:    err.Error(),
			})
			continue
		}
		out = append(out, c)
	}
	return out
}

// dedupe keeps the last candle of every run of equal timestamps. The input is
// stably sorted, so the last of a run is the one appearing latest in the batch.
func dedupe(candles []models.Candle, report *models.MergeReport) []models.Candle {
	out := make([]models.Candle, 0, len(candles))
	for _, c := range candles {
		if n := len(out); n > 0 && out[n-1].Timestamp == c.Timestamp {
			report.Add(models.Anomaly{
				Kind:      models.AnomalyDuplicate,
				Timestamp: c.Timestamp,
				Reason:    "superseded by a later record in the batch",
			})
			out[n-1] = c
			continue
		}
		out = append(out, c)
	}
	return out
}

func afterTimestamp(candles []models.Candle, ts int64) []models.Candle {
	i := sort.Search(len(candles), func(i int) bool { return candles[i].Timestamp > ts })
	return candles[i:]
}

// checkSpacing reports every adjacent pair further apart than one period.
// Such holes do not block the append.
func checkSpacing(candles []models.Candle, period models.Period, report *models.MergeReport) {
	step := period.Seconds()
	for i := 1; i < len(candles); i++ {
		prev, next := candles[i-1].Timestamp, candles[i].Timestamp
		if next-prev == step {
			continue
		}
		gap := models.NewGap(prev, next, period)
		report.Add(models.Anomaly{
			Kind:      models.AnomalyInternalGap,
			Timestamp: next,
			Gap:       &gap,
			Reason:    fmt.Sprintf("%d periods missing inside batch", gap.Missing),
		})
	}
}
