package models

import "fmt"

// AnomalyKind classifies a non-fatal finding made while reconciling a batch.
type AnomalyKind string

const (
	AnomalyMalformed   AnomalyKind = "malformed"
	AnomalyDuplicate   AnomalyKind = "duplicate"
	AnomalyGap         AnomalyKind = "gap"
	AnomalyInternalGap AnomalyKind = "internal_gap"
)

// Gap describes missing periods between two present timestamps.
type Gap struct {
	Prev    int64 `json:"prev_ts"`
	Next    int64 `json:"next_ts"`
	Missing int64 `json:"missing_count"`
}

// NewGap computes the missing count between prev and next for the given period.
func NewGap(prev, next int64, period Period) Gap {
	missing := int64(0)
	if s := period.Seconds(); s > 0 {
		missing = (next-prev)/s - 1
	}
	return Gap{Prev: prev, Next: next, Missing: missing}
}

func (g Gap) String() string {
	return fmt.Sprintf("(%d, %d, missing=%d)", g.Prev, g.Next, g.Missing)
}

// Anomaly is one entry of a MergeReport.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	Timestamp int64       `json:"timestamp"`
	Gap       *Gap        `json:"gap,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// MergeReport lists everything the reconciler noticed about a batch.
// An empty report means the batch merged cleanly.
type MergeReport struct {
	Key       SeriesKey `json:"key"`
	Anomalies []Anomaly `json:"anomalies"`
}

// Add appends an anomaly.
func (r *MergeReport) Add(a Anomaly) {
	r.Anomalies = append(r.Anomalies, a)
}

// Empty reports whether no anomaly was recorded.
func (r MergeReport) Empty() bool {
	return len(r.Anomalies) == 0
}

// Count returns the number of anomalies of the given kind.
func (r MergeReport) Count(kind AnomalyKind) int {
	n := 0
	for _, a := range r.Anomalies {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

// Gaps returns the gap against the stored tail, if any, followed by internal gaps.
func (r MergeReport) Gaps() []Gap {
	var gaps []Gap
	for _, a := range r.Anomalies {
		if (a.Kind == AnomalyGap || a.Kind == AnomalyInternalGap) && a.Gap != nil {
			gaps = append(gaps, *a.Gap)
		}
	}
	return gaps
}

// Duplicates returns the timestamps of dropped duplicate records.
func (r MergeReport) Duplicates() []int64 {
	var out []int64
	for _, a := range r.Anomalies {
		if a.Kind == AnomalyDuplicate {
			out = append(out, a.Timestamp)
		}
	}
	return out
}

// ConsistencyReport is the read-only result of auditing a stored series.
type ConsistencyReport struct {
	Key        SeriesKey `json:"key"`
	Checked    int       `json:"checked"`
	Gaps       []Gap     `json:"gaps"`
	Duplicates []int64   `json:"duplicates"`
	Misaligned []int64   `json:"misaligned,omitempty"`
}

// Empty reports whether the series passed every check.
func (r ConsistencyReport) Empty() bool {
	return len(r.Gaps) == 0 && len(r.Duplicates) == 0 && len(r.Misaligned) == 0
}

// MissingTotal sums the missing periods across all gaps.
func (r ConsistencyReport) MissingTotal() int64 {
	var total int64
	for _, g := range r.Gaps {
		total += g.Missing
	}
	return total
}
