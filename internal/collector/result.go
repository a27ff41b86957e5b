package collector

import (
	"encoding/json"
	"time"

	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// KeyResult is the outcome of one series key within a tick.
type KeyResult struct {
	Key      models.SeriesKey
	Window   models.FetchWindow
	Fetched  int
	Appended int
	Report   models.MergeReport
	Err      error
	Duration time.Duration
}

// OK reports whether the key completed without error.
func (r KeyResult) OK() bool {
	return r.Err == nil
}

// MarshalJSON renders Err as a string; error values do not marshal on their own.
func (r KeyResult) MarshalJSON() ([]byte, error) {
	var errMsg string
	if r.Err != nil {
		errMsg = r.Err.Error()
	}
	return json.Marshal(struct {
		Key        models.SeriesKey   `json:"key"`
		Window     models.FetchWindow `json:"window"`
		Fetched    int                `json:"fetched"`
		Appended   int                `json:"appended"`
		Report     models.MergeReport `json:"report"`
		Error      string             `json:"error,omitempty"`
		DurationMS int64              `json:"duration_ms"`
	}{
		Key:        r.Key,
		Window:     r.Window,
		Fetched:    r.Fetched,
		Appended:   r.Appended,
		Report:     r.Report,
		Error:      errMsg,
		DurationMS: r.Duration.Milliseconds(),
	})
}

// ExpansionError records an exchange whose "all pairs" set could not be listed.
// None of its keys ran that tick.
type ExpansionError struct {
	Exchange string
	Err      error
}

func (e ExpansionError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"exchange": e.Exchange, "error": e.Err.Error()})
}

// TickResult aggregates every KeyResult of one tick.
type TickResult struct {
	TickID    string           `json:"tick_id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
	DryRun    bool             `json:"dry_run"`
	Keys      []KeyResult      `json:"keys"`
	Expansion []ExpansionError `json:"expansion_errors,omitempty"`
}

// Succeeded counts keys that finished without error.
func (t TickResult) Succeeded() int {
	n := 0
	for _, k := range t.Keys {
		if k.OK() {
			n++
		}
	}
	return n
}

// Failed counts keys that finished with an error.
func (t TickResult) Failed() int {
	return len(t.Keys) - t.Succeeded()
}

// Appended sums the candles appended (or, in a dry run, that would have been).
func (t TickResult) Appended() int {
	n := 0
	for _, k := range t.Keys {
		n += k.Appended
	}
	return n
}

// Errors returns every key and expansion error of the tick.
func (t TickResult) Errors() []error {
	var errs []error
	for _, e := range t.Expansion {
		errs = append(errs, e.Err)
	}
	for _, k := range t.Keys {
		if k.Err != nil {
			errs = append(errs, k.Err)
		}
	}
	return errs
}

// OK reports whether every key and every expansion succeeded.
func (t TickResult) OK() bool {
	return len(t.Errors()) == 0
}
