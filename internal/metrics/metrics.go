// Package metrics counts what the driver does tick by tick and exposes the
// counters, the last tick and store health over HTTP.
package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/johnayoung/ohlcv-aggregator/internal/collector"
	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// Error categories counted by the collector.
const (
	ErrorSource    = "source"
	ErrorStore     = "store"
	ErrorReconcile = "reconcile"
	ErrorExpansion = "expansion"
	ErrorOther     = "other"
)

// Collector accumulates tick results. It implements collector.TickObserver.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time

	ticks           int64
	failedTicks     int64
	keysOK          int64
	keysFailed      int64
	candlesAppended int64
	anomalies       map[models.AnomalyKind]int64
	errors          map[string]int64
	lastTick        *collector.TickResult

	classifier *apperrors.Classifier
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Timestamp       time.Time                                    `json:"timestamp"`
	UptimeSeconds   int64                                        `json:"uptime_seconds"`
	Ticks           int64                                        `json:"ticks"`
	FailedTicks     int64                                        `json:"failed_ticks"`
	KeysOK          int64                                        `json:"keys_ok"`
	KeysFailed      int64                                        `json:"keys_failed"`
	CandlesAppended int64                                        `json:"candles_appended"`
	Anomalies       map[models.AnomalyKind]int64                 `json:"anomalies"`
	Errors          map[string]int64                             `json:"errors"`
	ErrorTypes      map[apperrors.ErrorType]apperrors.ErrorStats `json:"error_types"`
	LastTickAt      *time.Time                                   `json:"last_tick_at,omitempty"`
	System          SystemMetrics                                `json:"system"`
}

// SystemMetrics holds runtime statistics.
type SystemMetrics struct {
	GoroutineCount int    `json:"goroutine_count"`
	NumGC          uint32 `json:"num_gc"`
	HeapAlloc      uint64 `json:"heap_alloc"`
	HeapInuse      uint64 `json:"heap_inuse"`
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		startTime:  time.Now(),
		anomalies:  make(map[models.AnomalyKind]int64),
		errors:     make(map[string]int64),
		classifier: apperrors.NewClassifier(),
	}
}

// ObserveTick records one tick.
func (c *Collector) ObserveTick(r collector.TickResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ticks++
	if !r.OK() {
		c.failedTicks++
	}

	for _, k := range r.Keys {
		c.candlesAppended += int64(k.Appended)
		for _, a := range k.Report.Anomalies {
			c.anomalies[a.Kind]++
		}
		if k.Err == nil {
			c.keysOK++
			continue
		}
		c.keysFailed++
		c.errors[errorCategory(k.Err)]++
		c.classifier.Classify(k.Err, "driver", "run_key")
	}
	c.errors[ErrorExpansion] += int64(len(r.Expansion))
	for _, e := range r.Expansion {
		c.classifier.Classify(e.Err, "driver", "list_pairs")
	}

	last := r
	c.lastTick = &last
}

func errorCategory(err error) string {
	switch {
	case apperrors.IsReconcileError(err):
		return ErrorReconcile
	case apperrors.IsStoreError(err):
		return ErrorStore
	case apperrors.IsSourceError(err):
		return ErrorSource
	default:
		return ErrorOther
	}
}

// LastTick returns the most recent tick, if any.
func (c *Collector) LastTick() (collector.TickResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.lastTick == nil {
		return collector.TickResult{}, false
	}
	return *c.lastTick, true
}

// Snapshot returns a copy of the counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	anomalies := make(map[models.AnomalyKind]int64, len(c.anomalies))
	for k, v := range c.anomalies {
		anomalies[k] = v
	}
	errs := make(map[string]int64, len(c.errors))
	for k, v := range c.errors {
		errs[k] = v
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	snap := Snapshot{
		Timestamp:       time.Now(),
		UptimeSeconds:   int64(time.Since(c.startTime).Seconds()),
		Ticks:           c.ticks,
		FailedTicks:     c.failedTicks,
		KeysOK:          c.keysOK,
		KeysFailed:      c.keysFailed,
		CandlesAppended: c.candlesAppended,
		Anomalies:       anomalies,
		Errors:          errs,
		ErrorTypes:      c.classifier.Stats(),
		System: SystemMetrics{
			GoroutineCount: runtime.NumGoroutine(),
			NumGC:          m.NumGC,
			HeapAlloc:      m.HeapAlloc,
			HeapInuse:      m.HeapInuse,
		},
	}
	if c.lastTick != nil {
		at := c.lastTick.StartedAt
		snap.LastTickAt = &at
	}
	return snap
}
