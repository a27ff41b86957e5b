// Package collector drives one polling tick: for every tracked series key it reads
// the stored tail, fetches an overlapping window, reconciles the two and appends
// what is new. Keys are independent units of work; a failure is recorded for its
// key and never stops the others.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/exchange"
	"github.com/johnayoung/ohlcv-aggregator/internal/fetcher"
	"github.com/johnayoung/ohlcv-aggregator/internal/logger"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
	"github.com/johnayoung/ohlcv-aggregator/internal/reconcile"
)

// Configuration defaults
const (
	DefaultWorkerCount  = 4
	DefaultTailSize     = 10
	DefaultKeyTimeout   = 2 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
)

// RateLimit is the request budget for one exchange.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

// Config configures the driver.
type Config struct {
	WorkerCount  int
	TailSize     int
	KeyTimeout   time.Duration
	FetchTimeout time.Duration
	// RateLimits is keyed by exchange id. Exchanges without an entry are not throttled.
	RateLimits map[string]RateLimit
	// DryRun fetches and reconciles without appending.
	DryRun bool
	Logger *slog.Logger
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkerCount:  DefaultWorkerCount,
		TailSize:     DefaultTailSize,
		KeyTimeout:   DefaultKeyTimeout,
		FetchTimeout: DefaultFetchTimeout,
		RateLimits:   map[string]RateLimit{},
		Logger:       slog.Default(),
	}
}

// Store is the part of a series store the driver needs.
type Store interface {
	ReadTail(ctx context.Context, key models.SeriesKey, limit int) ([]models.Candle, error)
	Append(ctx context.Context, key models.SeriesKey, candles []models.Candle) error
}

// PairLister resolves "all pairs" for an exchange tracked with an empty pair set.
type PairLister interface {
	ListPairs(ctx context.Context, exchange string) ([]string, error)
}

// TickObserver is notified after every tick.
type TickObserver interface {
	ObserveTick(TickResult)
}

// Driver runs ticks. It is safe for concurrent use, although the scheduler
// never overlaps ticks.
type Driver struct {
	fetcher   *fetcher.Fetcher
	store     Store
	pairs     PairLister
	config    Config
	logger    *slog.Logger
	locks     keyLocks
	limiters  map[string]*rate.Limiter
	limiterMu sync.Mutex
	observers []TickObserver
	now       func() time.Time
}

// New creates a Driver. pairs may be nil when no exchange is tracked with an
// empty pair set.
func New(source exchange.Source, store Store, pairs PairLister, cfg *Config) (*Driver, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if source == nil || store == nil {
		return nil, fmt.Errorf("collector: source and store are required")
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "driver")

	return &Driver{
		fetcher:  fetcher.New(source, cfg.FetchTimeout, log),
		store:    store,
		pairs:    pairs,
		config:   *cfg,
		logger:   log,
		locks:    keyLocks{locks: make(map[models.SeriesKey]*sync.Mutex)},
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}, nil
}

// Observe registers o to receive every TickResult.
func (d *Driver) Observe(o TickObserver) {
	d.observers = append(d.observers, o)
}

// RunTick processes every key of tracked once. The tracked snapshot is only
// read. The returned result holds one KeyResult per expanded key.
func (d *Driver) RunTick(ctx context.Context, tracked *config.Tracked) TickResult {
	tickID := logger.NewTickID()
	ctx = logger.WithOperation(logger.WithTickID(ctx, tickID), "tick")
	started := d.now()

	result := TickResult{TickID: tickID, StartedAt: started, DryRun: d.config.DryRun}

	keys, expansion := d.expandKeys(ctx, tracked)
	result.Expansion = expansion

	d.logger.Info("tick started",
		"tick_id", tickID,
		"keys", len(keys),
		"workers", d.config.WorkerCount,
		"dry_run", d.config.DryRun)

	results := make([]KeyResult, len(keys))
	var g errgroup.Group
	g.SetLimit(d.config.WorkerCount)
	for i, key := range keys {
		tuning := tracked.TuningFor(key)
		g.Go(func() error {
			results[i] = d.runKey(ctx, key, tuning, started)
			// never an error: one key must not cancel its siblings
			return nil
		})
	}
	_ = g.Wait()

	result.Keys = results
	result.Duration = time.Since(started)

	d.logger.Info("tick finished",
		"tick_id", tickID,
		"keys", len(results),
		"ok", result.Succeeded(),
		"failed", result.Failed(),
		"appended", result.Appended(),
		"duration", result.Duration)

	for _, o := range d.observers {
		o.ObserveTick(result)
	}
	return result
}

// expandKeys turns the tracked snapshot into concrete series keys, listing
// pairs for exchanges tracked with an empty set.
func (d *Driver) expandKeys(ctx context.Context, tracked *config.Tracked) ([]models.SeriesKey, []ExpansionError) {
	keys := tracked.Keys()
	var failures []ExpansionError

	for _, ex := range tracked.Exchanges() {
		if !tracked.TracksAll(ex) {
			continue
		}

		pairs, err := d.listPairs(ctx, ex)
		if err != nil {
			logger.LogErrorWithContext(ctx, d.logger, "driver", err, "failed to list pairs", "exchange", ex)
			failures = append(failures, ExpansionError{Exchange: ex, Err: err})
			continue
		}

		d.logger.Debug("expanded all pairs", "exchange", ex, "pairs", len(pairs))
		for _, p := range pairs {
			keys = append(keys, models.SeriesKey{Exchange: ex, Pair: p, Period: tracked.Period()})
		}
	}
	return keys, failures
}

func (d *Driver) listPairs(ctx context.Context, ex string) ([]string, error) {
	if d.pairs == nil {
		return nil, apperrors.NewSourceError(ex, "*", apperrors.ErrNotSupported)
	}

	callCtx, cancel := context.WithTimeout(ctx, d.config.KeyTimeout)
	defer cancel()

	if err := d.limiter(ex).Wait(callCtx); err != nil {
		return nil, apperrors.NewSourceError(ex, "*", err)
	}
	pairs, err := d.pairs.ListPairs(callCtx, ex)
	if err != nil {
		return nil, apperrors.NewSourceError(ex, "*", err)
	}
	return pairs, nil
}

// runKey is the per-key unit: read tail, fetch, reconcile, append. The key
// lock spans all four so two runs for one key cannot interleave.
func (d *Driver) runKey(ctx context.Context, key models.SeriesKey, tuning models.Tuning, now time.Time) (res KeyResult) {
	start := time.Now()
	res = KeyResult{Key: key}
	defer func() { res.Duration = time.Since(start) }()

	ctx = logger.WithSeries(ctx, key)
	keyCtx, cancel := context.WithTimeout(ctx, d.config.KeyTimeout)
	defer cancel()

	unlock := d.locks.lock(key)
	defer unlock()

	tail, err := d.store.ReadTail(keyCtx, key, d.config.TailSize)
	if err != nil {
		return d.fail(ctx, res, err, "failed to read stored tail")
	}

	var last int64
	hasLast := len(tail) > 0
	if hasLast {
		last = tail[len(tail)-1].Timestamp
	}

	if err := d.limiter(key.Exchange).Wait(keyCtx); err != nil {
		return d.fail(ctx, res, apperrors.NewSourceError(key.Exchange, key.Pair, err), "rate limiter wait aborted")
	}

	batch, window, err := d.fetcher.Fetch(keyCtx, key, tuning, last, hasLast, now)
	res.Window = window
	res.Fetched = len(batch)
	if err != nil {
		return d.fail(ctx, res, err, "fetch failed, skipping key for this tick")
	}

	toAppend, report, err := reconcile.Reconcile(tail, batch, key)
	res.Report = report
	if err != nil {
		return d.fail(ctx, res, err, "stored tail is inconsistent")
	}
	d.logReport(ctx, report)

	if d.config.DryRun {
		res.Appended = len(toAppend)
		return res
	}

	// a fetched and reconciled batch is written even if the key deadline
	// passes meanwhile; the append is atomic either way
	if err := d.store.Append(context.WithoutCancel(ctx), key, toAppend); err != nil {
		return d.fail(ctx, res, err, "append failed")
	}
	res.Appended = len(toAppend)

	if res.Appended > 0 {
		d.logger.Info("series updated", append(contextAttrs(ctx),
			"appended", res.Appended,
			"first", toAppend[0].Timestamp,
			"last", toAppend[len(toAppend)-1].Timestamp)...)
	} else {
		d.logger.Debug("series up to date", contextAttrs(ctx)...)
	}
	return res
}

func (d *Driver) fail(ctx context.Context, res KeyResult, err error, msg string) KeyResult {
	res.Err = err
	logger.LogErrorWithContext(ctx, d.logger, "driver", err, msg)
	return res
}

func (d *Driver) logReport(ctx context.Context, report models.MergeReport) {
	if report.Empty() {
		return
	}
	attrs := append(contextAttrs(ctx),
		"malformed", report.Count(models.AnomalyMalformed),
		"duplicates", report.Count(models.AnomalyDuplicate),
		"gaps", report.Count(models.AnomalyGap),
		"internal_gaps", report.Count(models.AnomalyInternalGap))

	if report.Count(models.AnomalyGap)+report.Count(models.AnomalyInternalGap) > 0 {
		d.logger.Warn("series has gaps", append(attrs, "gap_list", report.Gaps())...)
		return
	}
	d.logger.Info("batch anomalies dropped", attrs...)
}

func contextAttrs(ctx context.Context) []any {
	return logger.ContextAttrs(ctx)
}

// limiter returns the shared limiter of an exchange, creating it on first use.
func (d *Driver) limiter(ex string) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()

	if l, ok := d.limiters[ex]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Inf, 0)
	if rl, ok := d.config.RateLimits[ex]; ok && rl.RequestsPerSecond > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}
	d.limiters[ex] = l
	return l
}

// keyLocks hands out one mutex per series key.
type keyLocks struct {
	mu    sync.Mutex
	locks map[models.SeriesKey]*sync.Mutex
}

func (k *keyLocks) lock(key models.SeriesKey) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// ValidateConfig checks a driver configuration.
func ValidateConfig(cfg *Config) error {
	var errs []error
	if cfg.WorkerCount <= 0 {
		errs = append(errs, errors.New("worker count must be positive"))
	}
	if cfg.TailSize <= 0 {
		errs = append(errs, errors.New("tail size must be positive"))
	}
	if cfg.KeyTimeout <= 0 {
		errs = append(errs, errors.New("key timeout must be positive"))
	}
	if cfg.FetchTimeout < 0 {
		errs = append(errs, errors.New("fetch timeout must not be negative"))
	}
	for ex, rl := range cfg.RateLimits {
		if rl.RequestsPerSecond < 0 {
			errs = append(errs, fmt.Errorf("rate limit for %s must not be negative", ex))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid collector config: %w", errors.Join(errs...))
	}
	return nil
}
