package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
)

// TickRunner runs one tick over a tracked snapshot.
type TickRunner interface {
	RunTick(ctx context.Context, tracked *config.Tracked) TickResult
}

// SchedulerConfig configures the built-in ticker.
type SchedulerConfig struct {
	Interval time.Duration
	// AlignToInterval fires on interval boundaries (every full hour for 1h)
	// instead of Interval after start.
	AlignToInterval bool
	// RunImmediately runs one tick before waiting for the first boundary.
	RunImmediately bool
}

// SchedulerStats provides scheduler counters.
type SchedulerStats struct {
	Ticks         int64
	FailedTicks   int64
	SkippedTicks  int64
	LastRunTime   time.Time
	NextRunTime   time.Time
	UptimeSeconds int64
}

// Scheduler runs ticks on a fixed interval. Ticks run on the scheduling
// goroutine itself, so they never overlap; a boundary that passes while a
// tick is still running is skipped and counted in SkippedTicks.
type Scheduler struct {
	runner  TickRunner
	tracked func() *config.Tracked
	config  SchedulerConfig
	logger  *slog.Logger

	isRunning int32
	isPaused  int32
	startTime time.Time

	ticks        int64
	failedTicks  int64
	skippedTicks int64
	lastRunTime  time.Time
	nextRunTime  time.Time
	statsMu      sync.RWMutex

	now func() time.Time
}

// NewScheduler creates a scheduler. tracked is called before every tick so a
// hot-reloaded pair whitelist takes effect on the next tick.
func NewScheduler(runner TickRunner, tracked func() *config.Tracked, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	if runner == nil || tracked == nil {
		return nil, fmt.Errorf("scheduler: runner and tracked source are required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("scheduler: interval must be positive, got %s", cfg.Interval)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		runner:  runner,
		tracked: tracked,
		config:  cfg,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
	}, nil
}

// Run blocks, ticking until ctx is done, and returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("scheduler is already running")
	}
	defer atomic.StoreInt32(&s.isRunning, 0)

	s.statsMu.Lock()
	s.startTime = s.now()
	s.statsMu.Unlock()
	s.logger.Info("Starting scheduler",
		"interval", s.config.Interval,
		"align_to_interval", s.config.AlignToInterval)

	if s.config.RunImmediately {
		s.runOnce(ctx)
	}

	for {
		now := s.now()
		next := s.nextRun(now)
		s.statsMu.Lock()
		s.nextRunTime = next
		s.statsMu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Scheduler stopped", "reason", ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}

		if atomic.LoadInt32(&s.isPaused) == 1 {
			atomic.AddInt64(&s.skippedTicks, 1)
			s.logger.Debug("Scheduler is paused, skipping tick")
			continue
		}
		s.runOnce(ctx)

		if missed := s.missed(next, s.now()); missed > 0 {
			atomic.AddInt64(&s.skippedTicks, missed)
			s.logger.Warn("Tick outlasted the interval, skipping missed runs",
				"missed", missed,
				"interval", s.config.Interval)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	tracked := s.tracked()
	if tracked == nil {
		atomic.AddInt64(&s.skippedTicks, 1)
		s.logger.Warn("No tracked series available, skipping tick")
		return
	}

	started := s.now()
	result := s.runner.RunTick(ctx, tracked)

	atomic.AddInt64(&s.ticks, 1)
	if !result.OK() {
		atomic.AddInt64(&s.failedTicks, 1)
	}
	s.statsMu.Lock()
	s.lastRunTime = started
	s.statsMu.Unlock()
}

// nextRun returns when the tick after now is due.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	if s.config.AlignToInterval {
		return now.Truncate(s.config.Interval).Add(s.config.Interval)
	}
	return now.Add(s.config.Interval)
}

// missed counts the runs that fell due after due and up to end.
func (s *Scheduler) missed(due, end time.Time) int64 {
	if !end.After(due) {
		return 0
	}
	return int64(end.Sub(due) / s.config.Interval)
}

// Pause makes the scheduler skip ticks until Resume.
func (s *Scheduler) Pause() {
	if atomic.CompareAndSwapInt32(&s.isPaused, 0, 1) {
		s.logger.Info("Scheduler paused")
	}
}

// Resume undoes Pause.
func (s *Scheduler) Resume() {
	if atomic.CompareAndSwapInt32(&s.isPaused, 1, 0) {
		s.logger.Info("Scheduler resumed")
	}
}

func (s *Scheduler) IsRunning() bool { return atomic.LoadInt32(&s.isRunning) == 1 }

func (s *Scheduler) IsPaused() bool { return atomic.LoadInt32(&s.isPaused) == 1 }

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	uptime := int64(0)
	if s.IsRunning() && !s.startTime.IsZero() {
		uptime = int64(s.now().Sub(s.startTime).Seconds())
	}

	return SchedulerStats{
		Ticks:         atomic.LoadInt64(&s.ticks),
		FailedTicks:   atomic.LoadInt64(&s.failedTicks),
		SkippedTicks:  atomic.LoadInt64(&s.skippedTicks),
		LastRunTime:   s.lastRunTime,
		NextRunTime:   s.nextRunTime,
		UptimeSeconds: uptime,
	}
}
