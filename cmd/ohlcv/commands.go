package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johnayoung/ohlcv-aggregator/internal/audit"
	"github.com/johnayoung/ohlcv-aggregator/internal/collector"
	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	"github.com/johnayoung/ohlcv-aggregator/internal/metrics"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// handleUpdate runs one tick over the tracked configuration.
func (cli *CLI) handleUpdate(ctx context.Context, args []string) error {
	flags, err := parseUpdateFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}

	tracked, err := cli.tracked(flags.Track)
	if err != nil {
		return err
	}
	driver, err := cli.newDriver(ctx, tracked, flags.DryRun)
	if err != nil {
		return err
	}

	cli.logger.Info("Starting update",
		"keys", len(tracked.Keys()),
		"exchanges", tracked.Exchanges(),
		"period", tracked.Period().String(),
		"dry_run", flags.DryRun)

	result := driver.RunTick(ctx, tracked)
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := outputTick(cli.out, result, flags.Format); err != nil {
		return err
	}
	if !result.OK() {
		return withCode(ExitDataError, fmt.Errorf("%d of %d keys failed", result.Failed()+len(result.Expansion), len(result.Keys)+len(result.Expansion)))
	}
	return nil
}

// handleAudit checks stored series for gaps, duplicates and misaligned rows.
func (cli *CLI) handleAudit(ctx context.Context, args []string) error {
	flags, err := parseAuditFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}

	keys, err := cli.auditKeys(ctx, flags)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		cli.logger.Warn("No stored series match", "exchange", flags.Exchange, "pair", flags.Pair)
	}

	reports, err := audit.New(store, cli.logMgr.GetComponentLogger("audit").Logger).AuditAll(ctx, keys)
	if err != nil {
		return err
	}
	if err := outputReports(cli.out, reports, flags.Format); err != nil {
		return err
	}

	inconsistent := 0
	for _, r := range reports {
		if !r.Empty() {
			inconsistent++
		}
	}
	if inconsistent > 0 {
		return withCode(ExitDataError, fmt.Errorf("%d of %d series are inconsistent", inconsistent, len(reports)))
	}
	return nil
}

func (cli *CLI) auditKeys(ctx context.Context, flags *AuditFlags) ([]models.SeriesKey, error) {
	period, err := cli.period(flags.Period)
	if err != nil {
		return nil, err
	}
	if flags.Exchange != "" && flags.Pair != "" {
		return []models.SeriesKey{{Exchange: flags.Exchange, Pair: flags.Pair, Period: period}}, nil
	}

	all, err := cli.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []models.SeriesKey
	for _, k := range all {
		if flags.Exchange != "" && k.Exchange != flags.Exchange {
			continue
		}
		if flags.Pair != "" && k.Pair != flags.Pair {
			continue
		}
		if flags.Period != "" && k.Period != period {
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// handleQuery prints the stored tail of one series.
func (cli *CLI) handleQuery(ctx context.Context, args []string) error {
	flags, err := parseQueryFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	if flags.Exchange == "" || flags.Pair == "" {
		return usageErr("--exchange and --pair are required")
	}

	period, err := cli.period(flags.Period)
	if err != nil {
		return err
	}
	key := models.SeriesKey{Exchange: flags.Exchange, Pair: flags.Pair, Period: period}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}

	cli.logger.Info("Querying data", "key", key.String(), "limit", flags.Limit)
	candles, err := store.ReadTail(ctx, key, flags.Limit)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}
	return outputCandles(cli.out, key, candles, flags.Format)
}

// handleSchedule runs ticks on an interval until interrupted, serving the ops
// endpoints alongside when enabled.
func (cli *CLI) handleSchedule(ctx context.Context, args []string) error {
	flags, err := parseScheduleFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}

	intervalStr := cli.config.Scheduler.Interval
	if flags.Interval != "" {
		intervalStr = flags.Interval
	}
	interval, err := time.ParseDuration(intervalStr)
	if err != nil || interval <= 0 {
		return usageErr("invalid interval %q", intervalStr)
	}

	current, err := cli.trackedSource()
	if err != nil {
		return err
	}
	driver, err := cli.newDriver(ctx, current(), flags.DryRun)
	if err != nil {
		return err
	}

	counters := metrics.NewCollector()
	driver.Observe(counters)

	sched, err := collector.NewScheduler(driver, current, collector.SchedulerConfig{
		Interval:        interval,
		AlignToInterval: cli.config.Scheduler.AlignToInterval && !flags.NoAlign,
		RunImmediately:  flags.RunNow,
	}, cli.logger)
	if err != nil {
		return withCode(ExitConfigError, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })

	opsAddr := cli.config.Ops.Addr
	if flags.OpsAddr != "" {
		opsAddr = flags.OpsAddr
	}
	if cli.config.Ops.Enabled || flags.OpsAddr != "" {
		server, err := metrics.NewServer(opsAddr, counters, cli.store, cli.logger)
		if err != nil {
			return withCode(ExitConfigError, err)
		}
		g.Go(func() error {
			if err := server.Run(gctx); err != nil {
				return withCode(ExitConnectionErr, err)
			}
			return nil
		})
	}

	err = g.Wait()
	stats := sched.Stats()
	cli.logger.Info("Scheduler finished",
		"ticks", stats.Ticks,
		"failed_ticks", stats.FailedTicks,
		"skipped_ticks", stats.SkippedTicks)

	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// handlePairs lists the pairs an exchange offers.
func (cli *CLI) handlePairs(ctx context.Context, args []string) error {
	flags, err := parsePairsFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}
	if flags.Exchange == "" {
		return usageErr("--exchange is required")
	}

	reg, err := cli.openExchanges(flags.Exchange)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	pairs, err := reg.ListPairs(callCtx, flags.Exchange)
	if err != nil {
		return withCode(ExitConnectionErr, fmt.Errorf("failed to list pairs: %w", err))
	}
	return outputPairs(cli.out, flags.Exchange, pairs, flags.Format)
}

// handleStats prints row counts and time ranges of every stored series.
func (cli *CLI) handleStats(ctx context.Context, args []string) error {
	flags, err := parseStatsFlags(args)
	if err != nil {
		return withCode(ExitUsageError, err)
	}

	store, err := cli.openStore(ctx)
	if err != nil {
		return err
	}
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	return outputStats(cli.out, stats, flags.Format)
}

// newDriver builds a driver over the configured exchanges and store.
func (cli *CLI) newDriver(ctx context.Context, tracked *config.Tracked, dryRun bool) (*collector.Driver, error) {
	reg, err := cli.openExchanges(tracked.Exchanges()...)
	if err != nil {
		return nil, err
	}
	store, err := cli.openStore(ctx)
	if err != nil {
		return nil, err
	}

	cfg := collector.ConfigFromApp(cli.config, cli.logger)
	if dryRun {
		cfg = cfg.WithDryRun()
	}
	driver, err := collector.New(reg, store, reg, cfg)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	return driver, nil
}

// tracked returns the snapshot for a single run. A --track spec replaces the
// configured exchanges; otherwise the whitelist file, when set, wins over the
// main configuration.
func (cli *CLI) tracked(trackSpec string) (*config.Tracked, error) {
	tc := cli.config.Tracking
	if trackSpec != "" {
		pairs, err := config.ParseTrackSpec(trackSpec)
		if err != nil {
			return nil, usageErr("invalid --track: %v", err)
		}
		tc.Exchanges = pairs
		tc.WhitelistPath = ""
	}

	if tc.WhitelistPath != "" {
		w, err := config.NewTrackingWatcher(tc.WhitelistPath, tc, cli.logger)
		if err != nil {
			return nil, withCode(ExitConfigError, err)
		}
		return w.Current(), nil
	}

	tracked, err := tc.Snapshot()
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	return tracked, nil
}

// trackedSource returns the snapshot provider for the scheduler. With a
// whitelist file it follows the file as it changes.
func (cli *CLI) trackedSource() (func() *config.Tracked, error) {
	tc := cli.config.Tracking
	if tc.WhitelistPath == "" {
		tracked, err := tc.Snapshot()
		if err != nil {
			return nil, withCode(ExitConfigError, err)
		}
		return func() *config.Tracked { return tracked }, nil
	}

	w, err := config.NewTrackingWatcher(tc.WhitelistPath, tc, cli.logger)
	if err != nil {
		return nil, withCode(ExitConfigError, err)
	}
	w.OnChange(func(t *config.Tracked) {
		cli.logger.Info("Tracked series reloaded", "keys", len(t.Keys()), "exchanges", t.Exchanges())
	})
	w.Watch()
	return w.Current, nil
}

func (cli *CLI) period(flag string) (models.Period, error) {
	if flag == "" {
		return cli.config.Period(), nil
	}
	p, err := models.ParsePeriod(flag)
	if err != nil {
		return 0, usageErr("invalid --period: %v", err)
	}
	return p, nil
}
