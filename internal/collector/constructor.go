package collector

import (
	"fmt"
	"log/slog"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	"github.com/johnayoung/ohlcv-aggregator/internal/exchange"
)

// ConfigFromApp maps the application configuration onto a driver Config.
func ConfigFromApp(app *config.AppConfig, logger *slog.Logger) *Config {
	cfg := DefaultConfig()
	if logger != nil {
		cfg.Logger = logger
	}
	if app == nil {
		return cfg
	}

	if app.Collector.WorkerCount > 0 {
		cfg.WorkerCount = app.Collector.WorkerCount
	}
	if app.Storage.TailSize > 0 {
		cfg.TailSize = app.Storage.TailSize
	}

	keyTimeout, fetchTimeout := app.Collector.Durations()
	if keyTimeout > 0 {
		cfg.KeyTimeout = keyTimeout
	}
	if fetchTimeout > 0 {
		cfg.FetchTimeout = fetchTimeout
	}

	for name, ex := range app.Exchanges {
		if ex.RateLimit > 0 {
			cfg.RateLimits[name] = RateLimit{RequestsPerSecond: ex.RateLimit, Burst: ex.Burst}
		}
	}
	return cfg
}

// NewFromConfig creates a Driver from the application configuration.
func NewFromConfig(app *config.AppConfig, source exchange.Source, store Store, pairs PairLister, logger *slog.Logger) (*Driver, error) {
	d, err := New(source, store, pairs, ConfigFromApp(app, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	return d, nil
}

// WithDryRun returns a copy of cfg that fetches and reconciles without appending.
func (c Config) WithDryRun() *Config {
	c.DryRun = true
	rl := make(map[string]RateLimit, len(c.RateLimits))
	for k, v := range c.RateLimits {
		rl[k] = v
	}
	c.RateLimits = rl
	return &c
}
