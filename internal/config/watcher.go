package config

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TrackingWatcher serves the current Tracked snapshot from a whitelist file and
// swaps in a new one whenever the file changes. A tick always works on the
// snapshot it started with.
//
// The whitelist file holds a tracking section on its own, for example:
//
//	period: 1m
//	overlap: 75m
//	max_lookback: 24h
//	exchanges:
//	  binance: [BTCUSDT, ETHUSDT]
//	  kraken: []
type TrackingWatcher struct {
	path    string
	base    TrackingConfig
	v       *viper.Viper
	logger  *slog.Logger
	current atomic.Pointer[Tracked]

	mu        sync.Mutex
	listeners []func(*Tracked)
}

// NewTrackingWatcher reads path, layering it over base. Fields missing from the
// file keep the base values.
func NewTrackingWatcher(path string, base TrackingConfig, logger *slog.Logger) (*TrackingWatcher, error) {
	if path == "" {
		return nil, fmt.Errorf("tracking watcher requires a path")
	}
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read whitelist %s: %w", path, err)
	}

	w := &TrackingWatcher{path: path, base: base, v: v, logger: logger}
	if err := w.reload(); err != nil {
		return nil, err
	}
	return w, nil
}

// Current returns the latest valid snapshot.
func (w *TrackingWatcher) Current() *Tracked {
	return w.current.Load()
}

// OnChange registers fn to be called with each newly loaded snapshot.
func (w *TrackingWatcher) OnChange(fn func(*Tracked)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Watch starts watching the file. An invalid edit is logged and the previous
// snapshot stays in effect.
func (w *TrackingWatcher) Watch() {
	w.v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.reload(); err != nil {
			w.logger.Error("whitelist reload failed, keeping previous snapshot",
				"path", evt.Name, "op", evt.Op.String(), "error", err)
			return
		}
		w.logger.Info("whitelist reloaded", "path", evt.Name, "exchanges", len(w.Current().Exchanges()))
		w.notify()
	})
	w.v.WatchConfig()
}

// Reload re-reads the file immediately.
func (w *TrackingWatcher) Reload() error {
	if err := w.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read whitelist %s: %w", w.path, err)
	}
	if err := w.reload(); err != nil {
		return err
	}
	w.notify()
	return nil
}

func (w *TrackingWatcher) reload() error {
	// maps are decoded into fresh values so base never sees a partial edit
	cfg := w.base
	cfg.Exchanges = nil
	cfg.ExchangeTuning = nil
	cfg.KeyTuning = nil
	if err := w.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("decode whitelist %s: %w", w.path, err)
	}
	if cfg.Exchanges == nil {
		cfg.Exchanges = w.base.Exchanges
	}
	if cfg.ExchangeTuning == nil {
		cfg.ExchangeTuning = w.base.ExchangeTuning
	}
	if cfg.KeyTuning == nil {
		cfg.KeyTuning = w.base.KeyTuning
	}
	cfg.WhitelistPath = w.path

	snap, err := cfg.Snapshot()
	if err != nil {
		return err
	}
	w.current.Store(snap)
	return nil
}

func (w *TrackingWatcher) notify() {
	w.mu.Lock()
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	snap := w.Current()
	for _, fn := range listeners {
		fn(snap)
	}
}
