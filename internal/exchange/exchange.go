// Package exchange defines the source contract exchange adapters satisfy and the
// adapters themselves.
//
// Every adapter returns candles for a closed window [from, to] in unix seconds.
// Exchange idiosyncrasies (symbol formats, millisecond timestamps, descending
// order, the still-forming last candle) are normalized here and never leak out.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/ohlcv-aggregator/internal/config"
	apperrors "github.com/johnayoung/ohlcv-aggregator/internal/errors"
	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// Source retrieves closed candles from an exchange.
type Source interface {
	// FetchCandles returns the candles of pair whose open time falls inside
	// [from, to]. Order is unspecified; an empty slice is not an error.
	FetchCandles(ctx context.Context, exchange, pair string, period models.Period, from, to int64) ([]models.Candle, error)
}

// PairLister is implemented by adapters that can enumerate their markets. It is
// used when an exchange is tracked with an empty pair set.
type PairLister interface {
	ListPairs(ctx context.Context) ([]string, error)
}

// Adapter is a named Source.
type Adapter interface {
	Source
	Name() string
}

// AdapterConfig carries the settings shared by the HTTP adapters.
type AdapterConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	MaxRetries uint64
	Logger     *slog.Logger
}

func (c AdapterConfig) withDefaults(baseURL string) AdapterConfig {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// New builds the adapter registered under name.
func New(name string, cfg config.ExchangeConfig, logger *slog.Logger) (Adapter, error) {
	ac := AdapterConfig{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		APISecret:  cfg.APISecret,
		Timeout:    cfg.Timeout(30 * time.Second),
		MaxRetries: uint64(cfg.Retries(defaultMaxRetries)),
		Logger:     logger,
	}

	switch name {
	case "coinbase":
		return NewCoinbaseAdapter(ac), nil
	case "binance":
		return NewBinanceAdapter(ac), nil
	case "kraken":
		return NewKrakenAdapter(ac), nil
	default:
		return nil, fmt.Errorf("exchange %q: %w", name, apperrors.ErrUnknownExchange)
	}
}

// Registry maps exchange ids to adapters and dispatches calls by id. It is
// itself a Source.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// NewRegistryFromConfig builds an adapter for every name.
func NewRegistryFromConfig(names []string, cfgs map[string]config.ExchangeConfig, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, name := range names {
		a, err := New(name, cfgs[name], logger)
		if err != nil {
			return nil, err
		}
		r.Register(name, a)
	}
	return r, nil
}

// Register adds or replaces the source for an exchange id.
func (r *Registry) Register(name string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = src
}

// Get returns the source registered for name.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// Names returns the registered exchange ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FetchCandles dispatches to the source registered for exchange.
func (r *Registry) FetchCandles(ctx context.Context, exchange, pair string, period models.Period, from, to int64) ([]models.Candle, error) {
	src, ok := r.Get(exchange)
	if !ok {
		return nil, fmt.Errorf("exchange %q: %w", exchange, apperrors.ErrUnknownExchange)
	}
	return src.FetchCandles(ctx, exchange, pair, period, from, to)
}

// ListPairs enumerates the markets of exchange when its adapter supports it.
func (r *Registry) ListPairs(ctx context.Context, exchange string) ([]string, error) {
	src, ok := r.Get(exchange)
	if !ok {
		return nil, fmt.Errorf("exchange %q: %w", exchange, apperrors.ErrUnknownExchange)
	}
	lister, ok := src.(PairLister)
	if !ok {
		return nil, fmt.Errorf("exchange %q cannot list pairs: %w", exchange, apperrors.ErrNotSupported)
	}
	return lister.ListPairs(ctx)
}

// clampToWindow keeps the candles whose open time lies in [from, to]. Anything
// later is either still forming or outside the request.
func clampToWindow(candles []models.Candle, from, to int64) []models.Candle {
	out := candles[:0]
	for _, c := range candles {
		if c.Timestamp >= from && c.Timestamp <= to {
			out = append(out, c)
		}
	}
	return out
}
