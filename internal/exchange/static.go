package exchange

import (
	"context"
	"sort"
	"sync"

	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// StaticSource serves candles held in memory. It backs dry runs and tests.
// Responses for a (exchange, pair) can be scripted with candles, an error, or
// both; every call is recorded.
type StaticSource struct {
	mu      sync.Mutex
	candles map[string][]models.Candle
	errs    map[string]error
	pairs   map[string][]string
	calls   []StaticCall
	hook    func(ctx context.Context) error
}

// StaticCall records one FetchCandles invocation.
type StaticCall struct {
	Exchange string
	Pair     string
	From     int64
	To       int64
}

// NewStaticSource creates an empty StaticSource.
func NewStaticSource() *StaticSource {
	return &StaticSource{
		candles: make(map[string][]models.Candle),
		errs:    make(map[string]error),
		pairs:   make(map[string][]string),
	}
}

func staticKey(exchange, pair string) string { return exchange + "|" + pair }

// SetCandles replaces the candles served for exchange and pair.
func (s *StaticSource) SetCandles(exchange, pair string, candles []models.Candle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[staticKey(exchange, pair)] = append([]models.Candle(nil), candles...)
	s.addPair(exchange, pair)
}

// SetError makes calls for exchange and pair fail with err.
func (s *StaticSource) SetError(exchange, pair string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[staticKey(exchange, pair)] = err
	s.addPair(exchange, pair)
}

// SetHook installs fn to run at the start of every fetch. A non-nil result is
// returned as the fetch error. Tests use it to block or observe the context.
func (s *StaticSource) SetHook(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *StaticSource) addPair(exchange, pair string) {
	for _, p := range s.pairs[exchange] {
		if p == pair {
			return
		}
	}
	s.pairs[exchange] = append(s.pairs[exchange], pair)
}

// FetchCandles implements Source.
func (s *StaticSource) FetchCandles(ctx context.Context, exchange, pair string, period models.Period, from, to int64) ([]models.Candle, error) {
	s.mu.Lock()
	s.calls = append(s.calls, StaticCall{Exchange: exchange, Pair: pair, From: from, To: to})
	hook := s.hook
	key := staticKey(exchange, pair)
	err := s.errs[key]
	candles := append([]models.Candle(nil), s.candles[key]...)
	s.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return nil, herr
		}
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return clampToWindow(candles, from, to), nil
}

// ListPairs returns the pairs of an exchange the source has data or errors for.
func (s *StaticSource) ListPairs(ctx context.Context, exchange string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := append([]string(nil), s.pairs[exchange]...)
	sort.Strings(pairs)
	return pairs, nil
}

// Calls returns the recorded invocations.
func (s *StaticSource) Calls() []StaticCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StaticCall(nil), s.calls...)
}
