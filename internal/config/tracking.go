package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// TrackingConfig lists the series to maintain and the fetch margins for them.
// Overlap and MaxLookback are defaults; ExchangeTuning and KeyTuning override them
// per exchange and per "exchange:pair".
type TrackingConfig struct {
	Period         string                  `json:"period" yaml:"period" mapstructure:"period"`
	Exchanges      map[string][]string     `json:"exchanges" yaml:"exchanges" mapstructure:"exchanges"`
	Overlap        string                  `json:"overlap" yaml:"overlap" mapstructure:"overlap"`
	MaxLookback    string                  `json:"max_lookback" yaml:"max_lookback" mapstructure:"max_lookback"`
	ExchangeTuning map[string]TuningConfig `json:"exchange_tuning" yaml:"exchange_tuning" mapstructure:"exchange_tuning"`
	KeyTuning      map[string]TuningConfig `json:"key_tuning" yaml:"key_tuning" mapstructure:"key_tuning"`
	WhitelistPath  string                  `json:"whitelist_path" yaml:"whitelist_path" mapstructure:"whitelist_path"`
}

// TuningConfig overrides fetch margins. Empty fields inherit.
type TuningConfig struct {
	Overlap     string `json:"overlap" yaml:"overlap" mapstructure:"overlap"`
	MaxLookback string `json:"max_lookback" yaml:"max_lookback" mapstructure:"max_lookback"`
}

func (t TrackingConfig) validate() []string {
	var errors []string

	if _, err := models.ParsePeriod(t.Period); err != nil {
		errors = append(errors, fmt.Sprintf("tracking.period is invalid: %v", err))
	}
	if len(t.Exchanges) == 0 && t.WhitelistPath == "" {
		errors = append(errors, "tracking.exchanges must list at least one exchange")
	}
	for name := range t.Exchanges {
		if strings.TrimSpace(name) == "" {
			errors = append(errors, "tracking.exchanges contains an empty exchange id")
		}
	}

	errors = appendDurationError(errors, "tracking.overlap", t.Overlap, false)
	errors = appendDurationError(errors, "tracking.max_lookback", t.MaxLookback, true)

	for name, o := range t.ExchangeTuning {
		errors = append(errors, o.validate("tracking.exchange_tuning."+name)...)
	}
	for name, o := range t.KeyTuning {
		if !strings.Contains(name, ":") {
			errors = append(errors, fmt.Sprintf("tracking.key_tuning.%s must be exchange:pair", name))
		}
		errors = append(errors, o.validate("tracking.key_tuning."+name)...)
	}

	return errors
}

func (o TuningConfig) validate(prefix string) []string {
	var errors []string
	if o.Overlap != "" {
		if d, err := time.ParseDuration(o.Overlap); err != nil || d < 0 {
			errors = append(errors, prefix+".overlap is not a valid duration")
		}
	}
	if o.MaxLookback != "" {
		if d, err := time.ParseDuration(o.MaxLookback); err != nil || d <= 0 {
			errors = append(errors, prefix+".max_lookback is not a valid duration")
		}
	}
	return errors
}

func (o TuningConfig) apply(base models.Tuning) models.Tuning {
	if d, err := time.ParseDuration(o.Overlap); err == nil && d >= 0 {
		base.Overlap = d
	}
	if d, err := time.ParseDuration(o.MaxLookback); err == nil && d > 0 {
		base.MaxLookback = d
	}
	return base
}

// Snapshot freezes the tracking section into an immutable Tracked value.
func (t TrackingConfig) Snapshot() (*Tracked, error) {
	if errs := t.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}

	period, _ := models.ParsePeriod(t.Period)
	defaults := TuningConfig{Overlap: t.Overlap, MaxLookback: t.MaxLookback}.apply(models.Tuning{})

	tr := &Tracked{
		period:   period,
		pairs:    make(map[string][]string, len(t.Exchanges)),
		defaults: defaults,
		byEx:     make(map[string]models.Tuning, len(t.ExchangeTuning)),
		byKey:    make(map[string]models.Tuning, len(t.KeyTuning)),
	}

	for name, pairs := range t.Exchanges {
		tr.pairs[name] = append([]string(nil), pairs...)
	}
	for name, o := range t.ExchangeTuning {
		tr.byEx[name] = o.apply(defaults)
	}
	for name, o := range t.KeyTuning {
		ex, _, _ := strings.Cut(name, ":")
		base := defaults
		if exT, ok := tr.byEx[ex]; ok {
			base = exT
		}
		tr.byKey[name] = o.apply(base)
	}

	return tr, nil
}

// Tracked is an immutable snapshot of the series to maintain during one tick.
// Accessors return copies so a snapshot can be shared between goroutines.
type Tracked struct {
	period   models.Period
	pairs    map[string][]string
	defaults models.Tuning
	byEx     map[string]models.Tuning
	byKey    map[string]models.Tuning
}

// Period returns the candle period shared by every tracked series.
func (t *Tracked) Period() models.Period {
	return t.period
}

// Exchanges returns the tracked exchange ids in sorted order.
func (t *Tracked) Exchanges() []string {
	out := make([]string, 0, len(t.pairs))
	for name := range t.pairs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PairsFor returns the configured pairs for an exchange. An empty result for a
// tracked exchange means every available pair.
func (t *Tracked) PairsFor(exchange string) []string {
	return append([]string(nil), t.pairs[exchange]...)
}

// TracksAll reports whether the exchange is tracked with an empty pair set.
func (t *Tracked) TracksAll(exchange string) bool {
	pairs, ok := t.pairs[exchange]
	return ok && len(pairs) == 0
}

// Keys returns the explicitly configured series keys, sorted by exchange then pair.
// Exchanges tracking every pair contribute nothing here; the driver expands them.
func (t *Tracked) Keys() []models.SeriesKey {
	var keys []models.SeriesKey
	for _, ex := range t.Exchanges() {
		pairs := t.PairsFor(ex)
		sort.Strings(pairs)
		for _, p := range pairs {
			keys = append(keys, models.SeriesKey{Exchange: ex, Pair: p, Period: t.period})
		}
	}
	return keys
}

// TuningFor resolves the fetch margins for a key: key override, then exchange
// override, then the defaults.
func (t *Tracked) TuningFor(key models.SeriesKey) models.Tuning {
	name := key.Exchange + ":" + key.Pair
	if tu, ok := t.byKey[name]; ok {
		return tu
	}
	// viper lowercases map keys read from a whitelist file
	if tu, ok := t.byKey[strings.ToLower(name)]; ok {
		return tu
	}
	if tu, ok := t.byEx[key.Exchange]; ok {
		return tu
	}
	return t.defaults
}

// NewTracked builds a snapshot directly, mainly for tests and one-off commands.
func NewTracked(period models.Period, pairs map[string][]string, defaults models.Tuning) *Tracked {
	tr := &Tracked{
		period:   period,
		pairs:    make(map[string][]string, len(pairs)),
		defaults: defaults,
		byEx:     map[string]models.Tuning{},
		byKey:    map[string]models.Tuning{},
	}
	for name, p := range pairs {
		tr.pairs[name] = append([]string(nil), p...)
	}
	return tr
}
