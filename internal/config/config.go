// Package config provides centralized configuration management for the aggregator.
// Configuration is layered from defaults, a JSON or YAML file, an optional .env file
// and OHLCV_* environment variables, then validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/johnayoung/ohlcv-aggregator/internal/models"
)

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName string `json:"app_name" yaml:"app_name"`
	Version string `json:"version" yaml:"version"`

	Storage   StorageConfig             `json:"storage" yaml:"storage"`
	Collector CollectorConfig           `json:"collector" yaml:"collector"`
	Tracking  TrackingConfig            `json:"tracking" yaml:"tracking"`
	Exchanges map[string]ExchangeConfig `json:"exchanges" yaml:"exchanges"`
	Scheduler SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig             `json:"logging" yaml:"logging"`
	Ops       OpsConfig                 `json:"ops" yaml:"ops"`
}

// StorageConfig configures the series store backend
type StorageConfig struct {
	Type        string `json:"type" yaml:"type"`                 // "duckdb", "sqlite", "postgres", "memory"
	DatabaseURL string `json:"database_url" yaml:"database_url"` // File path or DSN
	TailSize    int    `json:"tail_size" yaml:"tail_size"`       // Candles read as the merge anchor
}

// CollectorConfig configures the per-tick driver
type CollectorConfig struct {
	WorkerCount  int    `json:"worker_count" yaml:"worker_count"`   // Keys processed concurrently
	KeyTimeout   string `json:"key_timeout" yaml:"key_timeout"`     // Deadline for one key, fetch to append
	FetchTimeout string `json:"fetch_timeout" yaml:"fetch_timeout"` // Deadline for one source call
}

// ExchangeConfig configures one exchange adapter
type ExchangeConfig struct {
	BaseURL     string  `json:"base_url" yaml:"base_url"`
	APIKey      string  `json:"api_key" yaml:"api_key"`
	APISecret   string  `json:"api_secret" yaml:"api_secret"`
	RateLimit   float64 `json:"rate_limit" yaml:"rate_limit"` // Requests per second
	Burst       int     `json:"burst" yaml:"burst"`
	HTTPTimeout string  `json:"http_timeout" yaml:"http_timeout"`
	// MaxRetries bounds HTTP retries of 429 and 5xx responses within one
	// fetch. Unset uses the adapter default; 0 leaves retrying to the next tick.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// SchedulerConfig configures the built-in ticker used by the schedule command
type SchedulerConfig struct {
	Interval        string `json:"interval" yaml:"interval"`
	AlignToInterval bool   `json:"align_to_interval" yaml:"align_to_interval"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`             // debug, info, warn, error
	Format        string            `json:"format" yaml:"format"`           // json, text
	Output        string            `json:"output" yaml:"output"`           // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size"`       // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age"`         // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress"`       // Compress rotated files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// OpsConfig configures the health and metrics endpoint
type OpsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. envFile may be empty.
func NewConfigManager(configPath, envFile string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    envFile,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env entries fill unset ones)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"period", config.Tracking.Period,
		"exchanges", len(config.Tracking.Exchanges),
		"log_level", config.Logging.Level)

	return config, nil
}

// GetConfig returns the last loaded configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// loadFromFile decodes a JSON or YAML file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	// A tracked map in the file replaces the default one instead of merging into it.
	defaults := config.Tracking.Exchanges
	config.Tracking.Exchanges = nil

	if err := decodeFile(cm.configPath, data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	if config.Tracking.Exchanges == nil {
		config.Tracking.Exchanges = defaults
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

func decodeFile(path string, data []byte, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, out)
	default:
		return json.Unmarshal(data, out)
	}
}

// loadDotEnv reads KEY=VALUE pairs into the process environment without
// overriding variables that are already set.
func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		cm.logger.Debug("env file does not exist, skipping", "path", cm.envFile)
		return nil
	}
	return godotenv.Load(cm.envFile)
}

// loadFromEnv applies OHLCV_* environment overrides
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if val := os.Getenv("OHLCV_STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("OHLCV_DATABASE_URL"); val != "" {
		config.Storage.DatabaseURL = val
	}
	if val := os.Getenv("OHLCV_TAIL_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("OHLCV_TAIL_SIZE: %w", err)
		}
		config.Storage.TailSize = n
	}

	if val := os.Getenv("OHLCV_WORKER_COUNT"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("OHLCV_WORKER_COUNT: %w", err)
		}
		config.Collector.WorkerCount = n
	}
	if val := os.Getenv("OHLCV_KEY_TIMEOUT"); val != "" {
		config.Collector.KeyTimeout = val
	}
	if val := os.Getenv("OHLCV_FETCH_TIMEOUT"); val != "" {
		config.Collector.FetchTimeout = val
	}

	if val := os.Getenv("OHLCV_PERIOD"); val != "" {
		config.Tracking.Period = val
	}
	if val := os.Getenv("OHLCV_OVERLAP"); val != "" {
		config.Tracking.Overlap = val
	}
	if val := os.Getenv("OHLCV_MAX_LOOKBACK"); val != "" {
		config.Tracking.MaxLookback = val
	}
	if val := os.Getenv("OHLCV_TRACK"); val != "" {
		tracked, err := ParseTrackSpec(val)
		if err != nil {
			return fmt.Errorf("OHLCV_TRACK: %w", err)
		}
		config.Tracking.Exchanges = tracked
	}
	if val := os.Getenv("OHLCV_WHITELIST_PATH"); val != "" {
		config.Tracking.WhitelistPath = val
	}

	for name, ex := range config.Exchanges {
		prefix := "OHLCV_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		if val := os.Getenv(prefix + "API_KEY"); val != "" {
			ex.APIKey = val
		}
		if val := os.Getenv(prefix + "API_SECRET"); val != "" {
			ex.APISecret = val
		}
		if val := os.Getenv(prefix + "BASE_URL"); val != "" {
			ex.BaseURL = val
		}
		if val := os.Getenv(prefix + "MAX_RETRIES"); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("%sMAX_RETRIES: %w", prefix, err)
			}
			ex.MaxRetries = &n
		}
		config.Exchanges[name] = ex
	}

	if val := os.Getenv("OHLCV_SCHEDULE_INTERVAL"); val != "" {
		config.Scheduler.Interval = val
	}

	if val := os.Getenv("OHLCV_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("OHLCV_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("OHLCV_LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("OHLCV_LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	if val := os.Getenv("OHLCV_OPS_ENABLED"); val != "" {
		config.Ops.Enabled = val == "true"
	}
	if val := os.Getenv("OHLCV_OPS_ADDR"); val != "" {
		config.Ops.Addr = val
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

// ParseTrackSpec parses "binance=BTCUSDT,ETHUSDT;coinbase=" into an exchange to
// pairs map. An exchange with no pairs tracks every pair it lists.
func ParseTrackSpec(spec string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, pairs, ok := strings.Cut(part, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid track entry %q, want exchange=pair1,pair2", part)
		}
		list := []string{}
		for _, p := range strings.Split(pairs, ",") {
			if p = strings.TrimSpace(p); p != "" {
				list = append(list, p)
			}
		}
		out[name] = list
	}
	return out, nil
}

// Validate checks the configuration for consistency and required fields,
// reporting every problem at once.
func (c *AppConfig) Validate() error {
	var errors []string

	switch c.Storage.Type {
	case "memory":
	case "duckdb", "sqlite", "postgres":
		if c.Storage.DatabaseURL == "" {
			errors = append(errors, fmt.Sprintf("storage.database_url is required for %s storage", c.Storage.Type))
		}
	case "":
		errors = append(errors, "storage.type is required")
	default:
		errors = append(errors, "storage.type must be one of: duckdb, sqlite, postgres, memory")
	}
	if c.Storage.TailSize <= 0 {
		errors = append(errors, "storage.tail_size must be greater than 0")
	}

	if c.Collector.WorkerCount <= 0 {
		errors = append(errors, "collector.worker_count must be greater than 0")
	}
	errors = appendDurationError(errors, "collector.key_timeout", c.Collector.KeyTimeout, true)
	errors = appendDurationError(errors, "collector.fetch_timeout", c.Collector.FetchTimeout, true)

	errors = append(errors, c.Tracking.validate()...)

	for name, ex := range c.Exchanges {
		if ex.RateLimit < 0 {
			errors = append(errors, fmt.Sprintf("exchanges.%s.rate_limit must not be negative", name))
		}
		if ex.HTTPTimeout != "" {
			errors = appendDurationError(errors, "exchanges."+name+".http_timeout", ex.HTTPTimeout, true)
		}
		if ex.MaxRetries != nil && *ex.MaxRetries < 0 {
			errors = append(errors, fmt.Sprintf("exchanges.%s.max_retries must not be negative", name))
		}
	}

	errors = appendDurationError(errors, "scheduler.interval", c.Scheduler.Interval, true)

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when output is file")
	}

	if c.Ops.Enabled && c.Ops.Addr == "" {
		errors = append(errors, "ops.addr is required when ops is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func appendDurationError(errors []string, field, value string, positive bool) []string {
	if value == "" {
		return append(errors, field+" is required")
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errors, fmt.Sprintf("%s is not a valid duration: %v", field, err))
	}
	if positive && d <= 0 {
		return append(errors, field+" must be greater than 0")
	}
	return errors
}

// Durations of the collector section, valid after Validate.
func (c CollectorConfig) Durations() (keyTimeout, fetchTimeout time.Duration) {
	keyTimeout, _ = time.ParseDuration(c.KeyTimeout)
	fetchTimeout, _ = time.ParseDuration(c.FetchTimeout)
	return keyTimeout, fetchTimeout
}

// Retries returns the configured retry bound, or fallback when unset.
func (e ExchangeConfig) Retries(fallback int) int {
	if e.MaxRetries != nil && *e.MaxRetries >= 0 {
		return *e.MaxRetries
	}
	return fallback
}

// Timeout returns the adapter HTTP timeout, or fallback when unset.
func (e ExchangeConfig) Timeout(fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(e.HTTPTimeout); err == nil && d > 0 {
		return d
	}
	return fallback
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-aggregator",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:        "duckdb",
			DatabaseURL: "./data/ohlcv.duckdb",
			TailSize:    10,
		},
		Collector: CollectorConfig{
			WorkerCount:  4,
			KeyTimeout:   "2m",
			FetchTimeout: "30s",
		},
		Tracking: TrackingConfig{
			Period:      "1m",
			Overlap:     "75m",
			MaxLookback: "24h",
			Exchanges: map[string][]string{
				"binance":  {"BTCUSDT", "ETHUSDT"},
				"coinbase": {"BTC-USD", "ETH-USD"},
			},
			ExchangeTuning: map[string]TuningConfig{},
			KeyTuning:      map[string]TuningConfig{},
		},
		Exchanges: map[string]ExchangeConfig{
			"binance":  {RateLimit: 10, Burst: 1, HTTPTimeout: "30s"},
			"coinbase": {RateLimit: 10, Burst: 1, HTTPTimeout: "30s"},
			"kraken":   {RateLimit: 1, Burst: 1, HTTPTimeout: "30s"},
		},
		Scheduler: SchedulerConfig{
			Interval:        "1h",
			AlignToInterval: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-aggregator",
			},
		},
		Ops: OpsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

// String returns a string representation of the configuration (excluding sensitive data)
func (c *AppConfig) String() string {
	sanitized := *c
	sanitized.Exchanges = make(map[string]ExchangeConfig, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		if ex.APIKey != "" {
			ex.APIKey = "[REDACTED]"
		}
		if ex.APISecret != "" {
			ex.APISecret = "[REDACTED]"
		}
		sanitized.Exchanges[name] = ex
	}
	sanitized.Storage.DatabaseURL = redactDSN(c.Storage.DatabaseURL)

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "REDACTED")
	}
	return u.String()
}

// Period parses the tracking period. Valid after Validate.
func (c *AppConfig) Period() models.Period {
	p, _ := models.ParsePeriod(c.Tracking.Period)
	return p
}
